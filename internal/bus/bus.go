// SPDX-License-Identifier: Apache-2.0

// Package bus is the in-process publish/subscribe hub of the migration
// engine. Delivery is synchronous, ordered by handler priority, and
// at-least-once: a failing handler lands on the dead-letter queue and never
// blocks its siblings or the publisher.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peoplemesh/migration-engine/internal/correlate"
	"github.com/peoplemesh/migration-engine/internal/domain"
	"github.com/peoplemesh/migration-engine/internal/metrics"
)

// Handler consumes one event. Handlers must be idempotent with respect to
// replay; the bus re-invokes them with the originally stored events.
type Handler func(ctx context.Context, ev domain.Event) error

// DefaultPriority sorts last; lower priorities run first.
const DefaultPriority = math.MaxInt32

const defaultLogCapacity = 10000

type subscription struct {
	eventType string
	service   string
	priority  int
	handler   Handler
	order     int
}

// DeadLetter records one failed delivery for later reprocessing.
type DeadLetter struct {
	Event    domain.Event `json:"event"`
	Service  string       `json:"service"`
	Error    string       `json:"error"`
	FailedAt time.Time    `json:"failed_at"`
}

// Archive receives a durable copy of every published event. Append failures
// are logged and never block publishing.
type Archive interface {
	AppendEvent(ctx context.Context, ev domain.Event) error
}

type Deps struct {
	Logger *slog.Logger
	// Capacity bounds the in-memory event log; oldest events are evicted
	// first. Zero means the default capacity.
	Capacity int
	Archive  Archive
}

type Bus struct {
	logger   *slog.Logger
	capacity int
	archive  Archive

	mu        sync.RWMutex
	subs      map[string][]subscription
	log       []domain.Event
	dlq       []DeadLetter
	nextOrder int
}

func New(deps Deps) *Bus {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	capacity := deps.Capacity
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}

	return &Bus{
		logger:   logger,
		capacity: capacity,
		archive:  deps.Archive,
		subs:     make(map[string][]subscription, 16),
	}
}

// Publish assigns the event an id and timestamp, appends it to the log and
// delivers it to every handler subscribed to its type, lowest priority
// first. The event is appended regardless of handler outcomes.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) domain.Event {
	ev.ID = uuid.New()
	ev.Timestamp = time.Now().UTC()
	if ev.Version == "" {
		ev.Version = "1"
	}
	if ev.CorrelationID == "" {
		if id, ok := correlate.CorrelationIDFromContext(ctx); ok {
			ev.CorrelationID = id
		}
	}

	b.mu.Lock()
	b.log = append(b.log, ev)
	if overflow := len(b.log) - b.capacity; overflow > 0 {
		b.log = slices.Delete(b.log, 0, overflow)
	}
	b.mu.Unlock()

	metrics.IncEventPublished()

	if b.archive != nil {
		if err := b.archive.AppendEvent(ctx, ev); err != nil {
			b.logger.Warn("event archive append failed",
				"event_id", ev.ID,
				"type", ev.Type,
				"error", err,
			)
		}
	}

	b.dispatch(ctx, ev)
	return ev
}

// Subscribe registers a handler for an event type. Registration is additive:
// the same service may register multiple handlers for one type and all of
// them fire.
func (b *Bus) Subscribe(eventType, serviceName string, priority int, fn Handler) {
	if fn == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[eventType] = append(b.subs[eventType], subscription{
		eventType: eventType,
		service:   serviceName,
		priority:  priority,
		handler:   fn,
		order:     b.nextOrder,
	})
	b.nextOrder++

	b.logger.Debug("handler subscribed",
		"type", eventType,
		"service", serviceName,
		"priority", priority,
	)
}

// Unsubscribe removes every handler matching both the event type and the
// service name.
func (b *Bus) Unsubscribe(eventType, serviceName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[eventType]
	kept := subs[:0]
	for _, s := range subs {
		if s.service != serviceName {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, eventType)
		return
	}
	b.subs[eventType] = kept
}

// Events returns the logged events matching the filter, in publish order.
// The result is a copy and can be requested repeatedly with different
// filters.
func (b *Bus) Events(filter domain.EventFilter) []domain.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Event, 0, len(b.log)/4)
	for _, ev := range b.log {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Replay re-delivers every stored event in the time range, in original
// order, through the same dispatch path as Publish. Stored events keep
// their original id and timestamp so handlers can deduplicate; replayed
// events are not appended to the log again. An empty types list matches
// all types.
func (b *Bus) Replay(ctx context.Context, from, to time.Time, types ...string) int {
	b.mu.RLock()
	matched := make([]domain.Event, 0, 32)
	for _, ev := range b.log {
		if !from.IsZero() && ev.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && ev.Timestamp.After(to) {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, ev.Type) {
			continue
		}
		matched = append(matched, ev)
	}
	b.mu.RUnlock()

	b.logger.Info("replaying events",
		"count", len(matched),
		"from", from,
		"to", to,
	)

	for _, ev := range matched {
		b.dispatch(ctx, ev)
	}
	return len(matched)
}

// DeadLetters returns a copy of the current dead-letter queue.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.dlq)
}

// ProcessDeadLetters snapshots the queue, clears it, then re-attempts each
// delivery against the handlers currently registered for the failed
// service. New failures re-enqueue, so one pass never loops. Returns the
// number of entries retried.
func (b *Bus) ProcessDeadLetters(ctx context.Context) int {
	b.mu.Lock()
	pending := b.dlq
	b.dlq = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	b.logger.Info("processing dead letter queue", "count", len(pending))

	for _, letter := range pending {
		subs := b.handlersFor(letter.Event.Type)
		delivered := false
		for _, sub := range subs {
			if sub.service != letter.Service {
				continue
			}
			delivered = true
			b.deliver(ctx, sub, letter.Event)
		}
		if !delivered {
			b.logger.Warn("dead letter dropped: handler no longer registered",
				"event_id", letter.Event.ID,
				"type", letter.Event.Type,
				"service", letter.Service,
			)
		}
	}
	return len(pending)
}

// handlersFor returns the handlers for the type sorted by priority, stable
// within equal priorities in registration order.
func (b *Bus) handlersFor(eventType string) []subscription {
	b.mu.RLock()
	subs := slices.Clone(b.subs[eventType])
	b.mu.RUnlock()

	slices.SortFunc(subs, func(a, c subscription) int {
		if a.priority != c.priority {
			return a.priority - c.priority
		}
		return a.order - c.order
	})
	return subs
}

func (b *Bus) dispatch(ctx context.Context, ev domain.Event) {
	for _, sub := range b.handlersFor(ev.Type) {
		b.deliver(ctx, sub, ev)
	}
}

// deliver invokes one handler, converting panics to errors; failures are
// queued to the dead-letter queue.
func (b *Bus) deliver(ctx context.Context, sub subscription, ev domain.Event) {
	err := invoke(ctx, sub.handler, ev)
	if err == nil {
		return
	}

	b.logger.Warn("event handler failed",
		"event_id", ev.ID,
		"type", ev.Type,
		"service", sub.service,
		"error", err,
	)
	metrics.IncDeadLetter()

	b.mu.Lock()
	b.dlq = append(b.dlq, DeadLetter{
		Event:    ev,
		Service:  sub.service,
		Error:    err.Error(),
		FailedAt: time.Now().UTC(),
	})
	b.mu.Unlock()
}

func invoke(ctx context.Context, fn Handler, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, ev)
}
