// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/peoplemesh/migration-engine/internal/correlate"
	"github.com/peoplemesh/migration-engine/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus() *Bus {
	return New(Deps{Logger: discardLogger()})
}

func TestPublishAssignsIdentityAndLogs(t *testing.T) {
	b := newTestBus()

	ev := b.Publish(context.Background(), domain.Event{
		Type:   "employee.created",
		Source: "dual_write_adapter",
	})

	if ev.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatal("expected a generated event id")
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("expected a timestamp")
	}
	if ev.Version != "1" {
		t.Fatalf("expected default version 1, got %s", ev.Version)
	}

	logged := b.Events(domain.EventFilter{Type: "employee.created"})
	if len(logged) != 1 {
		t.Fatalf("expected 1 logged event, got %d", len(logged))
	}
	if logged[0].ID != ev.ID {
		t.Fatal("expected logged event to match published event")
	}
}

func TestPublishCorrelationIDFromContext(t *testing.T) {
	b := newTestBus()
	ctx := correlate.WithCorrelationID(context.Background(), "req-123")

	ev := b.Publish(ctx, domain.Event{Type: "employee.created", Source: "t"})
	if ev.CorrelationID != "req-123" {
		t.Fatalf("expected correlation id from context, got %q", ev.CorrelationID)
	}
}

func TestDeliveryPriorityOrder(t *testing.T) {
	b := newTestBus()

	var got []string
	b.Subscribe("employee.created", "audit", DefaultPriority, func(ctx context.Context, ev domain.Event) error {
		got = append(got, "audit")
		return nil
	})
	b.Subscribe("employee.created", "notifications", 2, func(ctx context.Context, ev domain.Event) error {
		got = append(got, "notifications")
		return nil
	})
	b.Subscribe("employee.created", "search-index", 1, func(ctx context.Context, ev domain.Event) error {
		got = append(got, "search-index")
		return nil
	})

	b.Publish(context.Background(), domain.Event{Type: "employee.created", Source: "t"})

	want := []string{"search-index", "notifications", "audit"}
	if len(got) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected delivery order %v, got %v", want, got)
		}
	}
}

func TestDeadLetterIsolation(t *testing.T) {
	b := newTestBus()

	secondRan := false
	b.Subscribe("employee.created", "broken", 1, func(ctx context.Context, ev domain.Event) error {
		return errors.New("boom")
	})
	b.Subscribe("employee.created", "healthy", 2, func(ctx context.Context, ev domain.Event) error {
		secondRan = true
		return nil
	})

	b.Publish(context.Background(), domain.Event{Type: "employee.created", Source: "t"})

	if !secondRan {
		t.Fatal("expected second handler to run after first failed")
	}
	letters := b.DeadLetters()
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].Service != "broken" {
		t.Fatalf("expected dead letter for service broken, got %s", letters[0].Service)
	}
}

func TestHandlerPanicIsCaught(t *testing.T) {
	b := newTestBus()
	b.Subscribe("employee.created", "panicky", 1, func(ctx context.Context, ev domain.Event) error {
		panic("unexpected")
	})

	b.Publish(context.Background(), domain.Event{Type: "employee.created", Source: "t"})

	if len(b.DeadLetters()) != 1 {
		t.Fatal("expected panic to be queued as dead letter")
	}
}

func TestUnsubscribeRemovesAllMatching(t *testing.T) {
	b := newTestBus()

	calls := 0
	handler := func(ctx context.Context, ev domain.Event) error {
		calls++
		return nil
	}
	b.Subscribe("employee.created", "audit", 1, handler)
	b.Subscribe("employee.created", "audit", 2, handler)
	b.Subscribe("employee.created", "other", 3, handler)

	b.Unsubscribe("employee.created", "audit")
	b.Publish(context.Background(), domain.Event{Type: "employee.created", Source: "t"})

	if calls != 1 {
		t.Fatalf("expected only the remaining handler to fire, got %d calls", calls)
	}
}

func TestEventsFilter(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	b.Publish(ctx, domain.Event{Type: "employee.created", Source: "adapter"})
	b.Publish(ctx, domain.Event{Type: "employee.updated", Source: "adapter"})
	b.Publish(ctx, domain.Event{Type: "employee.created", Source: "importer"})

	if got := len(b.Events(domain.EventFilter{Type: "employee.created"})); got != 2 {
		t.Fatalf("expected 2 created events, got %d", got)
	}
	if got := len(b.Events(domain.EventFilter{Source: "importer"})); got != 1 {
		t.Fatalf("expected 1 importer event, got %d", got)
	}
	if got := len(b.Events(domain.EventFilter{To: time.Now().Add(-time.Hour)})); got != 0 {
		t.Fatalf("expected no events before one hour ago, got %d", got)
	}
	if got := len(b.Events(domain.EventFilter{})); got != 3 {
		t.Fatalf("expected all 3 events, got %d", got)
	}
}

func TestReplayPreservesOrderAndLog(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	var published []string
	b.Subscribe("employee.created", "recorder", 1, func(ctx context.Context, ev domain.Event) error {
		published = append(published, ev.ID.String())
		return nil
	})

	b.Publish(ctx, domain.Event{Type: "employee.created", Source: "t"})
	b.Publish(ctx, domain.Event{Type: "employee.created", Source: "t"})
	b.Publish(ctx, domain.Event{Type: "employee.created", Source: "t"})

	original := append([]string(nil), published...)
	published = published[:0]

	count := b.Replay(ctx, time.Time{}, time.Time{}, "employee.created")
	if count != 3 {
		t.Fatalf("expected 3 replayed events, got %d", count)
	}
	if len(published) != 3 {
		t.Fatalf("expected 3 re-deliveries, got %d", len(published))
	}
	for i := range original {
		if published[i] != original[i] {
			t.Fatalf("expected replay order %v, got %v", original, published)
		}
	}

	// Replay must not grow the log.
	if got := len(b.Events(domain.EventFilter{})); got != 3 {
		t.Fatalf("expected log to remain at 3 events, got %d", got)
	}
}

func TestReplayFiltersByTypeAndTime(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	replayed := 0
	b.Subscribe("employee.updated", "recorder", 1, func(ctx context.Context, ev domain.Event) error {
		replayed++
		return nil
	})

	b.Publish(ctx, domain.Event{Type: "employee.created", Source: "t"})
	b.Publish(ctx, domain.Event{Type: "employee.updated", Source: "t"})

	if count := b.Replay(ctx, time.Time{}, time.Time{}, "employee.updated"); count != 1 {
		t.Fatalf("expected 1 matching event, got %d", count)
	}
	if replayed != 1 {
		t.Fatalf("expected 1 re-delivery, got %d", replayed)
	}

	if count := b.Replay(ctx, time.Now().Add(time.Hour), time.Time{}); count != 0 {
		t.Fatalf("expected no events in a future window, got %d", count)
	}
}

func TestProcessDeadLettersSnapshotThenClear(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	attempts := 0
	b.Subscribe("employee.created", "flaky", 1, func(ctx context.Context, ev domain.Event) error {
		attempts++
		if attempts == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	})

	b.Publish(ctx, domain.Event{Type: "employee.created", Source: "t"})
	if len(b.DeadLetters()) != 1 {
		t.Fatal("expected 1 dead letter after failed delivery")
	}

	if retried := b.ProcessDeadLetters(ctx); retried != 1 {
		t.Fatalf("expected 1 retried entry, got %d", retried)
	}
	if len(b.DeadLetters()) != 0 {
		t.Fatal("expected dead letter queue to be empty after successful retry")
	}
	if attempts != 2 {
		t.Fatalf("expected handler invoked twice, got %d", attempts)
	}
}

func TestProcessDeadLettersRequeuesNewFailures(t *testing.T) {
	b := newTestBus()
	ctx := context.Background()

	b.Subscribe("employee.created", "always-broken", 1, func(ctx context.Context, ev domain.Event) error {
		return errors.New("still broken")
	})

	b.Publish(ctx, domain.Event{Type: "employee.created", Source: "t"})
	b.ProcessDeadLetters(ctx)

	// The retry failed again; exactly one entry is back on the queue.
	if got := len(b.DeadLetters()); got != 1 {
		t.Fatalf("expected 1 re-enqueued dead letter, got %d", got)
	}
}

func TestLogCapacityEvictsOldest(t *testing.T) {
	b := New(Deps{Logger: discardLogger(), Capacity: 3})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ev := b.Publish(ctx, domain.Event{Type: "employee.created", Source: "t"})
		ids = append(ids, ev.ID.String())
	}

	logged := b.Events(domain.EventFilter{})
	if len(logged) != 3 {
		t.Fatalf("expected capped log of 3, got %d", len(logged))
	}
	if logged[0].ID.String() != ids[2] {
		t.Fatal("expected oldest events to be evicted first")
	}
}
