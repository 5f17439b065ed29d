// SPDX-License-Identifier: Apache-2.0

// Package dualwrite orchestrates mutations against the legacy store and,
// under the current rollout policy, mirrors them to the new service. The
// legacy store is the source of truth: its result is always what the caller
// gets back, and its errors propagate untouched. Mirror failures are
// recorded and logged but never surfaced.
package dualwrite

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/peoplemesh/migration-engine/internal/bus"
	"github.com/peoplemesh/migration-engine/internal/domain"
	"github.com/peoplemesh/migration-engine/internal/metrics"
)

const serviceName = "dual_write_adapter"

const defaultReportInterval = 5 * time.Minute

// LegacyFunc performs the caller-owned legacy-store mutation. Its result is
// opaque to the adapter and returned to the caller as-is.
type LegacyFunc func(ctx context.Context) (any, error)

// ProxyClient is the gateway to the new service. All operations return
// "not available" sentinels instead of errors.
type ProxyClient interface {
	Login(ctx context.Context, creds domain.Credentials) *domain.LoginResult
	CreateUser(ctx context.Context, user domain.NewUser) *domain.UserRecord
	UpdateUser(ctx context.Context, id uuid.UUID, patch domain.UserPatch) *domain.UserRecord
	DeleteUser(ctx context.Context, id uuid.UUID) bool
	ChangePassword(ctx context.Context, id uuid.UUID, newPassword string) bool
	Users(ctx context.Context, filter domain.UserFilter) []domain.UserRecord
	Status() domain.ProxyStatus
}

// EventBus is the slice of the bus the adapter needs.
type EventBus interface {
	Publish(ctx context.Context, ev domain.Event) domain.Event
	Subscribe(eventType, serviceName string, priority int, fn bus.Handler)
}

// PhaseAdvisor answers progression questions; the adapter never transitions
// phases itself.
type PhaseAdvisor interface {
	Check(wm domain.WriteMetrics) domain.ProgressionDecision
	Status() domain.PhaseStatus
}

// Notifier is the alert collaborator.
type Notifier interface {
	MetricsReport(ctx context.Context, wm domain.WriteMetrics)
	LoginMismatch(ctx context.Context, check domain.LoginCheck)
}

type Deps struct {
	Proxy  ProxyClient
	Bus    EventBus
	Phases PhaseAdvisor
	Alerts Notifier
	Logger *slog.Logger
	// InitialConfig seeds the policy, normally from the current phase or the
	// environment.
	InitialConfig  domain.DualWriteConfig
	ReportInterval time.Duration
	// Sample overrides the percentage draw in tests.
	Sample func(percentage int) bool
}

type Adapter struct {
	proxy  ProxyClient
	bus    EventBus
	phases PhaseAdvisor
	alerts Notifier
	logger *slog.Logger

	// cfg is replaced wholesale on every change so readers never observe a
	// partially-updated config. cfgMu serializes writers only.
	cfg   atomic.Pointer[domain.DualWriteConfig]
	cfgMu sync.Mutex

	total       atomic.Int64
	mirrorOK    atomic.Int64
	mirrorFail  atomic.Int64
	newReads    atomic.Int64
	legacyReads atomic.Int64

	sample         func(percentage int) bool
	reportInterval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds the adapter and subscribes it to phase transition events so a
// progress or rollback reconfigures it immediately.
func New(deps Deps) *Adapter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sample := deps.Sample
	if sample == nil {
		sample = defaultSample
	}

	interval := deps.ReportInterval
	if interval <= 0 {
		interval = defaultReportInterval
	}

	alerts := deps.Alerts
	if alerts == nil {
		alerts = noopNotifier{}
	}

	a := &Adapter{
		proxy:          deps.Proxy,
		bus:            deps.Bus,
		phases:         deps.Phases,
		alerts:         alerts,
		logger:         logger,
		sample:         sample,
		reportInterval: interval,
		stop:           make(chan struct{}),
	}

	cfg := deps.InitialConfig.Normalize()
	a.cfg.Store(&cfg)

	if a.bus != nil {
		a.bus.Subscribe(domain.EventPhaseProgressed, serviceName, 1, a.onPhaseTransition)
		a.bus.Subscribe(domain.EventPhaseRolledBack, serviceName, 1, a.onPhaseTransition)
	}

	return a
}

// HandleUserCreation mirrors a creation under the shared legacy id.
func (a *Adapter) HandleUserCreation(ctx context.Context, user domain.NewUser, legacy LegacyFunc) (any, error) {
	return a.handleWrite(ctx, domain.EventUserCreatedSynced, legacy,
		func(ctx context.Context) bool {
			return a.proxy.CreateUser(ctx, user) != nil
		},
		map[string]any{"user_id": user.ID},
	)
}

func (a *Adapter) HandleUserUpdate(ctx context.Context, id uuid.UUID, patch domain.UserPatch, legacy LegacyFunc) (any, error) {
	return a.handleWrite(ctx, domain.EventUserUpdatedSynced, legacy,
		func(ctx context.Context) bool {
			return a.proxy.UpdateUser(ctx, id, patch) != nil
		},
		map[string]any{"user_id": id},
	)
}

func (a *Adapter) HandleUserDeletion(ctx context.Context, id uuid.UUID, legacy LegacyFunc) (any, error) {
	return a.handleWrite(ctx, domain.EventUserDeletedSynced, legacy,
		func(ctx context.Context) bool {
			return a.proxy.DeleteUser(ctx, id)
		},
		map[string]any{"user_id": id},
	)
}

func (a *Adapter) HandlePasswordChange(ctx context.Context, id uuid.UUID, newPassword string, legacy LegacyFunc) (any, error) {
	return a.handleWrite(ctx, domain.EventPasswordSynced, legacy,
		func(ctx context.Context) bool {
			return a.proxy.ChangePassword(ctx, id, newPassword)
		},
		map[string]any{"user_id": id},
	)
}

// HandleLogin authenticates against both stores when dual write is enabled.
// The new-service attempt starts first and never delays or fails the legacy
// path; outcome mismatches are reported to the alert collaborator.
func (a *Adapter) HandleLogin(ctx context.Context, creds domain.Credentials, legacy LegacyFunc) (any, error) {
	cfg := a.Config()

	var newCh chan *domain.LoginResult
	if cfg.Enabled {
		newCh = make(chan *domain.LoginResult, 1)
		shadowCtx := context.WithoutCancel(ctx)
		go func() {
			newCh <- a.proxy.Login(shadowCtx, creds)
		}()
	}

	out, err := legacy(ctx)
	legacyOK := err == nil

	if newCh != nil {
		if cfg.SyncMode == domain.SyncModeSync {
			a.compareLogin(ctx, creds.Email, legacyOK, <-newCh)
		} else {
			go func() {
				a.compareLogin(context.WithoutCancel(ctx), creds.Email, legacyOK, <-newCh)
			}()
		}
	}

	return out, err
}

// HandleUserList serves reads. When the policy says to read from the new
// service and it answers, that result wins; otherwise the legacy closure
// serves the read.
func (a *Adapter) HandleUserList(ctx context.Context, filter domain.UserFilter, legacy LegacyFunc) (any, error) {
	cfg := a.Config()

	if cfg.Enabled && cfg.ReadFromNewService {
		if users := a.proxy.Users(ctx, filter); users != nil {
			a.newReads.Add(1)
			metrics.IncRead(metrics.ReadSourceNewService)
			return users, nil
		}
		a.logger.Warn("new service read unavailable, serving from legacy")
	}

	out, err := legacy(ctx)
	if err != nil {
		return nil, err
	}
	a.legacyReads.Add(1)
	metrics.IncRead(metrics.ReadSourceLegacy)
	return out, nil
}

// handleWrite is the common write shape: legacy first and authoritative,
// then a policy-gated mirror whose outcome only ever touches metrics, logs
// and events.
func (a *Adapter) handleWrite(
	ctx context.Context,
	eventType string,
	legacy LegacyFunc,
	mirror func(ctx context.Context) bool,
	eventData any,
) (any, error) {
	out, err := legacy(ctx)
	if err != nil {
		return nil, err
	}

	cfg := a.Config()
	if !cfg.Enabled || !a.sample(cfg.WritePercentage) {
		return out, nil
	}

	a.total.Add(1)

	if cfg.SyncMode == domain.SyncModeAsync {
		// Detached: completion is observable only through the counters.
		go a.runMirror(context.WithoutCancel(ctx), eventType, mirror, eventData)
		return out, nil
	}

	a.runMirror(ctx, eventType, mirror, eventData)
	return out, nil
}

func (a *Adapter) runMirror(
	ctx context.Context,
	eventType string,
	mirror func(ctx context.Context) bool,
	eventData any,
) {
	ok := a.invokeMirror(ctx, eventType, mirror)
	if ok {
		a.mirrorOK.Add(1)
		metrics.IncMirrorAttempt(metrics.OutcomeSuccess)
		a.bus.Publish(ctx, domain.Event{
			Type:   eventType,
			Source: serviceName,
			Data:   eventData,
		})
		return
	}

	a.mirrorFail.Add(1)
	metrics.IncMirrorAttempt(metrics.OutcomeFailure)
	a.logger.Warn("mirror write failed", "type", eventType)
}

// invokeMirror shields the caller from anything the mirror path might throw;
// a panic counts as a failed mirror, never a failed request.
func (a *Adapter) invokeMirror(ctx context.Context, eventType string, mirror func(ctx context.Context) bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("mirror write panicked", "type", eventType, "panic", r)
			ok = false
		}
	}()
	return mirror(ctx)
}

func (a *Adapter) compareLogin(ctx context.Context, email string, legacyOK bool, res *domain.LoginResult) {
	newOK := res != nil
	check := domain.LoginCheck{
		Email:      email,
		LegacyOK:   legacyOK,
		NewOK:      newOK,
		Consistent: legacyOK == newOK,
	}

	a.bus.Publish(ctx, domain.Event{
		Type:   domain.EventLoginChecked,
		Source: serviceName,
		Data:   check,
	})

	if !check.Consistent {
		a.logger.Warn("login outcome differs between stores",
			"email", email,
			"legacy_ok", legacyOK,
			"new_ok", newOK,
		)
		a.alerts.LoginMismatch(ctx, check)
	}
}

func (a *Adapter) onPhaseTransition(ctx context.Context, ev domain.Event) error {
	transition, ok := ev.Data.(domain.PhaseTransition)
	if !ok {
		a.logger.Warn("phase transition event with unexpected payload", "event_id", ev.ID)
		return nil
	}
	a.ApplyPhaseConfig(ctx, transition.Config)
	return nil
}

// defaultSample draws uniformly per call; writes are deliberately not sticky
// per entity.
func defaultSample(percentage int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	return rand.IntN(100) < percentage
}

type noopNotifier struct{}

func (noopNotifier) MetricsReport(context.Context, domain.WriteMetrics) {}
func (noopNotifier) LoginMismatch(context.Context, domain.LoginCheck)  {}
