// SPDX-License-Identifier: Apache-2.0

// Package phase owns the ordered rollout state machine. Transitions move one
// step at a time, forward or back, and every transition is published on the
// bus so the adapter and any other subscriber can reconfigure.
package phase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peoplemesh/migration-engine/internal/domain"
	"github.com/peoplemesh/migration-engine/internal/metrics"
)

const serviceName = "phase_manager"

// Store persists the phase index so a restart resumes the rollout stage
// instead of resetting to the initial phase.
type Store interface {
	LoadPhaseIndex(ctx context.Context) (int, bool, error)
	SavePhaseIndex(ctx context.Context, index int) error
}

type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) domain.Event
}

type Deps struct {
	// Phases overrides the default sequence; must be non-empty if set.
	Phases []domain.Phase
	Store  Store
	Bus    Publisher
	Logger *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

type Manager struct {
	phases []domain.Phase
	store  Store
	bus    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	idx       int
	enteredAt time.Time
	// durations of phases completed in this process, oldest first; feeds the
	// completion estimate.
	durations []time.Duration
}

// New builds the manager, restoring the persisted phase index when a store
// is configured.
func New(ctx context.Context, deps Deps) (*Manager, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	phases := deps.Phases
	if len(phases) == 0 {
		phases = DefaultPhases()
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		phases:    phases,
		store:     deps.Store,
		bus:       deps.Bus,
		logger:    logger,
		now:       now,
		enteredAt: now(),
	}

	if deps.Store != nil {
		idx, found, err := deps.Store.LoadPhaseIndex(ctx)
		if err != nil {
			return nil, fmt.Errorf("load persisted phase index: %w", err)
		}
		if found {
			if idx < 0 || idx >= len(phases) {
				return nil, fmt.Errorf("persisted phase index %d out of range [0,%d)", idx, len(phases))
			}
			m.idx = idx
			logger.Info("resumed migration phase", "phase", phases[idx].Name, "index", idx)
		}
	}

	return m, nil
}

// Progress advances one phase forward. Without force, the current phase's
// progression rule must be satisfied by the metrics; force overrides the
// rule and is logged loudly. Each call advances at most one step.
func (m *Manager) Progress(ctx context.Context, force bool, wm domain.WriteMetrics) (domain.TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idx >= len(m.phases)-1 {
		return domain.TransitionResult{
			Success:  false,
			OldPhase: m.phases[m.idx].Name,
			Reason:   "already fully migrated",
		}, domain.ErrAtTerminalPhase
	}

	if !force {
		decision := checkRule(m.phases[m.idx], wm)
		if !decision.ShouldProgress {
			return domain.TransitionResult{
				Success:  false,
				OldPhase: m.phases[m.idx].Name,
				Reason:   decision.Reason,
			}, nil
		}
	}

	old := m.phases[m.idx]
	next := m.phases[m.idx+1]

	if err := m.save(ctx, m.idx+1); err != nil {
		return domain.TransitionResult{}, fmt.Errorf("persist phase transition: %w", err)
	}

	m.durations = append(m.durations, m.now().Sub(m.enteredAt))
	m.idx++
	m.enteredAt = m.now()

	if force {
		m.logger.Warn("migration phase force-progressed",
			"from", old.Name,
			"to", next.Name,
		)
	} else {
		m.logger.Info("migration phase progressed",
			"from", old.Name,
			"to", next.Name,
		)
	}
	metrics.IncPhaseTransition(metrics.DirectionForward)

	m.publish(ctx, domain.EventPhaseProgressed, domain.PhaseTransition{
		OldPhase: old.Name,
		NewPhase: next.Name,
		Forced:   force,
		Config:   next.Config,
	})

	return domain.TransitionResult{
		Success:  true,
		OldPhase: old.Name,
		NewPhase: next.Name,
	}, nil
}

// Rollback moves exactly one phase back. Every rollback is an operational
// incident and is logged as a warning.
func (m *Manager) Rollback(ctx context.Context) (domain.TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idx == 0 {
		return domain.TransitionResult{
			Success:  false,
			OldPhase: m.phases[0].Name,
			Reason:   "already at the initial phase",
		}, domain.ErrAtInitialPhase
	}

	old := m.phases[m.idx]
	prev := m.phases[m.idx-1]

	if err := m.save(ctx, m.idx-1); err != nil {
		return domain.TransitionResult{}, fmt.Errorf("persist phase rollback: %w", err)
	}

	m.idx--
	m.enteredAt = m.now()

	m.logger.Warn("migration phase rolled back",
		"from", old.Name,
		"to", prev.Name,
	)
	metrics.IncPhaseTransition(metrics.DirectionBackward)

	m.publish(ctx, domain.EventPhaseRolledBack, domain.PhaseTransition{
		OldPhase: old.Name,
		NewPhase: prev.Name,
		Config:   prev.Config,
	})

	return domain.TransitionResult{
		Success:  true,
		OldPhase: old.Name,
		NewPhase: prev.Name,
	}, nil
}

// Check evaluates the current phase's progression rule against the metrics.
// Pure with respect to manager state.
func (m *Manager) Check(wm domain.WriteMetrics) domain.ProgressionDecision {
	m.mu.Lock()
	current := m.phases[m.idx]
	terminal := m.idx >= len(m.phases)-1
	m.mu.Unlock()

	if terminal {
		return domain.ProgressionDecision{
			ShouldProgress: false,
			Reason:         "already fully migrated",
		}
	}
	return checkRule(current, wm)
}

// Current returns the phase the rollout is in.
func (m *Manager) Current() domain.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phases[m.idx]
}

// All returns the full ordered phase sequence.
func (m *Manager) All() []domain.Phase {
	out := make([]domain.Phase, len(m.phases))
	copy(out, m.phases)
	return out
}

// Status reports position, elapsed time in phase, and a best-effort
// completion estimate from this process's historical phase durations.
func (m *Manager) Status() domain.PhaseStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	status := domain.PhaseStatus{
		Name:           m.phases[m.idx].Name,
		Index:          m.idx,
		Total:          len(m.phases),
		Terminal:       m.idx == len(m.phases)-1,
		EnteredAt:      m.enteredAt,
		ElapsedSeconds: now.Sub(m.enteredAt).Seconds(),
	}

	if remaining := len(m.phases) - 1 - m.idx; remaining > 0 && len(m.durations) > 0 {
		var total time.Duration
		for _, d := range m.durations {
			total += d
		}
		avg := total / time.Duration(len(m.durations))
		estimate := now.Add(avg * time.Duration(remaining))
		status.EstimatedCompletion = &estimate
	}

	return status
}

func (m *Manager) save(ctx context.Context, idx int) error {
	if m.store == nil {
		return nil
	}
	return m.store.SavePhaseIndex(ctx, idx)
}

func (m *Manager) publish(ctx context.Context, eventType string, data domain.PhaseTransition) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, domain.Event{
		Type:   eventType,
		Source: serviceName,
		Data:   data,
	})
}

func checkRule(p domain.Phase, wm domain.WriteMetrics) domain.ProgressionDecision {
	if p.Rule == nil {
		return domain.ProgressionDecision{
			ShouldProgress: true,
			Reason:         fmt.Sprintf("phase %q has no progression rule", p.Name),
		}
	}

	if wm.TotalWrites < p.Rule.MinWrites {
		return domain.ProgressionDecision{
			ShouldProgress: false,
			Reason: fmt.Sprintf("insufficient writes: %d of %d required",
				wm.TotalWrites, p.Rule.MinWrites),
		}
	}

	rate := wm.MirrorSuccessRate()
	if rate < p.Rule.MinSuccessRate {
		return domain.ProgressionDecision{
			ShouldProgress: false,
			Reason: fmt.Sprintf("mirror success rate %.4f below required %.4f",
				rate, p.Rule.MinSuccessRate),
		}
	}

	return domain.ProgressionDecision{
		ShouldProgress: true,
		Reason: fmt.Sprintf("mirror success rate %.4f over %d writes meets threshold %.4f",
			rate, wm.TotalWrites, p.Rule.MinSuccessRate),
	}
}

// DefaultPhases is the standard rollout sequence, most conservative first.
// The terminal phase serves reads from the new service while still
// mirroring writes, so the legacy store stays warm for rollback.
func DefaultPhases() []domain.Phase {
	return []domain.Phase{
		{
			Name: "legacy-only",
			Config: domain.DualWriteConfig{
				Enabled: false, WritePercentage: 0, SyncMode: domain.SyncModeSync,
			},
		},
		{
			Name: "shadow",
			Config: domain.DualWriteConfig{
				Enabled: true, WritePercentage: 100, SyncMode: domain.SyncModeAsync,
			},
			Rule: &domain.ProgressionRule{MinWrites: 100, MinSuccessRate: 0.95},
		},
		{
			Name: "canary-10",
			Config: domain.DualWriteConfig{
				Enabled: true, WritePercentage: 10, SyncMode: domain.SyncModeSync,
			},
			Rule: &domain.ProgressionRule{MinWrites: 500, MinSuccessRate: 0.99},
		},
		{
			Name: "partial-50",
			Config: domain.DualWriteConfig{
				Enabled: true, WritePercentage: 50, SyncMode: domain.SyncModeSync,
			},
			Rule: &domain.ProgressionRule{MinWrites: 1000, MinSuccessRate: 0.99},
		},
		{
			Name: "majority-90",
			Config: domain.DualWriteConfig{
				Enabled: true, WritePercentage: 90, SyncMode: domain.SyncModeSync,
			},
			Rule: &domain.ProgressionRule{MinWrites: 5000, MinSuccessRate: 0.995},
		},
		{
			Name: "full",
			Config: domain.DualWriteConfig{
				Enabled: true, WritePercentage: 100, SyncMode: domain.SyncModeSync,
			},
			Rule: &domain.ProgressionRule{MinWrites: 10000, MinSuccessRate: 0.999},
		},
		{
			Name: "read-cutover",
			Config: domain.DualWriteConfig{
				Enabled: true, ReadFromNewService: true,
				WritePercentage: 100, SyncMode: domain.SyncModeSync,
			},
		},
	}
}
