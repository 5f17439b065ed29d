// SPDX-License-Identifier: Apache-2.0

package dualwrite

import (
	"context"

	"github.com/peoplemesh/migration-engine/internal/domain"
)

const defaultPercentageStep = 10

// Status is the operator-facing snapshot of the whole rollout surface.
type Status struct {
	Config  domain.DualWriteConfig `json:"config"`
	Metrics domain.WriteMetrics    `json:"metrics"`
	Proxy   domain.ProxyStatus     `json:"proxy"`
	Phase   domain.PhaseStatus     `json:"phase"`
}

// Config returns the policy currently in effect.
func (a *Adapter) Config() domain.DualWriteConfig {
	return *a.cfg.Load()
}

// Metrics snapshots the write and read counters. The counters are read
// individually, so a snapshot taken during heavy traffic may be off by the
// writes in flight; that is fine for rollout decisions.
func (a *Adapter) Metrics() domain.WriteMetrics {
	return domain.WriteMetrics{
		TotalWrites:       a.total.Load(),
		SuccessfulMirrors: a.mirrorOK.Load(),
		FailedMirrors:     a.mirrorFail.Load(),
		NewServiceReads:   a.newReads.Load(),
		LegacyReads:       a.legacyReads.Load(),
	}
}

// Status combines config, counters, proxy health and phase position.
func (a *Adapter) Status() Status {
	s := Status{
		Config:  a.Config(),
		Metrics: a.Metrics(),
	}
	if a.proxy != nil {
		s.Proxy = a.proxy.Status()
	}
	if a.phases != nil {
		s.Phase = a.phases.Status()
	}
	return s
}

// UpdateConfig applies an operator patch on top of the current config and
// publishes the result. Unknown fields are left untouched; invalid values
// reject the whole patch.
func (a *Adapter) UpdateConfig(ctx context.Context, patch domain.ConfigPatch) (domain.DualWriteConfig, error) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	next, err := a.cfg.Load().Apply(patch)
	if err != nil {
		return domain.DualWriteConfig{}, err
	}

	a.storeConfig(ctx, next, "operator")
	return next, nil
}

// ApplyPhaseConfig replaces the policy with a phase's target config. Values
// come from the phase table, not the operator, so they are normalized rather
// than validated.
func (a *Adapter) ApplyPhaseConfig(ctx context.Context, cfg domain.DualWriteConfig) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	a.storeConfig(ctx, cfg.Normalize(), "phase_transition")
}

// ToggleDualWrite flips the enabled bit and returns the new config.
func (a *Adapter) ToggleDualWrite(ctx context.Context) domain.DualWriteConfig {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	next := *a.cfg.Load()
	next.Enabled = !next.Enabled
	a.storeConfig(ctx, next, "operator")
	return next
}

// IncreasePercentage raises the write percentage by increment, clamped to
// 100. A non-positive increment means the default step.
func (a *Adapter) IncreasePercentage(ctx context.Context, increment int) domain.DualWriteConfig {
	if increment <= 0 {
		increment = defaultPercentageStep
	}

	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	next := *a.cfg.Load()
	next.WritePercentage += increment
	if next.WritePercentage > 100 {
		next.WritePercentage = 100
	}
	a.storeConfig(ctx, next, "operator")
	return next
}

// storeConfig swaps the active config and announces the change. Callers hold
// cfgMu.
func (a *Adapter) storeConfig(ctx context.Context, cfg domain.DualWriteConfig, reason string) {
	a.cfg.Store(&cfg)

	a.logger.Info("dual write config updated",
		"enabled", cfg.Enabled,
		"write_percentage", cfg.WritePercentage,
		"sync_mode", string(cfg.SyncMode),
		"read_from_new", cfg.ReadFromNewService,
		"reason", reason,
	)

	if a.bus != nil {
		a.bus.Publish(ctx, domain.Event{
			Type:     domain.EventConfigUpdated,
			Source:   serviceName,
			Data:     cfg,
			Metadata: map[string]string{"reason": reason},
		})
	}
}
