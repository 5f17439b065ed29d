// SPDX-License-Identifier: Apache-2.0

package domain

// SyncMode controls whether a mirrored write blocks the caller.
type SyncMode string

const (
	SyncModeSync  SyncMode = "sync"
	SyncModeAsync SyncMode = "async"
)

func (m SyncMode) Valid() bool {
	return m == SyncModeSync || m == SyncModeAsync
}

// DualWriteConfig is the live mirroring policy for the adapter.
// Enabled=false forces all writes legacy-only regardless of percentage.
type DualWriteConfig struct {
	Enabled            bool     `json:"enabled"`
	ReadFromNewService bool     `json:"read_from_new_service"`
	WritePercentage    int      `json:"write_percentage"`
	SyncMode           SyncMode `json:"sync_mode"`
}

// Normalize clamps the percentage to [0,100] and defaults the sync mode.
func (c DualWriteConfig) Normalize() DualWriteConfig {
	if c.WritePercentage < 0 {
		c.WritePercentage = 0
	}
	if c.WritePercentage > 100 {
		c.WritePercentage = 100
	}
	if !c.SyncMode.Valid() {
		c.SyncMode = SyncModeSync
	}
	return c
}

// ConfigPatch is a partial config update; nil fields are left unchanged.
type ConfigPatch struct {
	Enabled            *bool     `json:"enable_dual_write,omitempty"`
	ReadFromNewService *bool     `json:"read_from_new_service,omitempty"`
	WritePercentage    *int      `json:"write_percentage,omitempty"`
	SyncMode           *SyncMode `json:"sync_mode,omitempty"`
}

// Apply merges the patch into c and validates the result. The receiver is
// never mutated, so callers can publish the returned value wholesale.
func (c DualWriteConfig) Apply(p ConfigPatch) (DualWriteConfig, error) {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.ReadFromNewService != nil {
		c.ReadFromNewService = *p.ReadFromNewService
	}
	if p.WritePercentage != nil {
		if *p.WritePercentage < 0 || *p.WritePercentage > 100 {
			return DualWriteConfig{}, ErrInvalidWritePercentage
		}
		c.WritePercentage = *p.WritePercentage
	}
	if p.SyncMode != nil {
		if !p.SyncMode.Valid() {
			return DualWriteConfig{}, ErrInvalidSyncMode
		}
		c.SyncMode = *p.SyncMode
	}
	return c, nil
}

// WriteMetrics is a point-in-time snapshot of the adapter's counters.
// Counters only ever increase within a process lifetime; consumers must
// compare ratios, never absolute values across restarts.
type WriteMetrics struct {
	TotalWrites       int64 `json:"total_writes"`
	SuccessfulMirrors int64 `json:"successful_mirrors"`
	FailedMirrors     int64 `json:"failed_mirrors"`
	NewServiceReads   int64 `json:"new_service_reads"`
	LegacyReads       int64 `json:"legacy_reads"`
}

// MirrorSuccessRate returns successful mirrors over total mirror attempts,
// in [0,1]. Zero attempts yields 0.
func (m WriteMetrics) MirrorSuccessRate() float64 {
	if m.TotalWrites == 0 {
		return 0
	}
	return float64(m.SuccessfulMirrors) / float64(m.TotalWrites)
}
