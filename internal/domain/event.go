// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is the in-process wire format of the engine. Type strings follow a
// domain.verb convention ("dual_write.metrics", "migration.phase_progressed")
// and are the stable contract consumers match on; Data is opaque to the bus.
// Once published an event is immutable.
type Event struct {
	ID            uuid.UUID         `json:"id"`
	Type          string            `json:"type"`
	Version       string            `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Data          any               `json:"data,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// EventFilter selects events from the bus log. Zero fields match everything.
type EventFilter struct {
	Type   string
	Source string
	From   time.Time
	To     time.Time
}

// Matches reports whether the event passes the filter.
func (f EventFilter) Matches(ev Event) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Event types published by the engine.
const (
	EventConfigUpdated       = "dual_write.config_updated"
	EventMetricsReport       = "dual_write.metrics"
	EventLoginChecked        = "dual_write.login_checked"
	EventUserCreatedSynced   = "user.created.synced"
	EventUserUpdatedSynced   = "user.updated.synced"
	EventUserDeletedSynced   = "user.deleted.synced"
	EventPasswordSynced      = "user.password_changed.synced"
	EventPhaseProgressed     = "migration.phase_progressed"
	EventPhaseRolledBack     = "migration.phase_rolledback"
	EventReadyForProgression = "migration.ready_for_progression"
)

// PhaseTransition is the payload of phase_progressed / phase_rolledback
// events. Config is the full dual-write configuration of the new phase, so
// subscribers can reconfigure without consulting the phase manager.
type PhaseTransition struct {
	OldPhase string          `json:"old_phase"`
	NewPhase string          `json:"new_phase"`
	Forced   bool            `json:"forced,omitempty"`
	Config   DualWriteConfig `json:"config"`
}

// LoginCheck is the payload of login_checked events.
type LoginCheck struct {
	Email      string `json:"email"`
	LegacyOK   bool   `json:"legacy_ok"`
	NewOK      bool   `json:"new_ok"`
	Consistent bool   `json:"consistent"`
}
