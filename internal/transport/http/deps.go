// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"time"

	"github.com/peoplemesh/migration-engine/internal/bus"
	"github.com/peoplemesh/migration-engine/internal/domain"
	"github.com/peoplemesh/migration-engine/internal/dualwrite"
)

// Orchestrator is the dual-write adapter surface the API exposes.
type Orchestrator interface {
	Status() dualwrite.Status
	Metrics() domain.WriteMetrics
	UpdateConfig(ctx context.Context, patch domain.ConfigPatch) (domain.DualWriteConfig, error)
	ToggleDualWrite(ctx context.Context) domain.DualWriteConfig
	IncreasePercentage(ctx context.Context, increment int) domain.DualWriteConfig
}

// PhaseController drives the rollout state machine.
type PhaseController interface {
	All() []domain.Phase
	Progress(ctx context.Context, force bool, wm domain.WriteMetrics) (domain.TransitionResult, error)
	Rollback(ctx context.Context) (domain.TransitionResult, error)
	Check(wm domain.WriteMetrics) domain.ProgressionDecision
	Status() domain.PhaseStatus
}

// ConnectionTester is the new-service proxy surface for on-demand probes.
type ConnectionTester interface {
	CheckHealth(ctx context.Context) bool
	Status() domain.ProxyStatus
}

// EventLog is the bus surface for inspection, replay and dead-letter
// reprocessing.
type EventLog interface {
	Events(filter domain.EventFilter) []domain.Event
	Replay(ctx context.Context, from, to time.Time, types ...string) int
	DeadLetters() []bus.DeadLetter
	ProcessDeadLetters(ctx context.Context) int
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
