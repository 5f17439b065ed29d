// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// ProgressionRule gates advancing out of a phase on observed mirror quality.
// MinSuccessRate is a fraction in [0,1].
type ProgressionRule struct {
	MinWrites      int64   `json:"min_writes"`
	MinSuccessRate float64 `json:"min_success_rate"`
}

// Phase is one named stage of the rollout. The phase set is a fixed ordered
// sequence; only the index into it moves. A nil Rule means the phase has no
// metric gate and progression out of it is always eligible.
type Phase struct {
	Name   string           `json:"name"`
	Config DualWriteConfig  `json:"config"`
	Rule   *ProgressionRule `json:"rule,omitempty"`
}

// ProgressionDecision is the outcome of evaluating a phase's rule against
// metrics. A negative decision is a normal result, not an error.
type ProgressionDecision struct {
	ShouldProgress bool   `json:"should_progress"`
	Reason         string `json:"reason"`
}

// TransitionResult reports an attempted progress or rollback.
type TransitionResult struct {
	Success  bool   `json:"success"`
	OldPhase string `json:"old_phase,omitempty"`
	NewPhase string `json:"new_phase,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PhaseStatus describes the current rollout position. EstimatedCompletion is
// a best-effort projection from historical phase durations and is nil until
// at least one phase has completed in this process.
type PhaseStatus struct {
	Name                string     `json:"name"`
	Index               int        `json:"index"`
	Total               int        `json:"total"`
	Terminal            bool       `json:"terminal"`
	EnteredAt           time.Time  `json:"entered_at"`
	ElapsedSeconds      float64    `json:"elapsed_seconds"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// ProxyStatus is the downstream gateway's health summary, owned by the proxy
// and read-only everywhere else.
type ProxyStatus struct {
	Enabled       bool      `json:"enabled"`
	Healthy       bool      `json:"healthy"`
	Endpoint      string    `json:"endpoint"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}
