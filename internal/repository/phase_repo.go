// SPDX-License-Identifier: Apache-2.0

// Package repository holds the Postgres-backed persistence for the engine's
// control state and the durable event archive.
package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PhaseRepository persists the rollout's phase index in a single-row table.
type PhaseRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPhaseRepository(pool *pgxpool.Pool, logger *slog.Logger) *PhaseRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PhaseRepository{
		pool:   pool,
		logger: logger,
	}
}

// LoadPhaseIndex returns the persisted index, or found=false when no rollout
// has been recorded yet.
func (r *PhaseRepository) LoadPhaseIndex(ctx context.Context) (int, bool, error) {
	var idx int
	err := r.pool.QueryRow(ctx, `
		SELECT phase_index
		FROM migration_state
		WHERE id = 1
	`).Scan(&idx)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		r.logger.Error("load phase index failed", "error", err)
		return 0, false, err
	}

	return idx, true, nil
}

func (r *PhaseRepository) SavePhaseIndex(ctx context.Context, index int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO migration_state (id, phase_index, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET phase_index = EXCLUDED.phase_index,
		    updated_at = NOW()
	`, index)
	if err != nil {
		r.logger.Error("save phase index failed", "index", index, "error", err)
		return err
	}

	return nil
}
