// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/peoplemesh/migration-engine/internal/domain"
)

// EventArchive appends every published event to the domain_events table. The
// bus calls it best-effort; a failed insert is logged and the event still
// reaches its subscribers.
type EventArchive struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventArchive(pool *pgxpool.Pool, logger *slog.Logger) *EventArchive {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventArchive{
		pool:   pool,
		logger: logger,
	}
}

func (a *EventArchive) AppendEvent(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		a.logger.Error("archive payload marshal failed", "event_id", ev.ID, "type", ev.Type, "error", err)
		return err
	}

	var metadata []byte
	if len(ev.Metadata) > 0 {
		metadata, err = json.Marshal(ev.Metadata)
		if err != nil {
			a.logger.Error("archive metadata marshal failed", "event_id", ev.ID, "type", ev.Type, "error", err)
			return err
		}
	}

	if _, err := a.pool.Exec(ctx, `
		INSERT INTO domain_events (id, type, version, source, correlation_id, payload, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		ev.ID,
		ev.Type,
		ev.Version,
		ev.Source,
		ev.CorrelationID,
		payload,
		metadata,
		ev.Timestamp,
	); err != nil {
		a.logger.Error("archive event insert failed", "event_id", ev.ID, "type", ev.Type, "error", err)
		return err
	}

	return nil
}

// CountEventsSince reports how many archived events of a type occurred after
// the cutoff; used by the operator CLI for quick sanity checks.
func (a *EventArchive) CountEventsSince(ctx context.Context, eventType string, since time.Time) (int64, error) {
	var n int64
	if err := a.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM domain_events
		WHERE type = $1
		  AND occurred_at > $2
	`, eventType, since).Scan(&n); err != nil {
		a.logger.Error("count archived events failed", "type", eventType, "error", err)
		return 0, err
	}

	return n, nil
}
