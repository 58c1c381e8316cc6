package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const maxReleaseLimit = 1000

const releaseSchema = `
	CREATE TABLE IF NOT EXISTS release_events (
		id          UUID PRIMARY KEY,
		run_id      UUID NOT NULL,
		kind        TEXT NOT NULL,
		channel     INTEGER NOT NULL,
		input_index INTEGER NOT NULL,
		due_at      TIMESTAMPTZ NOT NULL,
		event_at    TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS release_events_event_at_idx ON release_events (event_at DESC);
`

// EnsureSchema creates the journal table if it does not exist.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, releaseSchema); err != nil {
		return fmt.Errorf("failed to create release_events: %w", err)
	}
	return nil
}

// InsertReleaseEvents writes a batch of events in one transaction.
func (p *PostgresClient) InsertReleaseEvents(ctx context.Context, runID uuid.UUID, events []types.ReleaseEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO release_events (id, run_id, kind, channel, input_index, due_at, event_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, runID, string(e.Kind), int(e.Channel), e.Input, e.DueAt, e.At)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert release events: %w", err)
	}

	return tx.Commit(ctx)
}

// RecentReleases returns journal rows, newest first.
func (p *PostgresClient) RecentReleases(ctx context.Context, filter ReleaseFilter) ([]ReleaseRecord, error) {
	query, args := recentReleasesQuery(filter)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query release events: %w", err)
	}
	defer rows.Close()

	records := make([]ReleaseRecord, 0)
	for rows.Next() {
		var r ReleaseRecord
		var kind string
		var channel int

		err := rows.Scan(&r.ID, &r.RunID, &kind, &channel, &r.Input, &r.DueAt, &r.At, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan release event: %w", err)
		}
		r.Kind = types.ReleaseEventKind(kind)
		r.Channel = types.Channel(channel)

		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read release events: %w", err)
	}

	return records, nil
}

func recentReleasesQuery(filter ReleaseFilter) (string, []any) {
	limit := filter.Limit
	if limit <= 0 || limit > maxReleaseLimit {
		limit = 100
	}

	var where []string
	var args []any
	if filter.Channel != nil {
		args = append(args, int(*filter.Channel))
		where = append(where, fmt.Sprintf("channel = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT id, run_id, kind, channel, input_index, due_at, event_at, created_at FROM release_events`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY event_at DESC LIMIT $%d", len(args))

	return b.String(), args
}
