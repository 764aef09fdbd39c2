package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface assertion.
var _ Store = (*PostgresStore)(nil)

// postgresSchema creates the history tables. Idempotent.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS calls (
    call_id          TEXT PRIMARY KEY,
    to_number        TEXT NOT NULL DEFAULT '',
    from_number      TEXT NOT NULL DEFAULT '',
    purpose          TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'in-progress',
    transfer_success BOOLEAN,
    started_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ,
    updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS call_events (
    id         BIGSERIAL PRIMARY KEY,
    call_id    TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_events_call_id ON call_events (call_id, id);
CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls (started_at DESC);
`

// PostgresStore persists call history in PostgreSQL. Selected when a DSN is
// configured; suited to multi-node deployments where SQLite's single file
// does not fit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database at dsn and ensures the schema
// exists. All operations are safe for concurrent use.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// ensureCall creates a minimal row for out-of-order events.
func (s *PostgresStore) ensureCall(ctx context.Context, callID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (call_id, status, started_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (call_id) DO NOTHING`,
		callID, StatusInProgress, at.UTC())
	if err != nil {
		return fmt.Errorf("history: ensure call %q: %w", callID, err)
	}
	return nil
}

// StartCall implements [Store].
func (s *PostgresStore) StartCall(ctx context.Context, p StartCallParams) error {
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (call_id, to_number, from_number, purpose, status, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO UPDATE SET
			to_number = EXCLUDED.to_number,
			from_number = EXCLUDED.from_number,
			purpose = EXCLUDED.purpose,
			updated_at = EXCLUDED.updated_at`,
		p.CallID, p.To, p.From, p.Purpose, StatusInProgress, p.StartedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("history: start call %q: %w", p.CallID, err)
	}
	return nil
}

// AddEvent implements [Store].
func (s *PostgresStore) AddEvent(ctx context.Context, callID string, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if err := s.ensureCall(ctx, callID, ev.Time); err != nil {
		return err
	}
	payload, err := encodePayload(ev)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO call_events (call_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)`,
		callID, string(ev.Type), payload, ev.Time.UTC())
	if err != nil {
		return fmt.Errorf("history: add %s event for %q: %w", ev.Type, callID, err)
	}
	return nil
}

// SetStatus implements [Store].
func (s *PostgresStore) SetStatus(ctx context.Context, callID, status string) error {
	now := time.Now()
	if err := s.ensureCall(ctx, callID, now); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE calls SET status = $1, updated_at = $2 WHERE call_id = $3`,
		status, now.UTC(), callID)
	if err != nil {
		return fmt.Errorf("history: set status for %q: %w", callID, err)
	}
	return nil
}

// SetTransferSuccess implements [Store].
func (s *PostgresStore) SetTransferSuccess(ctx context.Context, callID string, success bool) error {
	now := time.Now()
	if err := s.ensureCall(ctx, callID, now); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE calls SET transfer_success = $1, updated_at = $2 WHERE call_id = $3`,
		success, now.UTC(), callID)
	if err != nil {
		return fmt.Errorf("history: set transfer success for %q: %w", callID, err)
	}
	return nil
}

// EndCall implements [Store].
func (s *PostgresStore) EndCall(ctx context.Context, callID, status string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	if err := s.ensureCall(ctx, callID, at); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE calls SET status = $1, ended_at = $2, updated_at = $2 WHERE call_id = $3`,
		status, at.UTC(), callID)
	if err != nil {
		return fmt.Errorf("history: end call %q: %w", callID, err)
	}
	return nil
}

// GetCall implements [Store].
func (s *PostgresStore) GetCall(ctx context.Context, callID string) (Record, error) {
	var (
		rec     Record
		success *bool
		ended   *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT call_id, to_number, from_number, purpose, status, transfer_success, started_at, ended_at
		FROM calls WHERE call_id = $1`, callID).
		Scan(&rec.CallID, &rec.To, &rec.From, &rec.Purpose, &rec.Status, &success, &rec.StartedAt, &ended)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("history: load call %q: %w", callID, err)
	}
	rec.TransferSuccess = success
	rec.EndedAt = ended

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM call_events WHERE call_id = $1 ORDER BY id`, callID)
	if err != nil {
		return Record{}, fmt.Errorf("history: load events for %q: %w", callID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return Record{}, fmt.Errorf("history: scan event for %q: %w", callID, err)
		}
		ev, err := decodePayload(payload)
		if err != nil {
			return Record{}, err
		}
		rec.Events = append(rec.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("history: iterate events for %q: %w", callID, err)
	}
	return rec, nil
}

// ListCalls implements [Store].
func (s *PostgresStore) ListCalls(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT call_id, to_number, from_number, purpose, status, transfer_success, started_at, ended_at
		FROM calls ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			success *bool
			ended   *time.Time
		)
		if err := rows.Scan(&rec.CallID, &rec.To, &rec.From, &rec.Purpose, &rec.Status, &success, &rec.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("history: scan call row: %w", err)
		}
		rec.TransferSuccess = success
		rec.EndedAt = ended
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate calls: %w", err)
	}
	return out, nil
}

// Close implements [Store].
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
