package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time interface assertion.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists call history in a single-file SQLite database. It is
// the default backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the history database under dataDir with WAL
// mode enabled and runs any pending migrations.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("history: create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "dialtree.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	slog.Info("history database opened", "path", dbPath)
	return s, nil
}

// migrate runs all pending SQL migration files in filename order.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
	}
	return nil
}

// ensureCall creates a minimal row so events arriving before the call-start
// webhook still have a parent record.
func (s *SQLiteStore) ensureCall(ctx context.Context, callID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, status, started_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (call_id) DO NOTHING`,
		callID, StatusInProgress, at.UTC(), at.UTC())
	if err != nil {
		return fmt.Errorf("history: ensure call %q: %w", callID, err)
	}
	return nil
}

// StartCall implements [Store].
func (s *SQLiteStore) StartCall(ctx context.Context, p StartCallParams) error {
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, to_number, from_number, purpose, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id) DO UPDATE SET
			to_number = excluded.to_number,
			from_number = excluded.from_number,
			purpose = excluded.purpose,
			updated_at = excluded.updated_at`,
		p.CallID, p.To, p.From, p.Purpose, StatusInProgress, p.StartedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("history: start call %q: %w", p.CallID, err)
	}
	return nil
}

// AddEvent implements [Store].
func (s *SQLiteStore) AddEvent(ctx context.Context, callID string, ev Event) error {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO call_events (call_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		callID, string(ev.Type), payload, ev.Time.UTC())
	if err != nil {
		return fmt.Errorf("history: add %s event for %q: %w", ev.Type, callID, err)
	}
	return nil
}

// SetStatus implements [Store].
func (s *SQLiteStore) SetStatus(ctx context.Context, callID, status string) error {
	now := time.Now()
	if err := s.ensureCall(ctx, callID, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, updated_at = ? WHERE call_id = ?`,
		status, now.UTC(), callID)
	if err != nil {
		return fmt.Errorf("history: set status for %q: %w", callID, err)
	}
	return nil
}

// SetTransferSuccess implements [Store].
func (s *SQLiteStore) SetTransferSuccess(ctx context.Context, callID string, success bool) error {
	now := time.Now()
	if err := s.ensureCall(ctx, callID, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET transfer_success = ?, updated_at = ? WHERE call_id = ?`,
		success, now.UTC(), callID)
	if err != nil {
		return fmt.Errorf("history: set transfer success for %q: %w", callID, err)
	}
	return nil
}

// EndCall implements [Store].
func (s *SQLiteStore) EndCall(ctx context.Context, callID, status string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	if err := s.ensureCall(ctx, callID, at); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, ended_at = ?, updated_at = ? WHERE call_id = ?`,
		status, at.UTC(), at.UTC(), callID)
	if err != nil {
		return fmt.Errorf("history: end call %q: %w", callID, err)
	}
	return nil
}

// GetCall implements [Store].
func (s *SQLiteStore) GetCall(ctx context.Context, callID string) (Record, error) {
	rec, err := s.scanCall(ctx, callID)
	if err != nil {
		return Record{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM call_events WHERE call_id = ? ORDER BY id`, callID)
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

// scanCall loads the calls row without its event stream.
func (s *SQLiteStore) scanCall(ctx context.Context, callID string) (Record, error) {
	var (
		rec     Record
		success sql.NullBool
		ended   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT call_id, to_number, from_number, purpose, status, transfer_success, started_at, ended_at
		FROM calls WHERE call_id = ?`, callID).
		Scan(&rec.CallID, &rec.To, &rec.From, &rec.Purpose, &rec.Status, &success, &rec.StartedAt, &ended)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("history: load call %q: %w", callID, err)
	}
	if success.Valid {
		rec.TransferSuccess = &success.Bool
	}
	if ended.Valid {
		t := ended.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

// ListCalls implements [Store].
func (s *SQLiteStore) ListCalls(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, to_number, from_number, purpose, status, transfer_success, started_at, ended_at
		FROM calls ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			success sql.NullBool
			ended   sql.NullTime
		)
		if err := rows.Scan(&rec.CallID, &rec.To, &rec.From, &rec.Purpose, &rec.Status, &success, &rec.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("history: scan call row: %w", err)
		}
		if success.Valid {
			rec.TransferSuccess = &success.Bool
		}
		if ended.Valid {
			t := ended.Time
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate calls: %w", err)
	}
	return out, nil
}

// Close implements [Store].
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
