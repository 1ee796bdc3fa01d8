package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteContextStore is a single-file, cgo-free ContextStore — WAL mode,
// busy timeout, auto-migration on first use — that can back the
// distributed adapter's run context without a separate database server.
// The local orchestrator's Run always uses an in-process context.
type SQLiteContextStore struct {
	db *sql.DB
}

// NewSQLiteContextStore opens (creating if absent) a SQLite database at
// path and migrates its schema. Pass ":memory:" for an ephemeral store.
func NewSQLiteContextStore(path string) (*SQLiteContextStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("flow/store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("flow/store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteContextStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteContextStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS context_attributes (
			run_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (run_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS context_runs (
			run_id TEXT PRIMARY KEY,
			last_updated TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("flow/store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteContextStore) Close() error { return s.db.Close() }

func (s *SQLiteContextStore) Get(ctx context.Context, runID, key string) (any, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM context_attributes WHERE run_id = ? AND key = ?`, runID, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("flow/store: get: %w", err)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, fmt.Errorf("flow/store: decode: %w", err)
	}
	return v, true, nil
}

func (s *SQLiteContextStore) Set(ctx context.Context, runID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("flow/store: encode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO context_attributes (run_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value`,
		runID, key, string(raw)); err != nil {
		return fmt.Errorf("flow/store: set: %w", err)
	}
	return s.touchLocked(ctx, runID)
}

func (s *SQLiteContextStore) Delete(ctx context.Context, runID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM context_attributes WHERE run_id = ? AND key = ?`, runID, key); err != nil {
		return fmt.Errorf("flow/store: delete: %w", err)
	}
	return s.touchLocked(ctx, runID)
}

func (s *SQLiteContextStore) Keys(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM context_attributes WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("flow/store: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("flow/store: keys scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteContextStore) Touch(ctx context.Context, runID string) error {
	return s.touchLocked(ctx, runID)
}

func (s *SQLiteContextStore) touchLocked(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO context_runs (run_id, last_updated) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET last_updated = excluded.last_updated`,
		runID, time.Now().UTC()); err != nil {
		return fmt.Errorf("flow/store: touch: %w", err)
	}
	return nil
}

// LastUpdated reports runID's last-touched timestamp, for reconciliation
// sweeps.
func (s *SQLiteContextStore) LastUpdated(ctx context.Context, runID string) (time.Time, bool, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_updated FROM context_runs WHERE run_id = ?`, runID).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("flow/store: last updated: %w", err)
	}
	return t, true, nil
}
