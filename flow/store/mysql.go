package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLContextStore is a MySQL-backed ContextStore for a durable,
// multi-process distributed deployment — the same per-attribute schema
// as SQLiteContextStore, swapped for a connection-pooled client/server
// database.
type MySQLContextStore struct {
	db *sql.DB
}

// NewMySQLContextStore opens a connection pool against dsn and migrates
// its schema. dsn follows github.com/go-sql-driver/mysql's DSN format.
func NewMySQLContextStore(dsn string) (*MySQLContextStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("flow/store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(time.Hour)

	s := &MySQLContextStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLContextStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS context_attributes (
			run_id VARCHAR(191) NOT NULL,
			attr_key VARCHAR(191) NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (run_id, attr_key)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS context_runs (
			run_id VARCHAR(191) PRIMARY KEY,
			last_updated TIMESTAMP(6) NOT NULL
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("flow/store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *MySQLContextStore) Close() error { return s.db.Close() }

func (s *MySQLContextStore) Get(ctx context.Context, runID, key string) (any, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM context_attributes WHERE run_id = ? AND attr_key = ?`, runID, key).Scan(&raw)
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

func (s *MySQLContextStore) Set(ctx context.Context, runID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("flow/store: encode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO context_attributes (run_id, attr_key, value) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE value = VALUES(value)`,
		runID, key, string(raw)); err != nil {
		return fmt.Errorf("flow/store: set: %w", err)
	}
	return s.touch(ctx, runID)
}

func (s *MySQLContextStore) Delete(ctx context.Context, runID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM context_attributes WHERE run_id = ? AND attr_key = ?`, runID, key); err != nil {
		return fmt.Errorf("flow/store: delete: %w", err)
	}
	return s.touch(ctx, runID)
}

func (s *MySQLContextStore) Keys(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT attr_key FROM context_attributes WHERE run_id = ?`, runID)
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

func (s *MySQLContextStore) Touch(ctx context.Context, runID string) error {
	return s.touch(ctx, runID)
}

func (s *MySQLContextStore) touch(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO context_runs (run_id, last_updated) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE last_updated = VALUES(last_updated)`,
		runID, time.Now().UTC()); err != nil {
		return fmt.Errorf("flow/store: touch: %w", err)
	}
	return nil
}

// LastUpdated reports runID's last-touched timestamp, for reconciliation
// sweeps.
func (s *MySQLContextStore) LastUpdated(ctx context.Context, runID string) (time.Time, bool, error) {
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
