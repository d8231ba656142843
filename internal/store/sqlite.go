package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/fragments/internal/shared"
	_ "modernc.org/sqlite"
)

const connPragmas = "_pragma=journal_mode(WAL)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=foreign_keys(1)"

// SQLiteStore implements Repository using SQLite.
//
// Timestamps are stored as unix milliseconds so that messages written in
// the same second still replay in order.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryConfig
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// modernc applies _pragma parameters on every new pool connection.
	dsn := dbPath + "?" + connPragmas
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryConfig()}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		invocation_id TEXT,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_project_created ON messages(project_id, created_at, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_invocation ON messages(invocation_id) WHERE invocation_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS fragments (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL UNIQUE REFERENCES messages(id) ON DELETE CASCADE,
		sandbox_url TEXT NOT NULL,
		title TEXT NOT NULL,
		files_json TEXT NOT NULL,
		digest TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invocations (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		value TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_status ON invocations(status, created_at);

	CREATE TABLE IF NOT EXISTS steps (
		invocation_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (invocation_id, step_id)
	);

	CREATE TABLE IF NOT EXISTS sandbox_leases (
		sandbox_id TEXT PRIMARY KEY,
		template TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sandbox_leases_expires ON sandbox_leases(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("Failed to close rows", "query", what, "error", err)
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func (s *SQLiteStore) retryWrite(ctx context.Context, op string, fn func() error) error {
	return shared.RetryOnConflict(ctx, s.retry, op, fn)
}
