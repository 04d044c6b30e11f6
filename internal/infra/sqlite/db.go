// Package sqlite persists force release audit records in a local SQLite
// file for deployments whose lock store has no room for them.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Open opens (creating if needed) the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between our own connections.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the audit schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS audit_records (
  id          TEXT PRIMARY KEY,
  lock_key    TEXT NOT NULL,
  operator    TEXT NOT NULL,
  reason      TEXT NOT NULL,
  instance_id TEXT NOT NULL,
  was_locked  INTEGER NOT NULL,
  error       TEXT NOT NULL,
  at_ns       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_key_at ON audit_records (lock_key, at_ns DESC);
`); err != nil {
		return fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return nil
}
