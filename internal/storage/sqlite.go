// Package storage opens the SQLite database that backs the job journal.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the journal tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := RequireLocal(path, "state.path"); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Observers write from several dispatcher goroutines; one connection
	// serialises them and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatcher_log (
  id          TEXT PRIMARY KEY,
  task        TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL,
  last_error  TEXT,
  started_at  TEXT NOT NULL,
  ended_at    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_log (
  dispatcher_id TEXT NOT NULL REFERENCES dispatcher_log(id),
  job_id        INTEGER NOT NULL,
  task          TEXT NOT NULL DEFAULT '',
  status        TEXT NOT NULL,
  input         JSON,
  output        JSON,
  last_error    TEXT,
  created_at    TEXT NOT NULL,
  updated_at    TEXT NOT NULL,
  PRIMARY KEY (dispatcher_id, job_id)
);`,
		`CREATE INDEX IF NOT EXISTS job_log_updated_at_idx ON job_log(updated_at);`,
		`CREATE INDEX IF NOT EXISTS job_log_status_idx ON job_log(status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
