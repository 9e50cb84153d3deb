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

// pragmas run on every open. A single connection keeps lease claims
// serialized.
var pragmas = []string{
	"PRAGMA foreign_keys = ON;",
	"PRAGMA busy_timeout = 5000;",
	"PRAGMA journal_mode = WAL;",
	"PRAGMA synchronous = NORMAL;",
}

// migrations are applied in order; the index+1 is the schema version stored
// in PRAGMA user_version. Append only.
//
// Timestamps that take part in ordering (modified_at, visible_at) are unix
// nanoseconds so comparisons stay exact.
var migrations = [][]string{
	{
		`CREATE TABLE objects (
  container    TEXT NOT NULL,
  name         TEXT NOT NULL,
  data         BLOB NOT NULL,
  etag         TEXT NOT NULL,
  content_type TEXT,
  modified_at  INTEGER NOT NULL,
  PRIMARY KEY (container, name)
);`,
		`CREATE TABLE object_changes (
  seq         INTEGER PRIMARY KEY AUTOINCREMENT,
  container   TEXT NOT NULL,
  name        TEXT NOT NULL,
  op          TEXT NOT NULL,
  modified_at INTEGER NOT NULL
);`,
		`CREATE INDEX object_changes_container_seq_idx ON object_changes(container, seq);`,
		`CREATE TABLE listener_state (
  listener   TEXT PRIMARY KEY,
  state      JSON NOT NULL DEFAULT '{}',
  updated_at TEXT
);`,
		`CREATE TABLE queue_messages (
  id            TEXT PRIMARY KEY,
  queue         TEXT NOT NULL,
  body          BLOB NOT NULL,
  inserted_at   INTEGER NOT NULL,
  visible_at    INTEGER NOT NULL,
  pop_receipt   TEXT,
  dequeue_count INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE INDEX queue_messages_queue_visible_idx ON queue_messages(queue, visible_at, inserted_at);`,
	},
	{
		`CREATE TABLE invocation_log (
  id           TEXT PRIMARY KEY,
  function     TEXT NOT NULL,
  trigger_kind TEXT NOT NULL,
  subject      TEXT NOT NULL,
  status       TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  last_error   TEXT,
  stderr       TEXT
);`,
		`CREATE INDEX invocation_log_function_idx ON invocation_log(function, completed_at);`,
		`CREATE INDEX invocation_log_completed_idx ON invocation_log(completed_at);`,
	},
}

// SchemaVersion is the version OpenSQLite migrates to.
func SchemaVersion() int { return len(migrations) }

// OpenSQLite opens or creates the state database at path and migrates it to
// the current schema.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := prepare(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func prepare(ctx context.Context, db *sql.DB) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return Migrate(ctx, db)
}

// Migrate applies every migration newer than the database's user_version,
// each in its own transaction. A database from a newer build is refused.
func Migrate(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d: %w", v+1, err)
			}
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: set version: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", v+1, err)
		}
	}
	return nil
}
