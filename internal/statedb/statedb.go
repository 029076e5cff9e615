// Package statedb persists notification events to SQLite so the history
// command can replay what was sent after a restart.
package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is bumped when Migrate changes the schema.
const SchemaVersion = 1

// EventRow is one recorded notification event.
type EventRow struct {
	ID        int64
	Session   string
	StateType string
	Content   string
	SentAt    time.Time
}

// StateDB wraps the SQLite store.
type StateDB struct {
	db *sql.DB
}

// Open creates or opens the database at dbPath with WAL mode and a busy
// timeout so a concurrent reader never fails fast on a held lock.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}
	// Wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL back into the main file and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist. Runs in a transaction so a
// partial migration never leaves a half-built schema.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session    TEXT NOT NULL,
			state_type TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			sent_at    INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create events: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_sent_at ON events(sent_at)
	`); err != nil {
		return fmt.Errorf("statedb: create events index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// RecordEvent inserts one notification event.
func (s *StateDB) RecordEvent(ctx context.Context, sessionName, stateType, content string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session, state_type, content, sent_at) VALUES (?, ?, ?, ?)
	`, sessionName, stateType, content, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: record event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events first, at most limit rows.
func (s *StateDB) RecentEvents(ctx context.Context, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, state_type, content, sent_at
		FROM events ORDER BY sent_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("statedb: query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var ms int64
		if err := rows.Scan(&e.ID, &e.Session, &e.StateType, &e.Content, &ms); err != nil {
			return nil, fmt.Errorf("statedb: scan event: %w", err)
		}
		e.SentAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneBefore deletes events older than cutoff and returns how many went.
func (s *StateDB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE sent_at < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("statedb: prune events: %w", err)
	}
	return res.RowsAffected()
}
