// Package store implements LocalStore: a SQLite-backed cache of verified
// Nostr events with replaceable-event identity, tag indexing, and
// filter-to-SQL translation.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/nostrworker/nostrworker/internal/verify"
)

// Store wraps the worker's single SQLite connection. It applies no locking
// of its own: concurrent calls are serialized by database/sql, which Open
// limits to one connection.
type Store struct {
	db       *sql.DB
	verifier verify.Verifier

	// KeepSignatures controls whether `sig` is retained in the stored blob.
	KeepSignatures bool
	// SkipVerification bypasses signature checking entirely (tests, or a
	// caller that has already verified events upstream).
	SkipVerification bool
}

// Open opens (creating if necessary) the SQLite database at path — or an
// in-memory database when path is ":memory:" — sets the durability pragmas,
// and creates the schema.
func Open(path string, v verify.Verifier) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	// A single connection avoids SQLITE_BUSY entirely and serializes every
	// caller of this Store.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA page_size=4096",
		"PRAGMA mmap_size=1073741824",  // 1 GiB
		"PRAGMA cache_size=-20480",     // 20 MiB, negative = KiB
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db, verifier: v, KeepSignatures: true}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("local store opened", "path", path)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		pubkey     TEXT NOT NULL,
		kind       INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		blob       BLOB NOT NULL
	) WITHOUT ROWID`,
	`CREATE INDEX IF NOT EXISTS events_pubkey ON events(pubkey)`,
	`CREATE INDEX IF NOT EXISTS events_kind ON events(kind)`,
	`CREATE INDEX IF NOT EXISTS events_created_at ON events(created_at)`,
	`CREATE TABLE IF NOT EXISTS event_tags (
		event_id TEXT NOT NULL,
		value    TEXT NOT NULL,
		is_relay INTEGER NOT NULL CHECK (is_relay IN (0,1)),
		PRIMARY KEY (event_id, value),
		FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
	) WITHOUT ROWID`,
	`CREATE INDEX IF NOT EXISTS event_tags_value ON event_tags(value)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(event_id UNINDEXED, content)`,
}

func (s *Store) createSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: schema (%s): %w", stmt, err)
		}
	}
	return nil
}

// Clear drops and recreates all tables (the worker's LocalClear operation).
func (s *Store) Clear() error {
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS event_tags`,
		`DROP TABLE IF EXISTS events_fts`,
		`DROP TABLE IF EXISTS events`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: clear (%s): %w", stmt, err)
		}
	}
	return s.createSchema()
}
