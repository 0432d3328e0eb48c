// Package storage handles persistence: the SQLite cover repository, object
// stores for processed cover bytes, and the key naming rules that tie them
// together.
package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // Registers the "sqlite3" database/sql driver.
)

// schema is applied on every start; every statement is idempotent.
// cover_candidates holds one row per (item, variant); the canonical cover is
// chosen from these rows at read time.
const schema = `
CREATE TABLE IF NOT EXISTS items (
    id         TEXT PRIMARY KEY,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS cover_candidates (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id            TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    variant            TEXT NOT NULL,
    url                TEXT,
    storage_key        TEXT,
    source             TEXT NOT NULL DEFAULT 'unknown',
    width              INTEGER,
    height             INTEGER,
    is_high_resolution BOOLEAN,
    is_grayscale       BOOLEAN,
    download_error     TEXT,
    created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (item_id, variant)
);

CREATE TABLE IF NOT EXISTS provider_calls (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id     TEXT NOT NULL,
    provider    TEXT NOT NULL,
    model       TEXT NOT NULL DEFAULT '',
    result_url  TEXT,
    success     BOOLEAN NOT NULL DEFAULT 0,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_cover_candidates_item ON cover_candidates(item_id);
CREATE INDEX IF NOT EXISTS idx_provider_calls_item ON provider_calls(item_id);
`

// NewDatabase opens the SQLite database at dbPath and applies the schema.
// The DSN turns on WAL (concurrent readers while writing), foreign keys (for
// the item cascade) and a 5s busy timeout instead of failing on lock contention.
func NewDatabase(dbPath string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", dbPath)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Open is lazy; Ping makes sure the file is usable.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}
