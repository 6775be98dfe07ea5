// Package localdb opens and initializes the on-device SQLite database that
// backs every piece of durable state: the document snapshot, the sync queue,
// the conflict list, per-entity sync baselines and the query index
// projection. Each lives in its own table so a crash mid-cycle loses at most
// the in-flight operation, never the whole store.
package localdb

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating if needed) the database at path and ensures schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := Init(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Init enables WAL mode and foreign keys and creates all metadata tables.
// It is safe to call on an already-initialized database.
func Init(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	tables := []string{
		// Full serialized document, one row.
		`CREATE TABLE IF NOT EXISTS document_snapshot (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			data      BLOB NOT NULL,
			saved_at  TEXT NOT NULL
		)`,

		// Durable outbound mutation queue, append-only until acknowledged.
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id          TEXT PRIMARY KEY,
			op          TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			collection  TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			payload     TEXT NOT NULL,
			enqueued_at TEXT NOT NULL
		)`,

		// Recorded concurrent divergences awaiting user resolution. At most
		// one open conflict per entity.
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			id             TEXT PRIMARY KEY,
			collection     TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			local_version  TEXT NOT NULL,
			remote_version TEXT NOT NULL,
			detected_at    TEXT NOT NULL,
			UNIQUE (collection, entity_id)
		)`,

		// Last version per entity known to agree with the remote. "Modified
		// since baseline" compares against this instead of guessing from
		// timestamp equality.
		`CREATE TABLE IF NOT EXISTS sync_baselines (
			collection      TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			base_updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, entity_id)
		)`,

		// Engine bookkeeping (incremental pull cursor).
		`CREATE TABLE IF NOT EXISTS sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}
