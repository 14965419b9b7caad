// Package store keeps a durable journal of request lifecycle events.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// InitDatabase opens the database at path and creates the tables.
func InitDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// A single writer avoids SQLITE_BUSY between the journal goroutine and readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		state TEXT NOT NULL,
		domain TEXT,
		action TEXT,
		agent_id TEXT,
		source_conn TEXT,
		target_conn TEXT,
		notify_id TEXT,
		detail TEXT,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_request_events_request ON request_events(request_id);
	CREATE INDEX IF NOT EXISTS idx_request_events_recorded ON request_events(recorded_at);
	`

	_, err := db.Exec(schema)
	return err
}
