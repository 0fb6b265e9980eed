package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the history tables if they don't exist.
// Timestamps are stored as integer Unix nanoseconds so they order numerically.
func InitDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// One writer; the coordinator serializes cycles anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS update_checks (
		id INTEGER PRIMARY KEY,
		checked_at INTEGER NOT NULL,
		latest_version TEXT,
		available BOOLEAN NOT NULL DEFAULT 0,
		error TEXT
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS update_cycles (
		id TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		channel TEXT NOT NULL,
		outcome TEXT NOT NULL,
		fallback_used BOOLEAN NOT NULL DEFAULT 0,
		error TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
