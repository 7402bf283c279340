// Package storage keeps the history of healing attempts in sqlite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const DBFileName = "healing.db"

// InitDB opens the history database inside dataDir, creating it if needed.
func InitDB(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenDB(filepath.Join(dataDir, DBFileName))
}

func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Parallel test workers share one file.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	schema := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS healing_attempts (
		id              TEXT PRIMARY KEY,
		timestamp       INTEGER NOT NULL,
		test_id         TEXT NOT NULL,
		test_name       TEXT NOT NULL,
		attempt         INTEGER NOT NULL DEFAULT 0,
		error_type      TEXT,
		error_message   TEXT,
		error_signature TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		reason          TEXT,
		model           TEXT,
		confidence      REAL,
		parse_status    TEXT,
		root_cause      TEXT,
		suggested_fix   TEXT,
		report_path     TEXT,
		healed_path     TEXT,
		screenshot_path TEXT,
		duration_ms     INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_test ON healing_attempts(test_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_attempts_signature ON healing_attempts(error_signature);
	`

	_, err := db.Exec(schema)
	return err
}
