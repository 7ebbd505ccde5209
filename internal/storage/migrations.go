package storage

import "fmt"

// migrate creates the snapshot schema if it doesn't exist.
func (db *DB) migrate() error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	db.logger.Info("database migrations applied")
	return nil
}

var migrations = []string{
	// Lines
	`CREATE TABLE IF NOT EXISTS lines (
		line_key   TEXT PRIMARY KEY,
		line_id    TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		short_name TEXT NOT NULL DEFAULT '',
		mode       TEXT NOT NULL DEFAULT 'unknown',
		operator   TEXT NOT NULL DEFAULT ''
	)`,

	// Stops
	`CREATE TABLE IF NOT EXISTS stops (
		stop_key TEXT PRIMARY KEY,
		stop_id  TEXT NOT NULL,
		name     TEXT NOT NULL DEFAULT '',
		lat      REAL NOT NULL DEFAULT 0,
		lon      REAL NOT NULL DEFAULT 0,
		town     TEXT NOT NULL DEFAULT ''
	)`,

	// Stop <-> line relation
	`CREATE TABLE IF NOT EXISTS stop_lines (
		stop_key TEXT NOT NULL REFERENCES stops(stop_key),
		line_key TEXT NOT NULL REFERENCES lines(line_key),
		PRIMARY KEY (stop_key, line_key)
	)`,

	// Snapshot metadata (version, fetched_at, dataset validators)
	`CREATE TABLE IF NOT EXISTS snapshot_metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_stop_lines_line ON stop_lines(line_key)`,
}
