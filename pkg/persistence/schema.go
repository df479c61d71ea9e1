package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// An empty database (version 0) gets a fresh schema.
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}

		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration. Version 1 is the
// initial schema; future versions add cases here.
func runMigration(_ *sql.DB, version int) error {
	switch version {
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Orchestrator sessions, one row per process run.
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			started_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			ended_at DATETIME,
			status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','shutdown','completed','crashed')),
			config_json TEXT
		)`,

		// Archived cycles, one row per cycle id. Updated in place as the
		// cycle progresses and finalized when it archives.
		`CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT 'running' CHECK (outcome IN ('running','completed','error','abandoned')),
			error TEXT,
			iterations INTEGER DEFAULT 1,
			changeset_size INTEGER DEFAULT 0,
			prompt_tokens BIGINT DEFAULT 0,
			completion_tokens BIGINT DEFAULT 0,
			started_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			ended_at DATETIME
		)`,

		// Append-only archive of state transitions.
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			cycle_id TEXT,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			goal TEXT,
			created_at DATETIME NOT NULL
		)`,

		// Checkpoint snapshots of the artifact store.
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			cycle_id TEXT,
			snapshot BLOB NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	indices := []string{
		// Session isolation indices
		"CREATE INDEX IF NOT EXISTS idx_cycles_session ON cycles(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id)",

		// Functional indices
		"CREATE INDEX IF NOT EXISTS idx_cycles_outcome ON cycles(outcome)",
		"CREATE INDEX IF NOT EXISTS idx_transitions_cycle ON transitions(cycle_id)",
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_cycle ON checkpoints(cycle_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO schema_version (version) VALUES (?)
	`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	// First ensure the schema_version table exists
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No version set yet
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
