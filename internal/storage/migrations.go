package storage

import (
	"database/sql"
	"fmt"

	"github.com/stephens/dyson-bridge/internal/log"
)

type migration struct {
	version int
	name    string
	sql     string
}

// migrations holds all schema changes in order
var migrations = []migration{
	{
		version: 1,
		name:    "create_device_credentials_table",
		sql: `
			CREATE TABLE IF NOT EXISTS device_credentials (
				serial TEXT PRIMARY KEY,
				product_type TEXT NOT NULL,
				host TEXT,
				credential_encrypted BLOB NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		version: 2,
		name:    "create_entity_state_table",
		sql: `
			CREATE TABLE IF NOT EXISTS entity_state (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				entity_id TEXT NOT NULL UNIQUE,
				unique_id TEXT NOT NULL,
				state TEXT NOT NULL,
				attributes JSON,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_entity_state_unique_id ON entity_state(unique_id);
		`,
	},
	{
		version: 3,
		name:    "create_event_log_table",
		sql: `
			CREATE TABLE IF NOT EXISTS event_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
				source TEXT NOT NULL,
				event_type TEXT NOT NULL,
				entity_id TEXT,
				message TEXT,
				details JSON
			);
			CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp);
			CREATE INDEX IF NOT EXISTS idx_event_log_source ON event_log(source);
			CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type);
			CREATE INDEX IF NOT EXISTS idx_event_log_entity ON event_log(entity_id);
		`,
	},
}

// RunMigrations applies all pending migrations, each in its own transaction
func RunMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := GetMigrationVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
		log.Info("Applied migration %d: %s", m.version, m.name)
	}

	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
	}

	if _, err := tx.Exec(m.sql); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute migration %d (%s): %w", m.version, m.name, err)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration %d: %w", m.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
	}
	return nil
}

// GetMigrationVersion returns the current schema version
func GetMigrationVersion(db *sql.DB) (int, error) {
	var version int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
