package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open creates a new database connection and runs migrations
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{
		conn: conn,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// --- Device Credentials ---

// SaveDeviceCredential stores or replaces the encrypted credential for a device
func (db *DB) SaveDeviceCredential(serial, productType, host string, credentialEncrypted []byte) error {
	now := db.now()
	_, err := db.conn.Exec(`
		INSERT INTO device_credentials (serial, product_type, host, credential_encrypted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			product_type = excluded.product_type,
			host = excluded.host,
			credential_encrypted = excluded.credential_encrypted,
			updated_at = excluded.updated_at
	`, serial, productType, host, credentialEncrypted, now, now)
	if err != nil {
		return fmt.Errorf("failed to save credential for %s: %w", serial, err)
	}

	return nil
}

// GetDeviceCredential retrieves the stored credential for a device. It
// returns nil when none is stored.
func (db *DB) GetDeviceCredential(serial string) (*DeviceCredential, error) {
	row := db.conn.QueryRow(`
		SELECT serial, product_type, host, credential_encrypted, created_at, updated_at
		FROM device_credentials WHERE serial = ?
	`, serial)

	var cred DeviceCredential
	var host sql.NullString
	err := row.Scan(&cred.Serial, &cred.ProductType, &host, &cred.CredentialEncrypted, &cred.CreatedAt, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential for %s: %w", serial, err)
	}
	cred.Host = host.String

	return &cred, nil
}

// ListDeviceCredentials returns every stored credential ordered by serial
func (db *DB) ListDeviceCredentials() ([]DeviceCredential, error) {
	rows, err := db.conn.Query(`
		SELECT serial, product_type, host, credential_encrypted, created_at, updated_at
		FROM device_credentials ORDER BY serial
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []DeviceCredential
	for rows.Next() {
		var cred DeviceCredential
		var host sql.NullString
		if err := rows.Scan(&cred.Serial, &cred.ProductType, &host, &cred.CredentialEncrypted, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		cred.Host = host.String
		creds = append(creds, cred)
	}

	return creds, rows.Err()
}

// DeleteDeviceCredential removes the stored credential for a device
func (db *DB) DeleteDeviceCredential(serial string) error {
	_, err := db.conn.Exec("DELETE FROM device_credentials WHERE serial = ?", serial)
	return err
}

// --- Entity State ---

// SaveEntityState saves or updates the last published state of an entity
func (db *DB) SaveEntityState(state *EntityState) error {
	attrs, err := json.Marshal(state.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = db.now()
	}

	_, err = db.conn.Exec(`
		INSERT INTO entity_state (entity_id, unique_id, state, attributes, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			unique_id = excluded.unique_id,
			state = excluded.state,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at
	`, state.EntityID, state.UniqueID, state.State, string(attrs), updated.UTC())
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", state.EntityID, err)
	}

	return nil
}

// GetEntityState retrieves the last stored state of an entity. It returns
// nil when none is stored.
func (db *DB) GetEntityState(entityID string) (*EntityState, error) {
	row := db.conn.QueryRow(`
		SELECT id, entity_id, unique_id, state, attributes, updated_at
		FROM entity_state WHERE entity_id = ?
	`, entityID)

	state, err := scanEntityState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state for %s: %w", entityID, err)
	}
	return state, nil
}

// GetAllEntityStates retrieves every stored entity state ordered by entity id
func (db *DB) GetAllEntityStates() ([]EntityState, error) {
	rows, err := db.conn.Query(`
		SELECT id, entity_id, unique_id, state, attributes, updated_at
		FROM entity_state ORDER BY entity_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity states: %w", err)
	}
	defer rows.Close()

	var states []EntityState
	for rows.Next() {
		state, err := scanEntityState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity state: %w", err)
		}
		states = append(states, *state)
	}

	return states, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntityState(s scanner) (*EntityState, error) {
	var state EntityState
	var attrs sql.NullString
	if err := s.Scan(&state.ID, &state.EntityID, &state.UniqueID, &state.State, &attrs, &state.UpdatedAt); err != nil {
		return nil, err
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &state.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	return &state, nil
}

// --- Event Log ---

// LogEvent records an event in the log. entityID may be empty.
func (db *DB) LogEvent(source EventSource, eventType EventType, entityID, message string, details interface{}) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
	}

	var entity sql.NullString
	if entityID != "" {
		entity = sql.NullString{String: entityID, Valid: true}
	}

	_, err := db.conn.Exec(
		"INSERT INTO event_log (timestamp, source, event_type, entity_id, message, details) VALUES (?, ?, ?, ?, ?, ?)",
		db.now(), source, eventType, entity, message, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}

	return nil
}

// GetEventLogs retrieves events with optional filtering, newest first
func (db *DB) GetEventLogs(filter EventLogFilter) ([]EventLog, error) {
	query := "SELECT id, timestamp, source, event_type, entity_id, message, details FROM event_log WHERE 1=1"
	args := []interface{}{}

	if filter.Source != nil {
		query += " AND source = ?"
		args = append(args, *filter.Source)
	}
	if filter.EventType != nil {
		query += " AND event_type = ?"
		args = append(args, *filter.EventType)
	}
	if filter.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, filter.EntityID)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, filter.Until.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event logs: %w", err)
	}
	defer rows.Close()

	var logs []EventLog
	for rows.Next() {
		var event EventLog
		var entity, message, details sql.NullString
		err := rows.Scan(&event.ID, &event.Timestamp, &event.Source, &event.EventType, &entity, &message, &details)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event log: %w", err)
		}
		event.EntityID = entity.String
		event.Message = message.String
		if details.Valid && details.String != "" {
			event.Details = json.RawMessage(details.String)
		}
		logs = append(logs, event)
	}

	return logs, rows.Err()
}

// PruneEventLogs removes events older than the given time
func (db *DB) PruneEventLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM event_log WHERE timestamp < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune event logs: %w", err)
	}

	return result.RowsAffected()
}
