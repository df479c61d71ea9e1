package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session represents one orchestrator process run.
type Session struct {
	SessionID  string     `json:"session_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Status     string     `json:"status"`      // active, shutdown, completed, crashed
	ConfigJSON string     `json:"config_json"` // Snapshot of config at session start
}

// Session status constants.
const (
	SessionStatusActive    = "active"
	SessionStatusShutdown  = "shutdown"  // Graceful shutdown
	SessionStatusCompleted = "completed" // All work done
	SessionStatusCrashed   = "crashed"   // Unexpected termination
)

// CreateSession creates a new session record in the database.
func CreateSession(db *sql.DB, sessionID, configJSON string) error {
	_, err := db.Exec(`
		INSERT INTO sessions (session_id, status, config_json)
		VALUES (?, ?, ?)
	`, sessionID, SessionStatusActive, configJSON)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UpdateSessionStatus updates the status and ended_at timestamp of a session.
func UpdateSessionStatus(db *sql.DB, sessionID, status string) error {
	var result sql.Result
	var err error
	if status == SessionStatusShutdown || status == SessionStatusCompleted || status == SessionStatusCrashed {
		result, err = db.Exec(`
			UPDATE sessions
			SET status = ?, ended_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE session_id = ?
		`, status, sessionID)
	} else {
		result, err = db.Exec(`
			UPDATE sessions SET status = ? WHERE session_id = ?
		`, status, sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// scanSession scans a session row into a Session struct.
func scanSession(row *sql.Row) (*Session, error) {
	var session Session
	var endedAt sql.NullString
	var configJSON sql.NullString
	err := row.Scan(&session.SessionID, &session.StartedAt, &endedAt, &session.Status, &configJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.ConfigJSON = configJSON.String
	if endedAt.Valid {
		t, parseErr := time.Parse(time.RFC3339Nano, endedAt.String)
		if parseErr == nil {
			session.EndedAt = &t
		}
	}

	return &session, nil
}

// GetSession returns a session by ID.
// Returns ErrSessionNotFound if the session does not exist.
func GetSession(db *sql.DB, sessionID string) (*Session, error) {
	row := db.QueryRow(`
		SELECT session_id, started_at, ended_at, status, config_json
		FROM sessions
		WHERE session_id = ?
	`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// MarkStaleSessions marks any 'active' sessions as 'crashed'.
// This should be called at startup to detect sessions that didn't shut
// down gracefully.
func MarkStaleSessions(db *sql.DB) (int64, error) {
	result, err := db.Exec(`
		UPDATE sessions
		SET status = ?, ended_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = ?
	`, SessionStatusCrashed, SessionStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale sessions: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}
