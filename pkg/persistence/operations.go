package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Request represents a database operation request.
// This is the interface between the cycle event stream and the
// persistence worker.
type Request struct {
	Data      interface{}        `json:"data"`      // Operation-specific data payload
	Response  chan<- interface{} `json:"-"`         // Response channel for queries (nil for fire-and-forget writes)
	Operation string             `json:"operation"` // Operation type
}

// Operation constants for Request.
const (
	// Write operations (fire-and-forget).
	OpInsertTransition = "insert_transition"
	OpUpsertCycle      = "upsert_cycle"

	// Query operations (with response).
	OpRecentTransitions = "recent_transitions"
	OpRecentCycles      = "recent_cycles"
)

// ErrCheckpointNotFound reports a checkpoint id with no stored snapshot.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// DatabaseOperations provides methods for database operations, scoped to
// one orchestrator session.
type DatabaseOperations struct {
	db        *sql.DB
	sessionID string
}

// NewDatabaseOperations creates a new DatabaseOperations instance. All
// reads and writes are filtered by the given session ID.
func NewDatabaseOperations(db *sql.DB, sessionID string) *DatabaseOperations {
	return &DatabaseOperations{db: db, sessionID: sessionID}
}

// InsertTransition appends one transition to the archive.
func (ops *DatabaseOperations) InsertTransition(t *TransitionRow) error {
	query := `
		INSERT INTO transitions (session_id, cycle_id, from_state, to_state, goal, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(query, ops.sessionID, t.CycleID, t.FromState, t.ToState, t.Goal, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert transition %s -> %s: %w", t.FromState, t.ToState, err)
	}
	return nil
}

// RecentTransitions returns the newest transitions for this session,
// oldest first, capped at limit. A non-positive limit returns everything.
func (ops *DatabaseOperations) RecentTransitions(limit int) ([]*TransitionRow, error) {
	query := `
		SELECT id, cycle_id, from_state, to_state, goal, created_at
		FROM (
			SELECT id, cycle_id, from_state, to_state, goal, created_at
			FROM transitions
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`
	if limit <= 0 {
		limit = -1 // SQLite treats negative LIMIT as unlimited
	}

	rows, err := ops.db.Query(query, ops.sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transitions []*TransitionRow
	for rows.Next() {
		var t TransitionRow
		var cycleID, goal sql.NullString
		if err := rows.Scan(&t.ID, &cycleID, &t.FromState, &t.ToState, &goal, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition row: %w", err)
		}
		t.CycleID = cycleID.String
		t.Goal = goal.String
		transitions = append(transitions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transition row iteration error: %w", err)
	}
	return transitions, nil
}

// UpsertCycle inserts or updates a cycle record.
func (ops *DatabaseOperations) UpsertCycle(c *CycleRecord) error {
	if !IsValidOutcome(c.Outcome) {
		return fmt.Errorf("invalid cycle outcome %q for cycle %s", c.Outcome, c.ID)
	}

	query := `
		INSERT INTO cycles (
			id, session_id, goal, outcome, error, iterations, changeset_size,
			prompt_tokens, completion_tokens, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			outcome = excluded.outcome,
			error = excluded.error,
			iterations = excluded.iterations,
			changeset_size = excluded.changeset_size,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			ended_at = excluded.ended_at
	`

	startedAt := c.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(query,
		c.ID, ops.sessionID, c.Goal, c.Outcome, c.Error, c.Iterations,
		c.ChangesetSize, c.PromptTokens, c.CompletionTokens, startedAt, c.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cycle %s: %w", c.ID, err)
	}
	return nil
}

// GetCycle returns the archived record for one cycle.
func (ops *DatabaseOperations) GetCycle(id string) (*CycleRecord, error) {
	query := `
		SELECT id, goal, outcome, error, iterations, changeset_size,
		       prompt_tokens, completion_tokens, started_at, ended_at
		FROM cycles
		WHERE id = ? AND session_id = ?
	`

	var c CycleRecord
	var errText sql.NullString
	var endedAt sql.NullTime
	err := ops.db.QueryRow(query, id, ops.sessionID).Scan(
		&c.ID, &c.Goal, &c.Outcome, &errText, &c.Iterations, &c.ChangesetSize,
		&c.PromptTokens, &c.CompletionTokens, &c.StartedAt, &endedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle %s: %w", id, err)
	}
	c.Error = errText.String
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	return &c, nil
}

// RecentCycles returns the newest cycle records for this session, newest
// first, capped at limit.
func (ops *DatabaseOperations) RecentCycles(limit int) ([]*CycleRecord, error) {
	query := `
		SELECT id, goal, outcome, error, iterations, changeset_size,
		       prompt_tokens, completion_tokens, started_at, ended_at
		FROM cycles
		WHERE session_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := ops.db.Query(query, ops.sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cycles []*CycleRecord
	for rows.Next() {
		var c CycleRecord
		var errText sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(
			&c.ID, &c.Goal, &c.Outcome, &errText, &c.Iterations, &c.ChangesetSize,
			&c.PromptTokens, &c.CompletionTokens, &c.StartedAt, &endedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cycle row: %w", err)
		}
		c.Error = errText.String
		if endedAt.Valid {
			c.EndedAt = &endedAt.Time
		}
		cycles = append(cycles, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cycle row iteration error: %w", err)
	}
	return cycles, nil
}

// SaveCheckpoint stores one snapshot blob.
func (ops *DatabaseOperations) SaveCheckpoint(row *CheckpointRow) error {
	query := `
		INSERT INTO checkpoints (id, session_id, cycle_id, snapshot)
		VALUES (?, ?, ?, ?)
	`
	_, err := ops.db.Exec(query, row.ID, ops.sessionID, row.CycleID, row.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", row.ID, err)
	}
	return nil
}

// GetCheckpointSnapshot returns the stored snapshot blob for a checkpoint.
func (ops *DatabaseOperations) GetCheckpointSnapshot(id string) ([]byte, error) {
	var snapshot []byte
	err := ops.db.QueryRow(
		"SELECT snapshot FROM checkpoints WHERE id = ? AND session_id = ?",
		id, ops.sessionID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", id, err)
	}
	return snapshot, nil
}

// PruneCheckpoints deletes all but the newest keep checkpoints for this
// session, returning how many were removed.
func (ops *DatabaseOperations) PruneCheckpoints(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	query := `
		DELETE FROM checkpoints
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM checkpoints
			WHERE session_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`
	result, err := ops.db.Exec(query, ops.sessionID, ops.sessionID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned checkpoints: %w", err)
	}
	return int(affected), nil
}
