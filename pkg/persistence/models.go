package persistence

import (
	"time"

	"github.com/google/uuid"
)

// CycleRecord is the archived form of one cognitive cycle.
//
//nolint:govet // struct alignment optimization not critical for this type
type CycleRecord struct {
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	ID               string     `json:"id"`
	Goal             string     `json:"goal"`
	Outcome          string     `json:"outcome"`
	Error            string     `json:"error,omitempty"`
	Iterations       int        `json:"iterations"`
	ChangesetSize    int        `json:"changeset_size"`
}

// TransitionRow is one archived state transition.
type TransitionRow struct {
	CreatedAt time.Time `json:"created_at"`
	CycleID   string    `json:"cycle_id,omitempty"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Goal      string    `json:"goal,omitempty"`
	ID        int64     `json:"id"`
}

// CheckpointRow is one stored artifact snapshot.
type CheckpointRow struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Snapshot  []byte    `json:"snapshot"`
}

// Cycle outcome constants.
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomeError     = "error"
	OutcomeAbandoned = "abandoned"
)

// ValidOutcomes returns all valid cycle outcomes.
func ValidOutcomes() []string {
	return []string{
		OutcomeRunning,
		OutcomeCompleted,
		OutcomeError,
		OutcomeAbandoned,
	}
}

// IsValidOutcome checks if an outcome string is valid.
func IsValidOutcome(outcome string) bool {
	for _, valid := range ValidOutcomes() {
		if outcome == valid {
			return true
		}
	}
	return false
}

// GenerateSessionID generates a new UUID for an orchestrator session.
func GenerateSessionID() string {
	return uuid.New().String()
}

// GenerateCheckpointID generates a new UUID for a checkpoint.
func GenerateCheckpointID() string {
	return uuid.New().String()
}
