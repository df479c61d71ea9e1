// Package checkpoint provides snapshot capture and restore around
// changeset application. A checkpoint is captured before any entry of an
// approved changeset executes; if application fails partway, restoring
// the checkpoint returns the artifact store to exactly the captured
// point.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
)

// Snapshotter is the state being checkpointed. artifact.Store implements
// it; tests substitute fakes.
type Snapshotter interface {
	// Snapshot serializes the full current state into one opaque blob.
	Snapshot() ([]byte, error)
	// RestoreSnapshot replaces the full current state with the blob.
	// Must be idempotent.
	RestoreSnapshot(data []byte) error
}

// Store captures and restores snapshots by id.
type Store interface {
	// Capture atomically snapshots the current state and returns the new
	// checkpoint id. Either the state is fully captured or an error is
	// returned; never a partial checkpoint.
	Capture(ctx context.Context) (string, error)
	// Restore returns the state to exactly the captured point. Idempotent:
	// restoring the same id twice leaves the same state.
	Restore(ctx context.Context, id string) error
}

// ErrorKind classifies checkpoint failures.
type ErrorKind int8

const (
	KindCaptureFailed ErrorKind = iota
	KindRestoreFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindCaptureFailed:
		return "capture_failed"
	case KindRestoreFailed:
		return "restore_failed"
	default:
		return "unknown"
	}
}

// Error is a classified checkpoint failure. A RestoreFailed error is
// fatal to the rollback guarantee and must reach the operator through the
// orchestrator's alarm hook, not just a log line.
type Error struct {
	Err  error
	ID   string
	Kind ErrorKind
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("checkpoint %s: %s: %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("checkpoint %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a checkpoint Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == kind
}

type contextKey int

const cycleIDKey contextKey = iota

// WithCycleID tags a context with the owning cycle id so stores can
// associate checkpoints with the cycle that captured them.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleIDKey, cycleID)
}

// CycleIDFromContext returns the cycle id attached by WithCycleID, or "".
func CycleIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(cycleIDKey).(string); ok {
		return id
	}
	return ""
}
