package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reploid/pkg/persistence"
)

// SQLiteStore persists snapshots through the database layer so they
// survive process restarts and show up in the session archive. Snapshots
// are stored as opaque blobs keyed by checkpoint id and tagged with the
// capturing cycle when the context carries one (see WithCycleID).
type SQLiteStore struct {
	ops         *persistence.DatabaseOperations
	snapshotter Snapshotter
}

func NewSQLiteStore(ops *persistence.DatabaseOperations, snapshotter Snapshotter) *SQLiteStore {
	return &SQLiteStore{ops: ops, snapshotter: snapshotter}
}

func (s *SQLiteStore) Capture(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Kind: KindCaptureFailed, Err: err}
	}

	blob, err := s.snapshotter.Snapshot()
	if err != nil {
		return "", &Error{Kind: KindCaptureFailed, Err: err}
	}

	row := &persistence.CheckpointRow{
		ID:        persistence.GenerateCheckpointID(),
		CycleID:   CycleIDFromContext(ctx),
		Snapshot:  blob,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.ops.SaveCheckpoint(row); err != nil {
		return "", &Error{Kind: KindCaptureFailed, Err: fmt.Errorf("save snapshot: %w", err)}
	}

	return row.ID, nil
}

func (s *SQLiteStore) Restore(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindRestoreFailed, ID: id, Err: err}
	}

	blob, err := s.ops.GetCheckpointSnapshot(id)
	if err != nil {
		if errors.Is(err, persistence.ErrCheckpointNotFound) {
			return &Error{Kind: KindRestoreFailed, ID: id, Err: fmt.Errorf("unknown checkpoint")}
		}
		return &Error{Kind: KindRestoreFailed, ID: id, Err: err}
	}

	if err := s.snapshotter.RestoreSnapshot(blob); err != nil {
		return &Error{Kind: KindRestoreFailed, ID: id, Err: err}
	}
	return nil
}

// Prune discards all but the newest keep checkpoints for the session.
// Called opportunistically after completed cycles; losing old
// checkpoints is safe because only the one captured by the running cycle
// is ever restored.
func (s *SQLiteStore) Prune(keep int) (int, error) {
	return s.ops.PruneCheckpoints(keep)
}
