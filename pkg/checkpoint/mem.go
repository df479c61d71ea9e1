package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemStore keeps snapshots in process memory. It backs tests and
// ephemeral sessions that run without a database.
type MemStore struct {
	snapshotter Snapshotter
	snapshots   map[string][]byte
	mu          sync.Mutex
}

func NewMemStore(snapshotter Snapshotter) *MemStore {
	return &MemStore{
		snapshotter: snapshotter,
		snapshots:   map[string][]byte{},
	}
}

func (s *MemStore) Capture(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Kind: KindCaptureFailed, Err: err}
	}

	blob, err := s.snapshotter.Snapshot()
	if err != nil {
		return "", &Error{Kind: KindCaptureFailed, Err: err}
	}

	id := uuid.New().String()

	s.mu.Lock()
	s.snapshots[id] = blob
	s.mu.Unlock()

	return id, nil
}

func (s *MemStore) Restore(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindRestoreFailed, ID: id, Err: err}
	}

	s.mu.Lock()
	blob, ok := s.snapshots[id]
	s.mu.Unlock()

	if !ok {
		return &Error{Kind: KindRestoreFailed, ID: id, Err: fmt.Errorf("unknown checkpoint")}
	}

	if err := s.snapshotter.RestoreSnapshot(blob); err != nil {
		return &Error{Kind: KindRestoreFailed, ID: id, Err: err}
	}
	return nil
}
