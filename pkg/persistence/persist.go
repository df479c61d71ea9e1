package persistence

import (
	"reploid/pkg/logx"
)

// PersistTransition persists a single transition to the database.
// This is a fire-and-forget operation that sends the row to the
// persistence worker.
func PersistTransition(t *TransitionRow, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || t == nil {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpInsertTransition,
		Data:      t,
		Response:  nil, // Fire-and-forget
	}
}

// PersistCycle persists a single cycle record to the database.
func PersistCycle(c *CycleRecord, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || c == nil {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpUpsertCycle,
		Data:      c,
		Response:  nil, // Fire-and-forget
	}
}

// StartWorker begins the database persistence worker goroutine. The worker
// drains all pending requests after the channel closes, then signals
// completion by closing the returned channel. Persistence failures are
// logged, never raised: the archive is best-effort and must not stall the
// cycle.
func StartWorker(ops *DatabaseOperations, requests <-chan *Request, logger *logx.Logger) <-chan struct{} {
	if logger == nil {
		logger = logx.NewLogger("persistence")
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		logger.Debug("Starting persistence worker")

		for req := range requests {
			if req != nil {
				processRequest(req, ops, logger)
			}
		}

		logger.Info("Persistence worker finished draining queue")
	}()

	return done
}

// processRequest handles individual persistence operations.
func processRequest(req *Request, ops *DatabaseOperations, logger *logx.Logger) {
	switch req.Operation {
	case OpInsertTransition:
		if t, ok := req.Data.(*TransitionRow); ok {
			if err := ops.InsertTransition(t); err != nil {
				logger.Error("Failed to insert transition: %v", err)
			}
		}

	case OpUpsertCycle:
		if c, ok := req.Data.(*CycleRecord); ok {
			if err := ops.UpsertCycle(c); err != nil {
				logger.Error("Failed to upsert cycle %s: %v", c.ID, err)
			}
		}

	case OpRecentTransitions:
		if req.Response != nil {
			limit, _ := req.Data.(int)
			transitions, err := ops.RecentTransitions(limit)
			if err != nil {
				logger.Error("Failed to query transitions: %v", err)
				req.Response <- err
			} else {
				req.Response <- transitions
			}
		}

	case OpRecentCycles:
		if req.Response != nil {
			limit, _ := req.Data.(int)
			cycles, err := ops.RecentCycles(limit)
			if err != nil {
				logger.Error("Failed to query cycles: %v", err)
				req.Response <- err
			} else {
				req.Response <- cycles
			}
		}

	default:
		logger.Warn("Unknown persistence operation: %s", req.Operation)
	}
}
