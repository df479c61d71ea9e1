package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"reploid/pkg/checkpoint"
	"reploid/pkg/tools"
)

// entryError tags a dispatch failure with the entry that caused it.
type entryError struct {
	Tool string
	Err  error
}

func (e *entryError) Error() string {
	return fmt.Sprintf("changeset entry %s failed: %v", e.Tool, e.Err)
}

func (e *entryError) Unwrap() error {
	return e.Err
}

// applyLocked dispatches every changeset entry in order. Consecutive
// parallel-safe entries run as one bounded batch; everything else runs
// strictly sequentially. The first failure halts remaining entries,
// restores the checkpoint, and moves the cycle to ERROR. Caller holds
// o.mu and has already captured the checkpoint.
func (o *Orchestrator) applyLocked(cc *CycleContext) error {
	entries := cc.Changeset.Entries
	i := 0
	for i < len(entries) {
		if entries[i].ParallelSafe {
			j := i
			for j < len(entries) && entries[j].ParallelSafe {
				j++
			}
			results, failedTool, err := o.applyBatch(cc.ctx, entries[i:j])
			cc.Results = append(cc.Results, results...)
			if err != nil {
				return o.restoreAndFailLocked(cc, failedTool, err)
			}
			i = j
			continue
		}

		entry := entries[i]
		payload, err := o.dispatcher.Dispatch(cc.ctx, entry.Tool, entry.Args)
		cc.Results = append(cc.Results, tools.Result(entry.Tool, payload, err))
		if err != nil {
			return o.restoreAndFailLocked(cc, entry.Tool, err)
		}
		i++
	}
	return nil
}

// applyBatch dispatches a run of parallel-safe entries through a bounded
// worker pool. Results come back in entry order regardless of completion
// order. On failure the batch reports the first failing entry.
func (o *Orchestrator) applyBatch(ctx context.Context, entries []ChangeEntry) ([]tools.ToolResult, string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.applyParallelism)

	results := make([]tools.ToolResult, len(entries))
	for i := range entries {
		i, entry := i, entries[i]
		g.Go(func() error {
			payload, err := o.dispatcher.Dispatch(gctx, entry.Tool, entry.Args)
			results[i] = tools.Result(entry.Tool, payload, err)
			if err != nil {
				return &entryError{Tool: entry.Tool, Err: err}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var ee *entryError
		if errors.As(err, &ee) {
			return results, ee.Tool, ee.Err
		}
		return results, "", err
	}
	return results, "", nil
}

// restoreAndFailLocked rolls the store back to the checkpoint captured
// for this application and moves the cycle to ERROR naming the failing
// entry. Restore runs on a fresh context so a cancelled cycle still
// rolls back; a failed restore breaks the rollback guarantee and raises
// the alarm hook.
func (o *Orchestrator) restoreAndFailLocked(cc *CycleContext, failedTool string, cause error) error {
	restoreCtx := checkpoint.WithCycleID(context.Background(), cc.ID)
	start := time.Now()
	restoreErr := o.checkpoints.Restore(restoreCtx, cc.CheckpointID)
	o.recorder.ObserveCheckpointOp("restore", restoreErr == nil, time.Since(start))
	if restoreErr != nil {
		o.alarm(restoreErr)
	}

	reason := o.abortReasonOr(fmt.Sprintf("changeset entry %s failed", failedTool))
	o.errorLocked(o.machine.State(), reason, map[string]any{
		"failing_entry":      failedTool,
		"checkpointRestored": restoreErr == nil,
	})

	if restoreErr != nil {
		return fmt.Errorf("changeset entry %s failed: %v (checkpoint restore also failed: %w)",
			failedTool, cause, restoreErr)
	}
	return fmt.Errorf("changeset entry %s failed: %w", failedTool, cause)
}
