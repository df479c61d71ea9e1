package cycle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"reploid/pkg/artifact"
	"reploid/pkg/llm"
	"reploid/pkg/tools"
)

// SelectedContext is the curated slice of the artifact index that a cycle
// plans against: full artifact copies in presentation order, the curator's
// rationale, and its token estimate.
type SelectedContext struct {
	Artifacts  []artifact.Artifact `json:"artifacts"`
	Rationale  string              `json:"rationale,omitempty"`
	TokenCount int                 `json:"token_count"`
}

// Names returns the selected artifact names in order.
func (s SelectedContext) Names() []string {
	names := make([]string, 0, len(s.Artifacts))
	for _, a := range s.Artifacts {
		names = append(names, a.Name)
	}
	return names
}

// ChangeEntry is one tool invocation inside a changeset. Entries marked
// ParallelSafe touch no shared state and may run alongside their
// neighbors; everything else runs strictly in order.
type ChangeEntry struct {
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	Rationale    string         `json:"rationale,omitempty"`
	ParallelSafe bool           `json:"parallel_safe,omitempty"`
}

// Changeset is the ordered, executable list of entries derived from a
// plan. It is what the operator approves at the proposal gate.
type Changeset struct {
	Entries []ChangeEntry `json:"entries"`
}

// Size returns the number of entries.
func (c Changeset) Size() int {
	return len(c.Entries)
}

// Summary describes one finished pass of a cycle, computed in REFLECTING.
type Summary struct {
	CycleID       string        `json:"cycle_id"`
	Goal          string        `json:"goal"`
	Outcome       string        `json:"outcome"`
	ChangesetSize int           `json:"changeset_size"`
	Passes        int           `json:"passes"`
	Duration      time.Duration `json:"duration"`
}

// RejectMode selects where a gate rejection sends the cycle.
type RejectMode string

const (
	// RejectRecurate reruns curation; valid at the context gate.
	RejectRecurate RejectMode = "recurate"
	// RejectReplan requests a fresh plan; valid at the proposal gate.
	RejectReplan RejectMode = "replan"
	// RejectAbandon archives the cycle and returns to IDLE; valid at both gates.
	RejectAbandon RejectMode = "abandon"
)

// CycleContext is the working state of exactly one cycle. It is owned by
// the orchestrator, mutated only under its lock, and discarded when the
// cycle archives. A fresh cycle never sees a previous cycle's context.
type CycleContext struct {
	ID           string             `json:"id"`
	Goal         string             `json:"goal"`
	Selected     SelectedContext    `json:"selected"`
	Plan         *llm.Response      `json:"plan,omitempty"`
	Changeset    Changeset          `json:"changeset"`
	CheckpointID string             `json:"checkpoint_id,omitempty"`
	Results      []tools.ToolResult `json:"results,omitempty"`
	Reflections  []string           `json:"reflections,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	Iterations   int                `json:"iterations"`
	Metadata     map[string]any     `json:"metadata,omitempty"`

	ctx    context.Context
	cancel context.CancelFunc
}

// newCycleContext creates the working state for one cycle, including the
// per-cycle cancellation context that every suspension point honors.
func newCycleContext(parent context.Context, goal string) *CycleContext {
	ctx, cancel := context.WithCancel(parent)
	return &CycleContext{
		ID:        uuid.New().String(),
		Goal:      goal,
		StartedAt: time.Now().UTC(),
		Metadata:  make(map[string]any),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the per-cycle context. It is cancelled on Abort and
// when the cycle archives.
func (c *CycleContext) Context() context.Context {
	return c.ctx
}

// resetForNextPass clears the pass-scoped fields while keeping the goal,
// curated context lineage, and reflections, then bumps the pass counter.
func (c *CycleContext) resetForNextPass() {
	c.Plan = nil
	c.Changeset = Changeset{}
	c.CheckpointID = ""
	c.Results = nil
	c.Iterations++
}
