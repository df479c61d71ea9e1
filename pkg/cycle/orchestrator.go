package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reploid/pkg/artifact"
	"reploid/pkg/checkpoint"
	"reploid/pkg/llm"
	"reploid/pkg/logx"
	"reploid/pkg/metrics"
	"reploid/pkg/tools"
)

// TemplatePlan names the prompt template the orchestrator asks the
// assembler to render for the planning call.
const TemplatePlan = "plan"

// ContextCurator selects the artifacts relevant to a goal, under the
// curator's token budget.
type ContextCurator interface {
	Curate(ctx context.Context, goal string, index []artifact.IndexEntry) (SelectedContext, error)
}

// PromptAssembler renders a named template plus the curated context into
// a provider request. Assemble is pure: no I/O, no stored state.
type PromptAssembler interface {
	Assemble(template string, selected SelectedContext, goal string) (llm.RequestSpec, error)
}

// ProposalGenerator derives an executable changeset from a plan response.
// FromPlan is pure: no I/O, no stored state.
type ProposalGenerator interface {
	FromPlan(resp *llm.Response) (Changeset, error)
}

// ReflectionStrategy judges whether a finished pass met its goal. A false
// verdict sends the cycle back through curation on the same goal.
// Implementations must not call back into the orchestrator.
type ReflectionStrategy interface {
	GoalMet(summary Summary, cycleCtx *CycleContext) bool
}

// ReflectionFunc adapts a function to ReflectionStrategy.
type ReflectionFunc func(Summary, *CycleContext) bool

// GoalMet calls f.
func (f ReflectionFunc) GoalMet(summary Summary, cycleCtx *CycleContext) bool {
	return f(summary, cycleCtx)
}

// Status is a point-in-time, copy-safe view of the orchestrator for the
// console. Reading it never contends with a running operation.
type Status struct {
	State     State           `json:"state"`
	CycleID   string          `json:"cycle_id,omitempty"`
	Goal      string          `json:"goal,omitempty"`
	Pass      int             `json:"pass,omitempty"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	Selected  SelectedContext `json:"selected"`
	Changeset Changeset       `json:"changeset"`
}

const defaultApplyParallelism = 4

// Options wires the orchestrator's collaborators. Curator, Assembler,
// Generator, Client, Dispatcher, and Checkpoints are required.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Options struct {
	Curator     ContextCurator
	Assembler   PromptAssembler
	Generator   ProposalGenerator
	Reflector   ReflectionStrategy // nil means every pass meets its goal
	Client      llm.Client
	Dispatcher  *tools.Dispatcher
	Checkpoints checkpoint.Store

	// Index supplies the artifact index handed to the curator,
	// typically artifact.Store.Index.
	Index func() []artifact.IndexEntry

	// BaseContext parents every per-cycle context. Cancelling it aborts
	// whatever cycle is in flight. Defaults to context.Background().
	BaseContext context.Context

	// ApplyParallelism bounds the worker pool for parallel-safe
	// changeset batches. Defaults to 4.
	ApplyParallelism int

	// MaxHistory caps the retained transition history. Defaults to
	// DefaultMaxHistory.
	MaxHistory int

	Recorder metrics.Recorder
	Logger   *logx.Logger
	Emitter  *Emitter
}

// Orchestrator drives one cognitive cycle at a time through curation,
// planning, the two approval gates, checkpointed application, and
// reflection. All operator methods run synchronously on the caller's
// goroutine under one mutex; gates suspend by returning.
type Orchestrator struct {
	machine     *Machine
	emitter     *Emitter
	curator     ContextCurator
	assembler   PromptAssembler
	generator   ProposalGenerator
	reflector   ReflectionStrategy
	client      llm.Client
	dispatcher  *tools.Dispatcher
	checkpoints checkpoint.Store
	index       func() []artifact.IndexEntry
	baseCtx     context.Context
	recorder    metrics.Recorder
	logger      *logx.Logger

	applyParallelism int

	// OnAlarm is invoked when a checkpoint restore fails, meaning the
	// rollback guarantee is broken and an operator must intervene. Set
	// before the first Start; nil falls back to an error log.
	OnAlarm func(error)

	mu      sync.Mutex
	current *CycleContext

	// cancelMu guards the abort path so Abort can cancel an in-flight
	// operation without waiting on mu.
	cancelMu sync.Mutex
	cancel   context.CancelFunc
	aborting bool

	snapMu   sync.RWMutex
	snapshot Status
}

// NewOrchestrator validates opts and builds an orchestrator in IDLE.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Curator == nil:
		return nil, fmt.Errorf("orchestrator requires a ContextCurator")
	case opts.Assembler == nil:
		return nil, fmt.Errorf("orchestrator requires a PromptAssembler")
	case opts.Generator == nil:
		return nil, fmt.Errorf("orchestrator requires a ProposalGenerator")
	case opts.Client == nil:
		return nil, fmt.Errorf("orchestrator requires an llm.Client")
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("orchestrator requires a tools.Dispatcher")
	case opts.Checkpoints == nil:
		return nil, fmt.Errorf("orchestrator requires a checkpoint.Store")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger("cycle")
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = NewEmitter(logger)
	}
	index := opts.Index
	if index == nil {
		index = func() []artifact.IndexEntry { return nil }
	}
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	parallelism := opts.ApplyParallelism
	if parallelism <= 0 {
		parallelism = defaultApplyParallelism
	}

	machine := NewMachine(recorder, logger)
	if opts.MaxHistory > 0 {
		machine.SetMaxHistory(opts.MaxHistory)
	}

	o := &Orchestrator{
		machine:          machine,
		emitter:          emitter,
		curator:          opts.Curator,
		assembler:        opts.Assembler,
		generator:        opts.Generator,
		reflector:        opts.Reflector,
		client:           opts.Client,
		dispatcher:       opts.Dispatcher,
		checkpoints:      opts.Checkpoints,
		index:            index,
		baseCtx:          baseCtx,
		recorder:         recorder,
		logger:           logger,
		applyParallelism: parallelism,
	}
	o.snapshot = Status{State: StateIdle}
	return o, nil
}

// Events returns the emitter for subscribing to cycle notifications.
func (o *Orchestrator) Events() *Emitter {
	return o.emitter
}

// State returns the current cycle state.
func (o *Orchestrator) State() State {
	return o.machine.State()
}

// History returns a copy of the most recent transition records, oldest
// first. limit <= 0 returns everything.
func (o *Orchestrator) History(limit int) []TransitionRecord {
	return o.machine.History(limit)
}

// Status returns the current snapshot without contending with a running
// operation.
func (o *Orchestrator) Status() Status {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snapshot
}

// CycleID returns the running cycle's id, or "" when no cycle is active.
// Together with StateName it satisfies metrics.CycleInfo, labeling LLM
// observations with the cycle they belong to.
func (o *Orchestrator) CycleID() string {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snapshot.CycleID
}

// StateName returns the current state as a plain string.
func (o *Orchestrator) StateName() string {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return string(o.snapshot.State)
}

// Start admits a new cycle for goal. Only IDLE admits; a lingering ERROR
// state is drained to IDLE first. Any other state fails CycleBusyError.
// On admission the cycle runs curation and suspends at the context gate.
func (o *Orchestrator) Start(goal string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if goal == "" {
		return fmt.Errorf("cycle goal cannot be empty")
	}

	if o.machine.State() == StateError {
		o.drainLocked()
	}
	if state := o.machine.State(); state != StateIdle {
		busy := &CycleBusyError{State: state}
		if o.current != nil {
			busy.Goal = o.current.Goal
		}
		return busy
	}

	cc := newCycleContext(o.baseCtx, goal)
	o.current = cc
	o.cancelMu.Lock()
	o.cancel = cc.cancel
	o.cancelMu.Unlock()

	o.logger.Info("Cycle %s admitted: %s", cc.ID, goal)
	if err := o.transitionLocked(StateCuratingContext); err != nil {
		return err
	}
	return o.curateLocked(cc)
}

// ApproveContext approves the curated context and runs planning and
// proposal generation, suspending at the proposal gate.
func (o *Orchestrator) ApproveContext() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.requireStateLocked("approve_context", StateAwaitingContextApproval); err != nil {
		return err
	}
	if err := o.transitionLocked(StatePlanningWithContext); err != nil {
		return err
	}
	return o.planLocked(o.current)
}

// RejectContext rejects the curated context: recurate runs curation
// again, abandon archives the cycle and returns to IDLE.
func (o *Orchestrator) RejectContext(mode RejectMode) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.requireStateLocked("reject_context", StateAwaitingContextApproval); err != nil {
		return err
	}
	switch mode {
	case RejectRecurate:
		if err := o.transitionLocked(StateCuratingContext); err != nil {
			return err
		}
		return o.curateLocked(o.current)
	case RejectAbandon:
		return o.abandonLocked()
	default:
		return fmt.Errorf("reject mode %q not valid at the context gate", mode)
	}
}

// ApproveProposal approves the changeset: captures a checkpoint, applies
// every entry, and reflects. A failing entry halts the run, restores the
// checkpoint, and lands in ERROR.
func (o *Orchestrator) ApproveProposal() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.requireStateLocked("approve_proposal", StateAwaitingProposalApproval); err != nil {
		return err
	}
	cc := o.current
	if err := o.transitionLocked(StateApplyingChangeset); err != nil {
		return err
	}

	// Checkpoint before any entry is dispatched. Capture failure means
	// nothing is applied.
	capCtx := checkpoint.WithCycleID(cc.ctx, cc.ID)
	start := time.Now()
	checkpointID, err := o.checkpoints.Capture(capCtx)
	o.recorder.ObserveCheckpointOp("capture", err == nil, time.Since(start))
	if err != nil {
		return o.failLocked(cc, "checkpoint capture failed", err)
	}
	cc.CheckpointID = checkpointID
	o.logger.Info("Cycle %s checkpointed as %s, applying %d entries", cc.ID, checkpointID, cc.Changeset.Size())

	if err := o.applyLocked(cc); err != nil {
		return err
	}
	if err := o.transitionLocked(StateReflecting); err != nil {
		return err
	}
	return o.reflectLocked(cc)
}

// RejectProposal rejects the changeset: replan requests a fresh plan
// against the same approved context, abandon archives the cycle.
func (o *Orchestrator) RejectProposal(mode RejectMode) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.requireStateLocked("reject_proposal", StateAwaitingProposalApproval); err != nil {
		return err
	}
	switch mode {
	case RejectReplan:
		if err := o.transitionLocked(StatePlanningWithContext); err != nil {
			return err
		}
		return o.planLocked(o.current)
	case RejectAbandon:
		return o.abandonLocked()
	default:
		return fmt.Errorf("reject mode %q not valid at the proposal gate", mode)
	}
}

// Abort cancels whatever the cycle is doing. The per-cycle context is
// cancelled before the operation lock is taken, so an in-flight provider
// call or tool observes cancellation and finishes its error path first.
// The cycle lands in ERROR with reason "user-abort" and is drained; the
// next caller-visible state is IDLE.
func (o *Orchestrator) Abort() error {
	o.cancelMu.Lock()
	o.aborting = true
	if o.cancel != nil {
		o.cancel()
	}
	o.cancelMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	defer func() {
		o.cancelMu.Lock()
		o.aborting = false
		o.cancelMu.Unlock()
	}()

	state := o.machine.State()
	if state == StateIdle {
		return &InvalidStateError{Op: "abort", State: state}
	}
	if state != StateError {
		o.errorLocked(state, "user-abort", nil)
	}
	o.drainLocked()
	return nil
}

// --- internal steps; callers hold o.mu ---

// curateLocked runs curation and parks at the context gate.
func (o *Orchestrator) curateLocked(cc *CycleContext) error {
	selected, err := o.curator.Curate(cc.ctx, cc.Goal, o.index())
	if err != nil {
		return o.failLocked(cc, "context curation failed", err)
	}
	cc.Selected = selected
	if err := o.transitionLocked(StateAwaitingContextApproval); err != nil {
		return err
	}
	o.suspendLocked(cc, StateAwaitingContextApproval)
	return nil
}

// planLocked assembles the prompt, calls the provider, derives the
// changeset, and parks at the proposal gate.
func (o *Orchestrator) planLocked(cc *CycleContext) error {
	req, err := o.assembler.Assemble(TemplatePlan, cc.Selected, cc.Goal)
	if err != nil {
		return o.failLocked(cc, "prompt assembly failed", err)
	}

	resp, err := o.client.Call(cc.ctx, req)
	if err != nil {
		return o.failLocked(cc, "plan request failed", err)
	}
	// A response that lands after cancellation is discarded, not acted on.
	if cc.ctx.Err() != nil {
		return o.failLocked(cc, "plan request cancelled", cc.ctx.Err())
	}
	cc.Plan = resp

	if err := o.transitionLocked(StateGeneratingProposal); err != nil {
		return err
	}
	changeset, err := o.generator.FromPlan(resp)
	if err != nil {
		return o.failLocked(cc, "proposal generation failed", err)
	}
	cc.Changeset = changeset

	if err := o.transitionLocked(StateAwaitingProposalApproval); err != nil {
		return err
	}
	o.suspendLocked(cc, StateAwaitingProposalApproval)
	return nil
}

// reflectLocked computes the pass summary and either archives the cycle
// or sends it back through curation on the same goal.
func (o *Orchestrator) reflectLocked(cc *CycleContext) error {
	summary := Summary{
		CycleID:       cc.ID,
		Goal:          cc.Goal,
		Outcome:       "completed",
		ChangesetSize: cc.Changeset.Size(),
		Passes:        cc.Iterations + 1,
		Duration:      time.Since(cc.StartedAt),
	}
	cc.Reflections = append(cc.Reflections, fmt.Sprintf(
		"pass %d: applied %d entries in %s",
		summary.Passes, summary.ChangesetSize, summary.Duration.Round(time.Millisecond)))

	if o.reflector != nil && !o.reflector.GoalMet(summary, cc) {
		o.logger.Info("Cycle %s goal unmet after pass %d, continuing", cc.ID, summary.Passes)
		if err := o.transitionLocked(StateCuratingContext); err != nil {
			return err
		}
		cc.resetForNextPass()
		return o.curateLocked(cc)
	}

	if err := o.transitionLocked(StateIdle); err != nil {
		return err
	}
	o.emitLocked(EventCompleted, map[string]any{"summary": summary})
	o.archiveLocked()
	return nil
}

// abandonLocked archives the cycle from a gate and returns to IDLE.
func (o *Orchestrator) abandonLocked() error {
	cc := o.current
	if err := o.transitionLocked(StateIdle); err != nil {
		return err
	}
	summary := Summary{
		CycleID:       cc.ID,
		Goal:          cc.Goal,
		Outcome:       "abandoned",
		ChangesetSize: cc.Changeset.Size(),
		Passes:        cc.Iterations + 1,
		Duration:      time.Since(cc.StartedAt),
	}
	o.emitLocked(EventCompleted, map[string]any{"summary": summary})
	o.archiveLocked()
	return nil
}

// failLocked moves the cycle to ERROR for reasons outside changeset
// application (no checkpoint is involved) and returns the wrapped cause.
func (o *Orchestrator) failLocked(cc *CycleContext, reason string, cause error) error {
	reason = o.abortReasonOr(reason)
	o.errorLocked(o.machine.State(), reason, nil)
	return fmt.Errorf("%s: %w", reason, cause)
}

// errorLocked performs the transition into ERROR, forced when the table
// has no edge from the current state, and emits cycle:error.
func (o *Orchestrator) errorLocked(from State, reason string, extra map[string]any) {
	goal := o.goalLocked()
	if err := o.transitionLocked(StateError); err != nil {
		prev, next := o.machine.forceTransition(StateError, goal)
		o.emitLocked(EventTransition, map[string]any{
			"from": string(prev), "to": string(next), "goal": goal,
		})
		o.publishLocked()
	}
	o.recorder.IncCycleError(reason)
	o.logger.Error("Cycle failed in %s: %s", from, reason)

	payload := map[string]any{
		"state":              string(from),
		"reason":             reason,
		"checkpointRestored": false,
	}
	for k, v := range extra {
		payload[k] = v
	}
	o.emitLocked(EventError, payload)
}

// drainLocked takes ERROR to IDLE and archives the failed context.
func (o *Orchestrator) drainLocked() {
	if o.machine.State() != StateError {
		return
	}
	if err := o.transitionLocked(StateIdle); err != nil {
		return
	}
	o.archiveLocked()
}

// archiveLocked cancels the per-cycle context and discards the working
// state. Durable archival happens downstream of the event stream.
func (o *Orchestrator) archiveLocked() {
	if o.current == nil {
		return
	}
	o.cancelMu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.cancelMu.Unlock()
	o.current = nil
	o.publishLocked()
}

// requireStateLocked gates an operator method on the current state.
func (o *Orchestrator) requireStateLocked(op string, want State) error {
	state := o.machine.State()
	if state != want || o.current == nil {
		return &InvalidStateError{Op: op, State: state}
	}
	return nil
}

// transitionLocked performs a table-checked transition and emits
// cycle:transition.
func (o *Orchestrator) transitionLocked(target State) error {
	goal := o.goalLocked()
	from, to, err := o.machine.Transition(target, goal)
	if err != nil {
		return err
	}
	o.emitLocked(EventTransition, map[string]any{
		"from": string(from), "to": string(to), "goal": goal,
	})
	o.publishLocked()
	return nil
}

// suspendLocked announces that the cycle parked at an approval gate.
func (o *Orchestrator) suspendLocked(cc *CycleContext, gate State) {
	o.emitLocked(EventSuspended, map[string]any{
		"state": string(gate),
		"context": map[string]any{
			"goal":      cc.Goal,
			"artifacts": cc.Selected.Names(),
			"entries":   cc.Changeset.Size(),
			"pass":      cc.Iterations + 1,
		},
	})
}

func (o *Orchestrator) emitLocked(typ EventType, payload map[string]any) {
	ev := Event{Type: typ, Payload: payload}
	if o.current != nil {
		ev.CycleID = o.current.ID
	}
	o.emitter.Emit(ev)
}

func (o *Orchestrator) goalLocked() string {
	if o.current == nil {
		return ""
	}
	return o.current.Goal
}

// abortReasonOr substitutes the abort reason when a failure was caused
// by Abort cancelling the per-cycle context.
func (o *Orchestrator) abortReasonOr(reason string) string {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	if o.aborting {
		return "user-abort"
	}
	return reason
}

// publishLocked refreshes the console snapshot.
func (o *Orchestrator) publishLocked() {
	st := Status{State: o.machine.State()}
	if cc := o.current; cc != nil {
		st.CycleID = cc.ID
		st.Goal = cc.Goal
		st.Pass = cc.Iterations + 1
		st.StartedAt = cc.StartedAt
		st.Selected = cc.Selected
		st.Changeset = cc.Changeset
	}
	o.snapMu.Lock()
	o.snapshot = st
	o.snapMu.Unlock()
}

// alarm raises a broken rollback guarantee to the operator.
func (o *Orchestrator) alarm(err error) {
	o.logger.Error("⛔ Rollback guarantee broken: %v", err)
	if o.OnAlarm != nil {
		o.OnAlarm(err)
	}
}
