package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"reploid/pkg/artifact"
	"reploid/pkg/checkpoint"
	"reploid/pkg/llm"
	"reploid/pkg/tools"
)

// --- collaborator fakes ---

type fakeCurator struct {
	mu       sync.Mutex
	selected SelectedContext
	err      error
	calls    int
	block    chan struct{} // non-nil makes Curate wait for close or cancellation
}

func (f *fakeCurator) Curate(ctx context.Context, _ string, _ []artifact.IndexEntry) (SelectedContext, error) {
	f.mu.Lock()
	f.calls++
	block, selected, err := f.block, f.selected, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return SelectedContext{}, ctx.Err()
		}
	}
	if err != nil {
		return SelectedContext{}, err
	}
	return selected, nil
}

func (f *fakeCurator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCurator) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeAssembler struct {
	err       error
	templates []string
}

func (f *fakeAssembler) Assemble(template string, _ SelectedContext, goal string) (llm.RequestSpec, error) {
	f.templates = append(f.templates, template)
	if f.err != nil {
		return llm.RequestSpec{}, f.err
	}
	return llm.RequestSpec{
		Model:     "fake-model",
		System:    "you are under test",
		Messages:  []llm.Message{llm.NewUserMessage(goal)},
		MaxTokens: 256,
	}, nil
}

type fakeGenerator struct {
	changeset Changeset
	err       error
}

func (f *fakeGenerator) FromPlan(_ *llm.Response) (Changeset, error) {
	if f.err != nil {
		return Changeset{}, f.err
	}
	return f.changeset, nil
}

// blockingClient parks inside Call until released or cancelled, signalling
// entry so tests can abort mid-flight.
type blockingClient struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingClient() *blockingClient {
	return &blockingClient{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (c *blockingClient) Call(ctx context.Context, _ llm.RequestSpec) (*llm.Response, error) {
	c.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.release:
		return &llm.Response{Content: "released"}, nil
	}
}

func (c *blockingClient) ModelName() string { return "blocking" }

type fakeCheckpoints struct {
	mu          sync.Mutex
	captures    int
	restores    []string
	captureErr  error
	restoreErr  error
	lastCycleID string
}

func (f *fakeCheckpoints) Capture(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return "", f.captureErr
	}
	f.captures++
	f.lastCycleID = checkpoint.CycleIDFromContext(ctx)
	return fmt.Sprintf("cp-%d", f.captures), nil
}

func (f *fakeCheckpoints) Restore(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores = append(f.restores, id)
	return f.restoreErr
}

func (f *fakeCheckpoints) restored() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.restores...)
}

func (f *fakeCheckpoints) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

// journal records tool execution order and concurrency across tools.
type journal struct {
	mu        sync.Mutex
	order     []string
	active    int
	maxActive int
}

func (j *journal) enter(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.order = append(j.order, name)
	j.active++
	if j.active > j.maxActive {
		j.maxActive = j.active
	}
}

func (j *journal) exit() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.active--
}

func (j *journal) snapshot() ([]string, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string{}, j.order...), j.maxActive
}

// countingTool is a schema-less test tool with optional failure, delay,
// and shared journal tracking.
type countingTool struct {
	name     string
	err      error
	delay    time.Duration
	readOnly bool
	journal  *journal

	mu    sync.Mutex
	calls int
}

func (ct *countingTool) Name() string { return ct.name }

func (ct *countingTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        ct.name,
		Description: "test tool",
		InputSchema: tools.InputSchema{Type: "object"},
	}
}

func (ct *countingTool) PromptDocumentation() string { return "" }

func (ct *countingTool) ReadOnly() bool { return ct.readOnly }

func (ct *countingTool) Exec(_ context.Context, _ map[string]any) (map[string]any, error) {
	ct.mu.Lock()
	ct.calls++
	ct.mu.Unlock()

	if ct.journal != nil {
		ct.journal.enter(ct.name)
		defer ct.journal.exit()
	}
	if ct.delay > 0 {
		time.Sleep(ct.delay)
	}
	if ct.err != nil {
		return nil, ct.err
	}
	return map[string]any{"ok": true}, nil
}

func (ct *countingTool) callCount() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.calls
}

// --- fixture ---

type fixture struct {
	curator     *fakeCurator
	assembler   *fakeAssembler
	generator   *fakeGenerator
	client      llm.Client
	checkpoints *fakeCheckpoints
	reflector   ReflectionStrategy
	registry    *tools.Registry
	alpha       *countingTool
	beta        *countingTool
	gamma       *countingTool
	parallelism int
}

func planResponse() *llm.Response {
	return &llm.Response{
		Content:    "plan",
		ToolCalls:  []llm.ToolCall{{ID: "tc-1", Name: "alpha", Args: map[string]any{}}},
		StopReason: "tool_use",
	}
}

// defaultFixture wires a single-entry happy path: curate one artifact,
// plan one call to alpha, apply it.
func defaultFixture() *fixture {
	f := &fixture{
		curator: &fakeCurator{
			selected: SelectedContext{
				Artifacts: []artifact.Artifact{
					{Name: "core.module", Kind: artifact.KindModule, Content: "state", Version: 1},
				},
				Rationale:  "matched goal keywords",
				TokenCount: 12,
			},
		},
		assembler:   &fakeAssembler{},
		client:      llm.NewScriptedClient(llm.ScriptStep{Response: planResponse()}),
		checkpoints: &fakeCheckpoints{},
		registry:    tools.NewRegistry(),
		alpha:       &countingTool{name: "alpha"},
		beta:        &countingTool{name: "beta"},
		gamma:       &countingTool{name: "gamma"},
	}
	f.generator = &fakeGenerator{
		changeset: Changeset{Entries: []ChangeEntry{{Tool: "alpha", Args: map[string]any{}}}},
	}
	for _, tool := range []*countingTool{f.alpha, f.beta, f.gamma} {
		_ = f.registry.Register(tool)
	}
	return f
}

func (f *fixture) build(t *testing.T) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(Options{
		Curator:          f.curator,
		Assembler:        f.assembler,
		Generator:        f.generator,
		Reflector:        f.reflector,
		Client:           f.client,
		Dispatcher:       tools.NewDispatcher(f.registry, nil, nil),
		Checkpoints:      f.checkpoints,
		ApplyParallelism: f.parallelism,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return orch
}

func eventsByType(events []Event) map[EventType][]Event {
	out := make(map[EventType][]Event)
	for _, ev := range events {
		out[ev.Type] = append(out[ev.Type], ev)
	}
	return out
}

// --- tests ---

func TestOrchestratorRequiresCollaborators(t *testing.T) {
	f := defaultFixture()
	complete := Options{
		Curator:     f.curator,
		Assembler:   f.assembler,
		Generator:   f.generator,
		Client:      f.client,
		Dispatcher:  tools.NewDispatcher(f.registry, nil, nil),
		Checkpoints: f.checkpoints,
	}
	if _, err := NewOrchestrator(complete); err != nil {
		t.Fatalf("complete options must build: %v", err)
	}

	mutations := []struct {
		name   string
		mutate func(*Options)
	}{
		{"curator", func(o *Options) { o.Curator = nil }},
		{"assembler", func(o *Options) { o.Assembler = nil }},
		{"generator", func(o *Options) { o.Generator = nil }},
		{"client", func(o *Options) { o.Client = nil }},
		{"dispatcher", func(o *Options) { o.Dispatcher = nil }},
		{"checkpoints", func(o *Options) { o.Checkpoints = nil }},
	}
	for _, tc := range mutations {
		opts := complete
		tc.mutate(&opts)
		if _, err := NewOrchestrator(opts); err == nil {
			t.Errorf("expected error when %s is missing", tc.name)
		}
	}
}

func TestHappyPathProducesExactTransitions(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)
	events, unsub := orch.Events().Subscribe(64)
	defer unsub()

	if err := orch.Start("tighten retry budget"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := orch.State(); got != StateAwaitingContextApproval {
		t.Fatalf("expected context gate after Start, got %s", got)
	}

	cycleID := orch.Status().CycleID
	if cycleID == "" {
		t.Fatal("expected a cycle id at the context gate")
	}

	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	if got := orch.State(); got != StateAwaitingProposalApproval {
		t.Fatalf("expected proposal gate after ApproveContext, got %s", got)
	}

	if err := orch.ApproveProposal(); err != nil {
		t.Fatalf("ApproveProposal failed: %v", err)
	}
	if got := orch.State(); got != StateIdle {
		t.Fatalf("expected IDLE after successful apply, got %s", got)
	}

	history := orch.History(0)
	want := []struct {
		from State
		to   State
	}{
		{StateIdle, StateCuratingContext},
		{StateCuratingContext, StateAwaitingContextApproval},
		{StateAwaitingContextApproval, StatePlanningWithContext},
		{StatePlanningWithContext, StateGeneratingProposal},
		{StateGeneratingProposal, StateAwaitingProposalApproval},
		{StateAwaitingProposalApproval, StateApplyingChangeset},
		{StateApplyingChangeset, StateReflecting},
		{StateReflecting, StateIdle},
	}
	if len(history) != len(want) {
		t.Fatalf("expected exactly %d transition records, got %d", len(want), len(history))
	}
	for i, step := range want {
		if history[i].From != step.from || history[i].To != step.to {
			t.Errorf("record %d: expected %s → %s, got %s → %s",
				i, step.from, step.to, history[i].From, history[i].To)
		}
		if history[i].Goal != "tighten retry budget" {
			t.Errorf("record %d: goal = %q", i, history[i].Goal)
		}
		if history[i].Forced {
			t.Errorf("record %d: happy path must not contain forced transitions", i)
		}
	}

	if got := f.alpha.callCount(); got != 1 {
		t.Errorf("expected alpha dispatched once, got %d", got)
	}
	if got := f.checkpoints.captureCount(); got != 1 {
		t.Errorf("expected one checkpoint capture, got %d", got)
	}
	if got := f.checkpoints.restored(); len(got) != 0 {
		t.Errorf("expected no restores on a clean run, got %v", got)
	}
	if f.checkpoints.lastCycleID != cycleID {
		t.Errorf("capture context cycle id = %q, want %q", f.checkpoints.lastCycleID, cycleID)
	}

	byType := eventsByType(drainEvents(events))
	if got := len(byType[EventTransition]); got != 8 {
		t.Errorf("expected 8 transition events, got %d", got)
	}
	if got := len(byType[EventSuspended]); got != 2 {
		t.Errorf("expected 2 suspended events, got %d", got)
	}
	if got := len(byType[EventError]); got != 0 {
		t.Errorf("expected no error events, got %d", got)
	}
	completed := byType[EventCompleted]
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed event, got %d", len(completed))
	}
	summary, ok := completed[0].Payload["summary"].(Summary)
	if !ok {
		t.Fatalf("completed payload missing summary: %v", completed[0].Payload)
	}
	if summary.Outcome != "completed" || summary.Passes != 1 || summary.ChangesetSize != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.CycleID != cycleID {
		t.Errorf("summary cycle id = %q, want %q", summary.CycleID, cycleID)
	}

	if got := orch.Status(); got.CycleID != "" || got.State != StateIdle {
		t.Errorf("expected empty IDLE status after archive, got %+v", got)
	}
}

func TestStartWhileBusyFails(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)

	if err := orch.Start("first goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	err := orch.Start("second goal")
	if err == nil {
		t.Fatal("expected busy error for concurrent Start")
	}
	if !IsCycleBusy(err) {
		t.Fatalf("expected CycleBusyError, got %T: %v", err, err)
	}
	var busy *CycleBusyError
	if errors.As(err, &busy) {
		if busy.State != StateAwaitingContextApproval || busy.Goal != "first goal" {
			t.Errorf("busy error = %+v", busy)
		}
	}
	if got := orch.State(); got != StateAwaitingContextApproval {
		t.Errorf("failed Start must not disturb the active cycle, state = %s", got)
	}
	if got := f.curator.callCount(); got != 1 {
		t.Errorf("second Start must not re-curate, calls = %d", got)
	}
}

func TestStartRejectsEmptyGoal(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)

	if err := orch.Start(""); err == nil {
		t.Fatal("expected error for empty goal")
	}
	if got := orch.State(); got != StateIdle {
		t.Errorf("expected IDLE, got %s", got)
	}
	if got := len(orch.History(0)); got != 0 {
		t.Errorf("expected no transitions, got %d", got)
	}
}

func TestOperationsInvalidOutsideTheirGate(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)

	ops := []struct {
		name string
		call func() error
	}{
		{"approve_context", orch.ApproveContext},
		{"reject_context", func() error { return orch.RejectContext(RejectRecurate) }},
		{"approve_proposal", orch.ApproveProposal},
		{"reject_proposal", func() error { return orch.RejectProposal(RejectReplan) }},
		{"abort", orch.Abort},
	}
	for _, op := range ops {
		err := op.call()
		if err == nil {
			t.Errorf("%s in IDLE: expected error", op.name)
			continue
		}
		if !IsInvalidState(err) {
			t.Errorf("%s in IDLE: expected InvalidStateError, got %T: %v", op.name, err, err)
		}
	}
	if got := orch.State(); got != StateIdle {
		t.Errorf("rejected operations must leave state unchanged, got %s", got)
	}
	if got := len(orch.History(0)); got != 0 {
		t.Errorf("rejected operations must not add history, got %d records", got)
	}

	// The proposal operations stay invalid at the context gate.
	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.ApproveProposal(); !IsInvalidState(err) {
		t.Errorf("ApproveProposal at context gate: expected InvalidStateError, got %v", err)
	}
	if err := orch.RejectProposal(RejectReplan); !IsInvalidState(err) {
		t.Errorf("RejectProposal at context gate: expected InvalidStateError, got %v", err)
	}
	if got := orch.State(); got != StateAwaitingContextApproval {
		t.Errorf("state disturbed by invalid operations: %s", got)
	}
}

func TestApplyFailureRestoresCheckpoint(t *testing.T) {
	f := defaultFixture()
	f.beta.err = errors.New("write refused")
	f.generator.changeset = Changeset{Entries: []ChangeEntry{
		{Tool: "alpha", Args: map[string]any{}},
		{Tool: "beta", Args: map[string]any{}},
		{Tool: "gamma", Args: map[string]any{}},
	}}
	orch := f.build(t)
	events, unsub := orch.Events().Subscribe(64)
	defer unsub()

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	err := orch.ApproveProposal()
	if err == nil {
		t.Fatal("expected error when an entry fails")
	}
	if !strings.Contains(err.Error(), "beta") {
		t.Errorf("error must name the failing entry: %v", err)
	}
	if got := orch.State(); got != StateError {
		t.Fatalf("expected ERROR, got %s", got)
	}

	if got := f.alpha.callCount(); got != 1 {
		t.Errorf("entry before the failure must run, alpha calls = %d", got)
	}
	if got := f.gamma.callCount(); got != 0 {
		t.Errorf("entries after the failure must not run, gamma calls = %d", got)
	}
	if got := f.checkpoints.restored(); len(got) != 1 || got[0] != "cp-1" {
		t.Errorf("expected restore of cp-1, got %v", got)
	}

	byType := eventsByType(drainEvents(events))
	errs := byType[EventError]
	if len(errs) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(errs))
	}
	payload := errs[0].Payload
	if payload["failing_entry"] != "beta" {
		t.Errorf("failing_entry = %v", payload["failing_entry"])
	}
	if payload["checkpointRestored"] != true {
		t.Errorf("checkpointRestored = %v", payload["checkpointRestored"])
	}
	if payload["state"] != string(StateApplyingChangeset) {
		t.Errorf("error state = %v", payload["state"])
	}
}

func TestCaptureFailureAppliesNothing(t *testing.T) {
	f := defaultFixture()
	f.checkpoints.captureErr = errors.New("disk full")
	orch := f.build(t)

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	err := orch.ApproveProposal()
	if err == nil {
		t.Fatal("expected error when capture fails")
	}
	if got := orch.State(); got != StateError {
		t.Fatalf("expected ERROR, got %s", got)
	}
	if got := f.alpha.callCount(); got != 0 {
		t.Errorf("capture failure must apply nothing, alpha calls = %d", got)
	}
	if got := f.checkpoints.restored(); len(got) != 0 {
		t.Errorf("nothing applied means nothing to restore, got %v", got)
	}
}

func TestRestoreFailureRaisesAlarm(t *testing.T) {
	f := defaultFixture()
	f.alpha.err = errors.New("patch rejected")
	f.checkpoints.restoreErr = errors.New("snapshot corrupt")
	orch := f.build(t)

	var alarmed error
	orch.OnAlarm = func(err error) { alarmed = err }

	events, unsub := orch.Events().Subscribe(64)
	defer unsub()

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	err := orch.ApproveProposal()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "restore also failed") {
		t.Errorf("error must surface the broken rollback: %v", err)
	}
	if alarmed == nil {
		t.Fatal("expected the alarm hook to fire on restore failure")
	}
	if !strings.Contains(alarmed.Error(), "snapshot corrupt") {
		t.Errorf("alarm error = %v", alarmed)
	}

	byType := eventsByType(drainEvents(events))
	errs := byType[EventError]
	if len(errs) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(errs))
	}
	if errs[0].Payload["checkpointRestored"] != false {
		t.Errorf("checkpointRestored = %v", errs[0].Payload["checkpointRestored"])
	}
}

func TestRejectContextRecurate(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.RejectContext(RejectRecurate); err != nil {
		t.Fatalf("RejectContext failed: %v", err)
	}
	if got := orch.State(); got != StateAwaitingContextApproval {
		t.Errorf("expected to park at the context gate again, got %s", got)
	}
	if got := f.curator.callCount(); got != 2 {
		t.Errorf("expected curation to rerun, calls = %d", got)
	}
	if got := len(orch.History(0)); got != 4 {
		t.Errorf("expected 4 transition records, got %d", got)
	}
}

func TestRejectContextAbandon(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)
	events, unsub := orch.Events().Subscribe(64)
	defer unsub()

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.RejectContext(RejectAbandon); err != nil {
		t.Fatalf("RejectContext failed: %v", err)
	}
	if got := orch.State(); got != StateIdle {
		t.Errorf("expected IDLE after abandon, got %s", got)
	}

	byType := eventsByType(drainEvents(events))
	completed := byType[EventCompleted]
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed event, got %d", len(completed))
	}
	summary, _ := completed[0].Payload["summary"].(Summary)
	if summary.Outcome != "abandoned" {
		t.Errorf("expected abandoned outcome, got %q", summary.Outcome)
	}

	// IDLE admits a fresh cycle immediately.
	if err := orch.Start("next goal"); err != nil {
		t.Fatalf("Start after abandon failed: %v", err)
	}
	if got := f.curator.callCount(); got != 2 {
		t.Errorf("expected a fresh curation, calls = %d", got)
	}
}

func TestRejectProposalReplan(t *testing.T) {
	f := defaultFixture()
	client := llm.NewScriptedClient(
		llm.ScriptStep{Response: planResponse()},
		llm.ScriptStep{Response: planResponse()},
	)
	f.client = client
	orch := f.build(t)

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	if err := orch.RejectProposal(RejectReplan); err != nil {
		t.Fatalf("RejectProposal failed: %v", err)
	}
	if got := orch.State(); got != StateAwaitingProposalApproval {
		t.Errorf("expected proposal gate after replan, got %s", got)
	}
	if got := client.CallCount(); got != 2 {
		t.Errorf("replan must issue a fresh plan request, calls = %d", got)
	}
	if got := f.curator.callCount(); got != 1 {
		t.Errorf("replan keeps the approved context, curator calls = %d", got)
	}
}

func TestRejectProposalAbandon(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	if err := orch.RejectProposal(RejectAbandon); err != nil {
		t.Fatalf("RejectProposal failed: %v", err)
	}
	if got := orch.State(); got != StateIdle {
		t.Errorf("expected IDLE after abandon, got %s", got)
	}
	if got := f.alpha.callCount(); got != 0 {
		t.Errorf("abandoned changeset must not run, alpha calls = %d", got)
	}
	if got := f.checkpoints.captureCount(); got != 0 {
		t.Errorf("abandoned changeset must not checkpoint, captures = %d", got)
	}
}

func TestRejectModeValidatedPerGate(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.RejectContext(RejectReplan); err == nil {
		t.Error("replan is not a context gate mode")
	}
	if got := orch.State(); got != StateAwaitingContextApproval {
		t.Errorf("invalid mode must leave state unchanged, got %s", got)
	}

	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	if err := orch.RejectProposal(RejectRecurate); err == nil {
		t.Error("recurate is not a proposal gate mode")
	}
	if got := orch.State(); got != StateAwaitingProposalApproval {
		t.Errorf("invalid mode must leave state unchanged, got %s", got)
	}
}

func TestCurationFailureThenDrainOnNextStart(t *testing.T) {
	f := defaultFixture()
	f.curator.setErr(errors.New("index unavailable"))
	orch := f.build(t)

	err := orch.Start("goal")
	if err == nil {
		t.Fatal("expected curation failure to surface")
	}
	if got := orch.State(); got != StateError {
		t.Fatalf("expected ERROR after curation failure, got %s", got)
	}

	// ERROR admits the next Start by draining to IDLE first.
	f.curator.setErr(nil)
	if err := orch.Start("second goal"); err != nil {
		t.Fatalf("Start after ERROR failed: %v", err)
	}
	if got := orch.State(); got != StateAwaitingContextApproval {
		t.Errorf("expected context gate, got %s", got)
	}

	history := orch.History(0)
	want := []struct {
		from State
		to   State
	}{
		{StateIdle, StateCuratingContext},
		{StateCuratingContext, StateError},
		{StateError, StateIdle},
		{StateIdle, StateCuratingContext},
		{StateCuratingContext, StateAwaitingContextApproval},
	}
	if len(history) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(history))
	}
	for i, step := range want {
		if history[i].From != step.from || history[i].To != step.to {
			t.Errorf("record %d: expected %s → %s, got %s → %s",
				i, step.from, step.to, history[i].From, history[i].To)
		}
	}
}

func TestAbortAtContextGate(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)
	events, unsub := orch.Events().Subscribe(64)
	defer unsub()

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if got := orch.State(); got != StateIdle {
		t.Fatalf("expected IDLE after abort, got %s", got)
	}

	history := orch.History(0)
	if len(history) != 4 {
		t.Fatalf("expected 4 records, got %d", len(history))
	}
	forced := history[2]
	if forced.From != StateAwaitingContextApproval || forced.To != StateError || !forced.Forced {
		t.Errorf("expected forced gate → ERROR record, got %+v", forced)
	}
	if history[3].From != StateError || history[3].To != StateIdle {
		t.Errorf("expected drain record, got %+v", history[3])
	}

	byType := eventsByType(drainEvents(events))
	errs := byType[EventError]
	if len(errs) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(errs))
	}
	if errs[0].Payload["reason"] != "user-abort" {
		t.Errorf("reason = %v", errs[0].Payload["reason"])
	}

	// Abort in IDLE is rejected.
	if err := orch.Abort(); !IsInvalidState(err) {
		t.Errorf("expected InvalidStateError for abort in IDLE, got %v", err)
	}
}

func TestAbortAtProposalGate(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	if err := orch.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if got := orch.State(); got != StateIdle {
		t.Errorf("expected IDLE after abort, got %s", got)
	}
	if got := f.alpha.callCount(); got != 0 {
		t.Errorf("aborted changeset must not run, alpha calls = %d", got)
	}
}

func TestAbortCancelsInFlightPlanning(t *testing.T) {
	f := defaultFixture()
	client := newBlockingClient()
	f.client = client
	orch := f.build(t)

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	approveErr := make(chan error, 1)
	go func() { approveErr <- orch.ApproveContext() }()

	select {
	case <-client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("provider call never started")
	}

	if err := orch.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if got := orch.State(); got != StateIdle {
		t.Fatalf("expected IDLE after abort, got %s", got)
	}

	select {
	case err := <-approveErr:
		if err == nil {
			t.Fatal("expected ApproveContext to fail after abort")
		}
		if !strings.Contains(err.Error(), "user-abort") {
			t.Errorf("expected user-abort reason, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ApproveContext never returned")
	}
}

func TestReflectionDrivesSecondPass(t *testing.T) {
	f := defaultFixture()
	f.client = llm.NewScriptedClient(
		llm.ScriptStep{Response: planResponse()},
		llm.ScriptStep{Response: planResponse()},
	)
	f.reflector = ReflectionFunc(func(summary Summary, _ *CycleContext) bool {
		return summary.Passes >= 2
	})
	orch := f.build(t)

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	if err := orch.ApproveProposal(); err != nil {
		t.Fatalf("ApproveProposal failed: %v", err)
	}

	// Goal judged unmet: back at the context gate on the same cycle.
	if got := orch.State(); got != StateAwaitingContextApproval {
		t.Fatalf("expected context gate for pass 2, got %s", got)
	}
	status := orch.Status()
	if status.Pass != 2 {
		t.Errorf("expected pass 2, got %d", status.Pass)
	}
	if got := f.curator.callCount(); got != 2 {
		t.Errorf("expected recuration for pass 2, calls = %d", got)
	}

	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("pass 2 ApproveContext failed: %v", err)
	}
	if err := orch.ApproveProposal(); err != nil {
		t.Fatalf("pass 2 ApproveProposal failed: %v", err)
	}
	if got := orch.State(); got != StateIdle {
		t.Errorf("expected IDLE after pass 2, got %s", got)
	}
	if got := f.checkpoints.captureCount(); got != 2 {
		t.Errorf("each apply captures a fresh checkpoint, captures = %d", got)
	}
	if got := f.alpha.callCount(); got != 2 {
		t.Errorf("expected alpha applied once per pass, calls = %d", got)
	}
	if got := len(orch.History(0)); got != 15 {
		t.Errorf("expected 15 transition records across both passes, got %d", got)
	}
}

func TestStatusSnapshotAtGates(t *testing.T) {
	f := defaultFixture()
	orch := f.build(t)

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := orch.Status()
	if status.State != StateAwaitingContextApproval {
		t.Errorf("status state = %s", status.State)
	}
	if status.Goal != "goal" || status.Pass != 1 {
		t.Errorf("status = %+v", status)
	}
	if names := status.Selected.Names(); len(names) != 1 || names[0] != "core.module" {
		t.Errorf("selected names = %v", names)
	}

	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	status = orch.Status()
	if status.State != StateAwaitingProposalApproval {
		t.Errorf("status state = %s", status.State)
	}
	if status.Changeset.Size() != 1 {
		t.Errorf("changeset size = %d", status.Changeset.Size())
	}
}
