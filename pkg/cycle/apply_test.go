package cycle

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParallelSafeEntriesRunBounded(t *testing.T) {
	j := &journal{}
	f := defaultFixture()
	f.parallelism = 2
	scanA := &countingTool{name: "scan_a", readOnly: true, journal: j, delay: 50 * time.Millisecond}
	scanB := &countingTool{name: "scan_b", readOnly: true, journal: j, delay: 50 * time.Millisecond}
	for _, tool := range []*countingTool{scanA, scanB} {
		if err := f.registry.Register(tool); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	f.generator.changeset = Changeset{Entries: []ChangeEntry{
		{Tool: "scan_a", Args: map[string]any{}, ParallelSafe: true},
		{Tool: "scan_b", Args: map[string]any{}, ParallelSafe: true},
		{Tool: "scan_a", Args: map[string]any{}, ParallelSafe: true},
		{Tool: "scan_b", Args: map[string]any{}, ParallelSafe: true},
	}}
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
	if got := orch.State(); got != StateIdle {
		t.Fatalf("expected IDLE, got %s", got)
	}

	order, maxActive := j.snapshot()
	if len(order) != 4 {
		t.Fatalf("expected 4 dispatches, got %d", len(order))
	}
	if maxActive != 2 {
		t.Errorf("expected the pool to run exactly 2 entries at once, saw %d", maxActive)
	}
}

func TestMixedChangesetSequencesAroundParallelBatch(t *testing.T) {
	j := &journal{}
	f := defaultFixture()
	writeA := &countingTool{name: "write_a", journal: j}
	writeB := &countingTool{name: "write_b", journal: j}
	scanA := &countingTool{name: "scan_a", readOnly: true, journal: j, delay: 20 * time.Millisecond}
	scanB := &countingTool{name: "scan_b", readOnly: true, journal: j, delay: 20 * time.Millisecond}
	for _, tool := range []*countingTool{writeA, writeB, scanA, scanB} {
		if err := f.registry.Register(tool); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	f.generator.changeset = Changeset{Entries: []ChangeEntry{
		{Tool: "write_a", Args: map[string]any{}},
		{Tool: "scan_a", Args: map[string]any{}, ParallelSafe: true},
		{Tool: "scan_b", Args: map[string]any{}, ParallelSafe: true},
		{Tool: "write_b", Args: map[string]any{}},
	}}
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

	order, _ := j.snapshot()
	if len(order) != 4 {
		t.Fatalf("expected 4 dispatches, got %v", order)
	}
	if order[0] != "write_a" {
		t.Errorf("sequential head must run first, got %v", order)
	}
	if order[3] != "write_b" {
		t.Errorf("sequential tail must run after the batch, got %v", order)
	}
	middle := map[string]bool{order[1]: true, order[2]: true}
	if !middle["scan_a"] || !middle["scan_b"] {
		t.Errorf("batch entries out of position: %v", order)
	}
}

func TestParallelBatchFailureRestores(t *testing.T) {
	f := defaultFixture()
	scanA := &countingTool{name: "scan_a", readOnly: true}
	scanB := &countingTool{name: "scan_b", readOnly: true, err: errors.New("index stale")}
	for _, tool := range []*countingTool{scanA, scanB} {
		if err := f.registry.Register(tool); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	f.generator.changeset = Changeset{Entries: []ChangeEntry{
		{Tool: "scan_a", Args: map[string]any{}, ParallelSafe: true},
		{Tool: "scan_b", Args: map[string]any{}, ParallelSafe: true},
	}}
	orch := f.build(t)

	if err := orch.Start("goal"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := orch.ApproveContext(); err != nil {
		t.Fatalf("ApproveContext failed: %v", err)
	}
	err := orch.ApproveProposal()
	if err == nil {
		t.Fatal("expected batch failure to surface")
	}
	if !strings.Contains(err.Error(), "scan_b") {
		t.Errorf("error must name the failing entry: %v", err)
	}
	if got := orch.State(); got != StateError {
		t.Fatalf("expected ERROR, got %s", got)
	}
	if got := f.checkpoints.restored(); len(got) != 1 {
		t.Errorf("expected one restore, got %v", got)
	}
}

func TestEmptyChangesetStillCheckpointsAndCompletes(t *testing.T) {
	f := defaultFixture()
	f.generator.changeset = Changeset{}
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
	if got := orch.State(); got != StateIdle {
		t.Errorf("expected IDLE, got %s", got)
	}
	// Capture happens on every entry into APPLYING_CHANGESET, even for an
	// empty changeset.
	if got := f.checkpoints.captureCount(); got != 1 {
		t.Errorf("expected one capture, got %d", got)
	}
	if got := f.alpha.callCount(); got != 0 {
		t.Errorf("no entries means no dispatches, got %d", got)
	}
}
