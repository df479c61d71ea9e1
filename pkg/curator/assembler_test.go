package curator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reploid/pkg/artifact"
	"reploid/pkg/cycle"
	"reploid/pkg/tools"
)

// stubTool is the minimal registrable tool for assembler and generator
// tests.
type stubTool struct {
	name     string
	schema   tools.InputSchema
	readOnly bool
}

func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Definition() tools.ToolDefinition {
	schema := s.schema
	if schema.Type == "" {
		schema.Type = "object"
	}
	return tools.ToolDefinition{Name: s.name, Description: s.name + " stub", InputSchema: schema}
}

func (s *stubTool) PromptDocumentation() string {
	return "- " + s.name + ": stub tool"
}

func (s *stubTool) Exec(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func (s *stubTool) ReadOnly() bool { return s.readOnly }

func newTestRegistry(t *testing.T, toolset ...*stubTool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range toolset {
		require.NoError(t, reg.Register(tool))
	}
	return reg
}

func TestNewAssemblerValidation(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := NewAssembler(nil, "claude-sonnet-4", 4096, 0)
	assert.Error(t, err)

	_, err = NewAssembler(reg, "", 4096, 0)
	assert.Error(t, err)

	a, err := NewAssembler(reg, "claude-sonnet-4", 0, 0)
	require.NoError(t, err)
	spec, err := a.Assemble(cycle.TemplatePlan, cycle.SelectedContext{}, "goal")
	require.NoError(t, err)
	assert.Equal(t, 4096, spec.MaxTokens)
}

func TestAssembleRendersGoalArtifactsAndTools(t *testing.T) {
	reg := newTestRegistry(t,
		&stubTool{name: "artifact_read", readOnly: true},
		&stubTool{name: "artifact_write"},
	)
	a, err := NewAssembler(reg, "claude-sonnet-4", 8192, 0.2)
	require.NoError(t, err)

	selected := cycle.SelectedContext{
		Artifacts: []artifact.Artifact{
			{Name: "retry.module", Kind: artifact.KindModule, Version: 3, Content: "backoff with jitter"},
		},
		Rationale:  "selected 1 of 1 artifacts",
		TokenCount: 42,
	}

	spec, err := a.Assemble(cycle.TemplatePlan, selected, "tighten the retry policy")
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4", spec.Model)
	assert.Equal(t, 8192, spec.MaxTokens)
	assert.InDelta(t, 0.2, spec.Temperature, 0.001)

	assert.Contains(t, spec.System, "artifact_read")
	assert.Contains(t, spec.System, "artifact_write")

	require.Len(t, spec.Messages, 1)
	prompt := spec.Messages[0].Content
	assert.Contains(t, prompt, "tighten the retry policy")
	assert.Contains(t, prompt, "retry.module")
	assert.Contains(t, prompt, "backoff with jitter")
	assert.Contains(t, prompt, "selected 1 of 1 artifacts")

	require.Len(t, spec.Tools, 2)
	assert.Equal(t, "artifact_read", spec.Tools[0].Name)
	assert.Equal(t, "artifact_write", spec.Tools[1].Name)
}

func TestAssembleEmptySelection(t *testing.T) {
	reg := newTestRegistry(t, &stubTool{name: "artifact_list", readOnly: true})
	a, err := NewAssembler(reg, "claude-sonnet-4", 4096, 0)
	require.NoError(t, err)

	spec, err := a.Assemble(cycle.TemplatePlan, cycle.SelectedContext{}, "bootstrap")
	require.NoError(t, err)
	assert.Contains(t, spec.Messages[0].Content, "No artifacts were selected")
}

func TestAssembleUnknownTemplate(t *testing.T) {
	reg := newTestRegistry(t)
	a, err := NewAssembler(reg, "claude-sonnet-4", 4096, 0)
	require.NoError(t, err)

	_, err = a.Assemble("retrospective", cycle.SelectedContext{}, "goal")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retrospective")
}

func TestAssembleSeesToolsRegisteredAfterConstruction(t *testing.T) {
	reg := newTestRegistry(t, &stubTool{name: "artifact_read", readOnly: true})
	a, err := NewAssembler(reg, "claude-sonnet-4", 4096, 0)
	require.NoError(t, err)

	spec, err := a.Assemble(cycle.TemplatePlan, cycle.SelectedContext{}, "goal")
	require.NoError(t, err)
	require.Len(t, spec.Tools, 1)

	require.NoError(t, reg.Register(&stubTool{name: "lint_run"}))

	spec, err = a.Assemble(cycle.TemplatePlan, cycle.SelectedContext{}, "goal")
	require.NoError(t, err)
	require.Len(t, spec.Tools, 2)
	assert.Contains(t, spec.System, "lint_run")
}

func TestAssembleIsDeterministic(t *testing.T) {
	reg := newTestRegistry(t, &stubTool{name: "artifact_read", readOnly: true})
	a, err := NewAssembler(reg, "claude-sonnet-4", 4096, 0)
	require.NoError(t, err)

	selected := cycle.SelectedContext{
		Artifacts: []artifact.Artifact{{Name: "a.note", Kind: artifact.KindNote, Version: 1, Content: "x"}},
		Rationale: "r",
	}
	first, err := a.Assemble(cycle.TemplatePlan, selected, "goal")
	require.NoError(t, err)
	second, err := a.Assemble(cycle.TemplatePlan, selected, "goal")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
