package tools

import (
	"context"
	"fmt"

	"reploid/pkg/artifact"
)

// ToolInstallTool turns a manifest artifact into a live dynamic tool.
// This is how the agent extends its own tool surface: write a YAML
// manifest with artifact_write, then install it. The new tool appears in
// the next plan prompt.
type ToolInstallTool struct {
	registry *Registry
	store    *artifact.Store
	runner   SandboxRunner
}

// NewToolInstallTool creates a new tool_install tool.
func NewToolInstallTool(registry *Registry, store *artifact.Store, runner SandboxRunner) *ToolInstallTool {
	return &ToolInstallTool{registry: registry, store: store, runner: runner}
}

// Name returns the tool name.
func (t *ToolInstallTool) Name() string {
	return ToolInstall
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ToolInstallTool) PromptDocumentation() string {
	return `- **tool_install** - Install a new tool from a YAML manifest artifact
  - Parameters:
    - artifact (string, REQUIRED): name of the artifact holding the manifest
  - The manifest declares name, description, runtime, source, and schema;
    the installed tool is callable from the next plan onward
  - Reinstalling a name replaces the previous dynamic tool; built-in
    tools cannot be replaced`
}

// Definition returns the tool definition for LLM.
func (t *ToolInstallTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolInstall,
		Description: "Install a new tool from a YAML manifest stored in an artifact. Built-in tools cannot be replaced.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"artifact": {
					Type:        "string",
					Description: "Name of the artifact holding the YAML tool manifest",
				},
			},
			Required: []string{"artifact"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ToolInstallTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "artifact")
	if err != nil {
		return nil, err
	}

	a, err := t.store.Get(name)
	if err != nil {
		return nil, err
	}

	spec, err := ParseManifest([]byte(a.Content))
	if err != nil {
		return nil, err
	}

	// Only dynamic tools may be replaced by a reinstall.
	if existing, getErr := t.registry.Get(spec.Name); getErr == nil {
		if _, dynamic := existing.(*DynamicTool); !dynamic {
			return nil, fmt.Errorf("tool %s is built in and cannot be replaced", spec.Name)
		}
	}

	tool, err := NewDynamicTool(spec, t.runner)
	if err != nil {
		return nil, err
	}
	if err := t.registry.Register(tool); err != nil {
		return nil, err
	}

	return map[string]any{
		"tool":      spec.Name,
		"runtime":   spec.Runtime,
		"installed": true,
	}, nil
}
