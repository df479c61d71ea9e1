package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DynamicSpec describes an agent-authored tool: name, schema and program
// source. Specs are written as YAML manifests, installed at runtime, and
// dispatch exactly like built-in tools.
type DynamicSpec struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Runtime     string      `yaml:"runtime" json:"runtime"`
	Source      string      `yaml:"source" json:"source"`
	Schema      InputSchema `yaml:"schema" json:"schema"`
}

// SandboxRunner executes a dynamic tool's program in an isolated
// execution context. Runners honor the same contract as Tool.Exec: a
// JSON-object result on success, an error otherwise.
type SandboxRunner interface {
	Run(ctx context.Context, spec DynamicSpec, args map[string]any) (map[string]any, error)
}

// ParseManifest parses and validates one YAML tool manifest.
func ParseManifest(data []byte) (DynamicSpec, error) {
	var spec DynamicSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return DynamicSpec{}, fmt.Errorf("failed to parse tool manifest: %w", err)
	}
	if err := validateSpec(&spec); err != nil {
		return DynamicSpec{}, err
	}
	return spec, nil
}

func validateSpec(spec *DynamicSpec) error {
	if err := validateToolName(spec.Name); err != nil {
		return err
	}
	if spec.Description == "" {
		return fmt.Errorf("tool %s: description is required", spec.Name)
	}
	if strings.TrimSpace(spec.Runtime) == "" {
		return fmt.Errorf("tool %s: runtime is required", spec.Name)
	}
	if strings.TrimSpace(spec.Source) == "" {
		return fmt.Errorf("tool %s: source is required", spec.Name)
	}
	if spec.Schema.Type == "" {
		spec.Schema.Type = "object"
	}
	if spec.Schema.Type != "object" {
		return fmt.Errorf("tool %s: schema type must be object, got %q", spec.Name, spec.Schema.Type)
	}
	for _, required := range spec.Schema.Required {
		if _, ok := spec.Schema.Properties[required]; !ok {
			return fmt.Errorf("tool %s: required argument %q is not declared", spec.Name, required)
		}
	}
	return nil
}

// validateToolName enforces lowercase snake_case names so dynamic tools
// look like built-ins to the model.
func validateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("tool name %q exceeds 64 characters", name)
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return fmt.Errorf("tool name %q contains invalid character %q", name, r)
	}
	return nil
}

// DynamicTool adapts a DynamicSpec into a dispatchable Tool by routing
// execution through a SandboxRunner.
type DynamicTool struct {
	runner SandboxRunner
	spec   DynamicSpec
}

// NewDynamicTool creates a tool from a validated spec and a runner.
func NewDynamicTool(spec DynamicSpec, runner SandboxRunner) (*DynamicTool, error) {
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, fmt.Errorf("tool %s: sandbox runner is required", spec.Name)
	}
	return &DynamicTool{spec: spec, runner: runner}, nil
}

// InstallManifest parses a YAML manifest and registers the resulting
// tool. Installing a name twice replaces the previous tool.
func InstallManifest(registry *Registry, manifest []byte, runner SandboxRunner) (*DynamicTool, error) {
	spec, err := ParseManifest(manifest)
	if err != nil {
		return nil, err
	}
	tool, err := NewDynamicTool(spec, runner)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(tool); err != nil {
		return nil, err
	}
	return tool, nil
}

// Name returns the tool name.
func (t *DynamicTool) Name() string {
	return t.spec.Name
}

// Spec returns a copy of the underlying spec.
func (t *DynamicTool) Spec() DynamicSpec {
	return t.spec
}

// Definition returns the tool definition for LLM.
func (t *DynamicTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.spec.Name,
		Description: t.spec.Description,
		InputSchema: t.spec.Schema,
	}
}

// PromptDocumentation renders documentation from the spec in the same
// shape the built-in tools use.
func (t *DynamicTool) PromptDocumentation() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- **%s** - %s", t.spec.Name, t.spec.Description)

	if len(t.spec.Schema.Properties) > 0 {
		sb.WriteString("\n  - Parameters:")

		required := make(map[string]bool, len(t.spec.Schema.Required))
		for _, name := range t.spec.Schema.Required {
			required[name] = true
		}

		names := make([]string, 0, len(t.spec.Schema.Properties))
		for name := range t.spec.Schema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			prop := t.spec.Schema.Properties[name]
			marker := "optional"
			if required[name] {
				marker = "REQUIRED"
			}
			fmt.Fprintf(&sb, "\n    - %s (%s, %s): %s", name, prop.Type, marker, prop.Description)
		}
	}
	return sb.String()
}

// Exec executes the tool program through the sandbox runner.
func (t *DynamicTool) Exec(ctx context.Context, args map[string]any) (map[string]any, error) {
	return t.runner.Run(ctx, t.spec, args)
}
