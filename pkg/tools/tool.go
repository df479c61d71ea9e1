// Package tools defines the tool surface the agent can invoke during a
// cycle: the Tool interface, schema types sent to LLM providers, an
// instance-scoped registry, and the dispatcher that validates and executes
// calls.
package tools

import (
	"context"

	"reploid/pkg/llm"
)

// Tool name constants.
const (
	ToolArtifactRead   = "artifact_read"
	ToolArtifactWrite  = "artifact_write"
	ToolArtifactList   = "artifact_list"
	ToolArtifactPatch  = "artifact_patch"
	ToolArtifactDelete = "artifact_delete"
	ToolNoteAppend     = "note_append"
	ToolInstall        = "tool_install"
)

// Tool is one dispatchable capability. Implementations hold their own
// dependencies and must be safe for repeated Exec calls.
type Tool interface {
	// Name returns the tool's identifier.
	Name() string
	// Definition returns the schema sent to LLM providers.
	Definition() ToolDefinition
	// PromptDocumentation returns formatted tool documentation for prompts.
	PromptDocumentation() string
	// Exec executes the tool with the given arguments.
	Exec(ctx context.Context, args map[string]any) (map[string]any, error)
}

// ReadOnly is implemented by tools that never mutate state. Changeset
// entries calling read-only tools are marked parallel-safe and may be
// dispatched concurrently.
type ReadOnly interface {
	ReadOnly() bool
}

// IsReadOnly reports whether a tool declares itself read-only.
func IsReadOnly(tool Tool) bool {
	ro, ok := tool.(ReadOnly)
	return ok && ro.ReadOnly()
}

// ToolResult is the transient outcome of one dispatched call. It is
// consumed by the immediate next step (recorded on the cycle context,
// echoed into reflection) and never persisted on its own.
type ToolResult struct {
	Payload map[string]any `json:"payload,omitempty"`
	Tool    string         `json:"tool"`
	Error   string         `json:"error,omitempty"`
	Success bool           `json:"success"`
}

// Result wraps a dispatch outcome into a ToolResult.
func Result(name string, payload map[string]any, err error) ToolResult {
	if err != nil {
		return ToolResult{Tool: name, Success: false, Error: err.Error()}
	}
	return ToolResult{Tool: name, Success: true, Payload: payload}
}

// ToolDefinition describes a tool to an LLM provider. The definition lives
// in pkg/llm (aliased here) so pkg/llm's request types need not import this
// package, which would close an import cycle through pkg/metrics.
type ToolDefinition = llm.ToolDefinition

// InputSchema is a JSON-schema-shaped argument declaration.
type InputSchema = llm.InputSchema

// Property describes one argument.
type Property = llm.Property
