package tools

import (
	"context"
	"fmt"

	"reploid/pkg/artifact"
)

// The artifact tools are the agent's self-modification surface: every
// changeset entry ultimately lands on one of them.

func artifactKinds() []string {
	return []string{
		string(artifact.KindModule),
		string(artifact.KindPrompt),
		string(artifact.KindNote),
		string(artifact.KindData),
	}
}

// RegisterBuiltins registers the artifact tool surface on the registry.
func RegisterBuiltins(registry *Registry, store *artifact.Store) error {
	builtins := []Tool{
		NewArtifactReadTool(store),
		NewArtifactListTool(store),
		NewArtifactWriteTool(store),
		NewArtifactPatchTool(store),
		NewArtifactDeleteTool(store),
		NewNoteAppendTool(store),
	}
	for _, tool := range builtins {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register %s: %w", tool.Name(), err)
		}
	}
	return nil
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required and must be a non-empty string", key)
	}
	return v, nil
}

// ArtifactReadTool returns one artifact's content and metadata.
type ArtifactReadTool struct {
	store *artifact.Store
}

// NewArtifactReadTool creates a new artifact_read tool.
func NewArtifactReadTool(store *artifact.Store) *ArtifactReadTool {
	return &ArtifactReadTool{store: store}
}

// Name returns the tool name.
func (t *ArtifactReadTool) Name() string {
	return ToolArtifactRead
}

// ReadOnly marks the tool safe for parallel dispatch.
func (t *ArtifactReadTool) ReadOnly() bool {
	return true
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ArtifactReadTool) PromptDocumentation() string {
	return `- **artifact_read** - Read one artifact's full content and metadata
  - Parameters:
    - name (string, REQUIRED): artifact name
  - Read-only; safe to call alongside other reads`
}

// Definition returns the tool definition for LLM.
func (t *ArtifactReadTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolArtifactRead,
		Description: "Read one artifact's full content and metadata by name.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"name": {
					Type:        "string",
					Description: "Artifact name",
				},
			},
			Required: []string{"name"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ArtifactReadTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}

	a, err := t.store.Get(name)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"name":       a.Name,
		"kind":       string(a.Kind),
		"content":    a.Content,
		"version":    a.Version,
		"updated_at": a.UpdatedAt,
	}, nil
}

// ArtifactListTool lists the artifact index, optionally filtered by kind.
type ArtifactListTool struct {
	store *artifact.Store
}

// NewArtifactListTool creates a new artifact_list tool.
func NewArtifactListTool(store *artifact.Store) *ArtifactListTool {
	return &ArtifactListTool{store: store}
}

// Name returns the tool name.
func (t *ArtifactListTool) Name() string {
	return ToolArtifactList
}

// ReadOnly marks the tool safe for parallel dispatch.
func (t *ArtifactListTool) ReadOnly() bool {
	return true
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ArtifactListTool) PromptDocumentation() string {
	return `- **artifact_list** - List all artifacts (name, kind, version, size)
  - Parameters:
    - kind (string, optional): filter to one kind (module|prompt|note|data)
  - Read-only; returns metadata only, use artifact_read for content`
}

// Definition returns the tool definition for LLM.
func (t *ArtifactListTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolArtifactList,
		Description: "List all artifacts with name, kind, version and size. Content is not included.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"kind": {
					Type:        "string",
					Description: "Only list artifacts of this kind",
					Enum:        artifactKinds(),
				},
			},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ArtifactListTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	kindFilter, _ := args["kind"].(string)

	entries := t.store.Index()
	listed := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if kindFilter != "" && string(e.Kind) != kindFilter {
			continue
		}
		listed = append(listed, map[string]any{
			"name":    e.Name,
			"kind":    string(e.Kind),
			"version": e.Version,
			"size":    e.Size,
		})
	}

	return map[string]any{
		"artifacts": listed,
		"count":     len(listed),
	}, nil
}

// ArtifactWriteTool creates an artifact or replaces its content.
type ArtifactWriteTool struct {
	store *artifact.Store
}

// NewArtifactWriteTool creates a new artifact_write tool.
func NewArtifactWriteTool(store *artifact.Store) *ArtifactWriteTool {
	return &ArtifactWriteTool{store: store}
}

// Name returns the tool name.
func (t *ArtifactWriteTool) Name() string {
	return ToolArtifactWrite
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ArtifactWriteTool) PromptDocumentation() string {
	return `- **artifact_write** - Create an artifact or replace its full content
  - Parameters:
    - name (string, REQUIRED): artifact name
    - content (string, REQUIRED): complete new content
    - kind (string, optional): module|prompt|note|data (default: module for new artifacts, unchanged for existing)
  - Bumps the artifact version; prefer artifact_patch for small edits`
}

// Definition returns the tool definition for LLM.
func (t *ArtifactWriteTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolArtifactWrite,
		Description: "Create an artifact or replace its full content. Bumps the version on existing artifacts.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"name": {
					Type:        "string",
					Description: "Artifact name",
				},
				"content": {
					Type:        "string",
					Description: "Complete new content",
				},
				"kind": {
					Type:        "string",
					Description: "Artifact kind",
					Enum:        artifactKinds(),
				},
			},
			Required: []string{"name", "content"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ArtifactWriteTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content is required and must be a string")
	}
	kind, _ := args["kind"].(string)

	a, err := t.store.Put(name, artifact.Kind(kind), content)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"name":    a.Name,
		"kind":    string(a.Kind),
		"version": a.Version,
		"created": a.Version == 1,
	}, nil
}

// ArtifactPatchTool replaces occurrences of a pattern inside an artifact.
type ArtifactPatchTool struct {
	store *artifact.Store
}

// NewArtifactPatchTool creates a new artifact_patch tool.
func NewArtifactPatchTool(store *artifact.Store) *ArtifactPatchTool {
	return &ArtifactPatchTool{store: store}
}

// Name returns the tool name.
func (t *ArtifactPatchTool) Name() string {
	return ToolArtifactPatch
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ArtifactPatchTool) PromptDocumentation() string {
	return `- **artifact_patch** - Replace every occurrence of a literal string inside an artifact
  - Parameters:
    - name (string, REQUIRED): artifact name
    - find (string, REQUIRED): exact text to find (must occur at least once)
    - replace (string, REQUIRED): replacement text (may be empty to delete)
  - Fails without modifying anything when the pattern is absent`
}

// Definition returns the tool definition for LLM.
func (t *ArtifactPatchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolArtifactPatch,
		Description: "Replace every occurrence of a literal string inside an artifact. Fails if the pattern does not occur.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"name": {
					Type:        "string",
					Description: "Artifact name",
				},
				"find": {
					Type:        "string",
					Description: "Exact text to find",
				},
				"replace": {
					Type:        "string",
					Description: "Replacement text, may be empty",
				},
			},
			Required: []string{"name", "find", "replace"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ArtifactPatchTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}
	find, err := stringArg(args, "find")
	if err != nil {
		return nil, err
	}
	replace, ok := args["replace"].(string)
	if !ok {
		return nil, fmt.Errorf("replace is required and must be a string")
	}

	a, replaced, err := t.store.Patch(name, find, replace)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"name":         a.Name,
		"version":      a.Version,
		"replacements": replaced,
	}, nil
}

// ArtifactDeleteTool removes an artifact.
type ArtifactDeleteTool struct {
	store *artifact.Store
}

// NewArtifactDeleteTool creates a new artifact_delete tool.
func NewArtifactDeleteTool(store *artifact.Store) *ArtifactDeleteTool {
	return &ArtifactDeleteTool{store: store}
}

// Name returns the tool name.
func (t *ArtifactDeleteTool) Name() string {
	return ToolArtifactDelete
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ArtifactDeleteTool) PromptDocumentation() string {
	return `- **artifact_delete** - Permanently remove an artifact
  - Parameters:
    - name (string, REQUIRED): artifact name
  - Fails when the artifact does not exist`
}

// Definition returns the tool definition for LLM.
func (t *ArtifactDeleteTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolArtifactDelete,
		Description: "Permanently remove an artifact by name.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"name": {
					Type:        "string",
					Description: "Artifact name",
				},
			},
			Required: []string{"name"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ArtifactDeleteTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}

	if err := t.store.Delete(name); err != nil {
		return nil, err
	}

	return map[string]any{
		"name":    name,
		"deleted": true,
	}, nil
}

// NoteAppendTool appends a line to a note artifact, creating it on first
// use. Notes are how the agent leaves durable observations for later
// cycles without rewriting whole artifacts.
type NoteAppendTool struct {
	store *artifact.Store
}

// NewNoteAppendTool creates a new note_append tool.
func NewNoteAppendTool(store *artifact.Store) *NoteAppendTool {
	return &NoteAppendTool{store: store}
}

// Name returns the tool name.
func (t *NoteAppendTool) Name() string {
	return ToolNoteAppend
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *NoteAppendTool) PromptDocumentation() string {
	return `- **note_append** - Append a line to a note artifact (created on first use)
  - Parameters:
    - name (string, REQUIRED): note artifact name
    - text (string, REQUIRED): text to append as a new line`
}

// Definition returns the tool definition for LLM.
func (t *NoteAppendTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolNoteAppend,
		Description: "Append a line to a note artifact, creating the note on first use.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"name": {
					Type:        "string",
					Description: "Note artifact name",
				},
				"text": {
					Type:        "string",
					Description: "Text to append as a new line",
				},
			},
			Required: []string{"name", "text"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *NoteAppendTool) Exec(_ context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}
	text, err := stringArg(args, "text")
	if err != nil {
		return nil, err
	}

	a, err := t.store.AppendNote(name, text)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"name":    a.Name,
		"version": a.Version,
	}, nil
}
