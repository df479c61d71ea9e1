package tools

import (
	"sort"
	"strings"
	"sync"
)

// Registry holds the tools available to one orchestrator instance. It is
// instance-scoped so concurrent orchestrators and tests never share state.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool. Registering a name twice replaces the previous
// tool; tool_install refuses built-in names before it gets here.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return NewError(KindInvalidArgs, "", "tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return NewError(KindInvalidArgs, "", "tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	return nil
}

// Unregister removes a tool by name. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, NewError(KindNotFound, name, "tool not registered")
	}
	return tool, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every tool's definition, sorted by name, for
// inclusion in LLM requests.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// PromptDocumentation concatenates every tool's prompt documentation,
// sorted by name, for embedding in system prompts.
func (r *Registry) PromptDocumentation() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		doc := r.tools[name].PromptDocumentation()
		if doc == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(doc)
	}
	return sb.String()
}
