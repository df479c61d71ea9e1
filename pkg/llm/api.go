// Package llm defines the provider-neutral request/response model and the
// Client interface the cycle orchestrator calls. Provider adapters live in
// pkg/llm/provider; resilience middleware in pkg/llm/retry, pkg/llm/timeout
// and pkg/llm/circuit composes over Client via Chain.
package llm

import (
	"context"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolCall is one tool invocation requested by the model. Args are
// decoded (and repaired if needed) by the provider adapter.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolDefinition describes a tool to an LLM provider. It is defined here
// (and aliased in pkg/tools) so the request types do not import pkg/tools,
// which would close an import cycle through pkg/metrics.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// InputSchema is a JSON-schema-shaped argument declaration.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one argument.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
}

// RequestSpec is one outbound model request: history, generation
// parameters and tool declarations. Adapters translate it into the
// provider SDK's payload.
//
//nolint:govet // fieldalignment: logical grouping preferred
type RequestSpec struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float32          `json:"temperature"`
}

// Usage carries token accounting when the provider reports it.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the provider's reply, already normalized.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

// Kind classifies a response for the orchestrator.
type Kind string

const (
	// KindPlan means the model requested one or more tool invocations.
	KindPlan Kind = "plan"
	// KindFinalText means the model answered in prose only.
	KindFinalText Kind = "final_text"
)

// Kind reports whether the response is a plan or final text.
func (r *Response) Kind() Kind {
	if len(r.ToolCalls) > 0 {
		return KindPlan
	}
	return KindFinalText
}

// Client is one outbound-call surface over a model provider. Call blocks
// until the provider answers, the context is cancelled, or the wrapped
// middleware gives up; errors are classified per pkg/llm/llmerrors.
type Client interface {
	Call(ctx context.Context, req RequestSpec) (*Response, error)
	ModelName() string
}

// NewSystemMessage builds a system-role message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage builds a user-role message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage builds an assistant-role message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
