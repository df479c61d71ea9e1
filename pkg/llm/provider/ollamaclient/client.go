// Package ollamaclient adapts the Ollama API client to the llm.Client
// interface, for running cycles against local models.
package ollamaclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"reploid/pkg/llm"
	"reploid/pkg/llm/llmerrors"
	"reploid/pkg/tools"
)

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// New creates a raw Ollama client against hostURL, for example
// "http://localhost:11434". An unparseable URL falls back to the default
// local server.
func New(hostURL, model string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

// ModelName returns the model identifier requests are sent to.
func (c *Client) ModelName() string {
	return c.model
}

// Call implements llm.Client.
func (c *Client) Call(ctx context.Context, req llm.RequestSpec) (*llm.Response, error) {
	messages, err := convertMessages(req)
	if err != nil {
		return nil, llmerrors.Wrap(llmerrors.TypeBadRequest, err, "message conversion failed")
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	var last api.ChatResponse
	err = c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return nil, classifyError(err)
	}

	resp := &llm.Response{
		Content:    last.Message.Content,
		StopReason: stopReason(&last),
		Usage: llm.Usage{
			InputTokens:  int64(last.Metrics.PromptEvalCount),
			OutputTokens: int64(last.Metrics.EvalCount),
		},
	}

	for i := range last.Message.ToolCalls {
		call := &last.Message.ToolCalls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:   id,
			Name: call.Function.Name,
			Args: map[string]any(call.Function.Arguments),
		})
	}

	return resp, nil
}

// convertMessages maps conversation turns onto Ollama messages. Ollama
// accepts the system role directly, so the system prompt leads the list.
func convertMessages(req llm.RequestSpec) ([]api.Message, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, api.Message{Role: "system", Content: req.System})
	}
	for i := range req.Messages {
		msg := &req.Messages[i]
		result = append(result, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return result, nil
}

// convertTools maps tool definitions to Ollama's tool format.
func convertTools(defs []tools.ToolDefinition) api.Tools {
	ollamaTools := make(api.Tools, len(defs))
	for i := range defs {
		tool := &defs[i]

		properties := make(map[string]api.ToolProperty, len(tool.InputSchema.Properties))
		for name := range tool.InputSchema.Properties {
			prop := tool.InputSchema.Properties[name]
			properties[name] = convertProperty(&prop)
		}

		ollamaTools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       tool.InputSchema.Type,
					Properties: properties,
					Required:   tool.InputSchema.Required,
				},
			},
		}
	}
	return ollamaTools
}

// convertProperty maps one tool property to Ollama format.
func convertProperty(prop *tools.Property) api.ToolProperty {
	converted := api.ToolProperty{
		Type:        api.PropertyType{prop.Type},
		Description: prop.Description,
	}

	if len(prop.Enum) > 0 {
		enumVals := make([]any, len(prop.Enum))
		for i, v := range prop.Enum {
			enumVals[i] = v
		}
		converted.Enum = enumVals
	}

	if prop.Items != nil {
		converted.Items = convertProperty(prop.Items)
	}
	return converted
}

// stopReason converts Ollama's done_reason to the shared vocabulary.
func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyError maps Ollama errors to the shared taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.Wrap(llmerrors.TypeTimeout, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return llmerrors.Cancelled(err)
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode != 0 {
		classified := llmerrors.FromStatus(statusErr.StatusCode, statusErr.Error())
		classified.Err = err
		return classified
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.Wrap(llmerrors.TypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "not found") && strings.Contains(errStr, "model"):
		return llmerrors.Wrap(llmerrors.TypeBadRequest, err, "Ollama model not found")
	case strings.Contains(errStr, "timeout"):
		return llmerrors.Wrap(llmerrors.TypeTransient, err, "request timeout")
	}
	return llmerrors.Wrap(llmerrors.TypeUnknown, err, "unclassified provider error")
}
