// Package openai adapts the official OpenAI Go SDK to the llm.Client
// interface, using the Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"reploid/pkg/llm"
	"reploid/pkg/llm/llmerrors"
	"reploid/pkg/tools"
)

// Client wraps the official OpenAI client.
type Client struct {
	client openai.Client
	model  string
}

// New creates a raw OpenAI client; middleware is applied at a higher level.
func New(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ModelName returns the model identifier requests are sent to.
func (c *Client) ModelName() string {
	return c.model
}

// flattenInput folds the system prompt and conversation into the single
// input string the Responses API takes.
func flattenInput(req llm.RequestSpec) string {
	var sb strings.Builder
	if req.System != "" {
		fmt.Fprintf(&sb, "System: %s\n\n", req.System)
	}
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			fmt.Fprintf(&sb, "System: %s\n\n", msg.Content)
		case llm.RoleAssistant:
			fmt.Fprintf(&sb, "Assistant: %s\n\n", msg.Content)
		default:
			sb.WriteString(msg.Content)
			sb.WriteString("\n\n")
		}
	}
	return strings.TrimSuffix(sb.String(), "\n\n")
}

// convertProperty recursively converts a tool property to OpenAI schema
// format.
func convertProperty(prop *tools.Property) map[string]any {
	schema := map[string]any{
		"type":        prop.Type,
		"description": prop.Description,
	}
	if len(prop.Enum) > 0 {
		schema["enum"] = prop.Enum
	}
	if prop.Type == "array" && prop.Items != nil {
		schema["items"] = convertProperty(prop.Items)
	}
	if prop.Type == "object" && prop.Properties != nil {
		properties := make(map[string]any, len(prop.Properties))
		for name, child := range prop.Properties {
			if child != nil {
				properties[name] = convertProperty(child)
			}
		}
		schema["properties"] = properties
	}
	return schema
}

// Call implements llm.Client.
func (c *Client) Call(ctx context.Context, req llm.RequestSpec) (*llm.Response, error) {
	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(req.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(flattenInput(req))},
	}

	if len(req.Tools) > 0 {
		toolParams := make([]responses.ToolUnionParam, len(req.Tools))
		for i := range req.Tools {
			tool := &req.Tools[i]
			properties := make(map[string]any, len(tool.InputSchema.Properties))
			for name := range tool.InputSchema.Properties {
				prop := tool.InputSchema.Properties[name]
				properties[name] = convertProperty(&prop)
			}
			toolParams[i] = responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters: openai.FunctionParameters(map[string]any{
						"type":       "object",
						"properties": properties,
						"required":   tool.InputSchema.Required,
					}),
				},
			}
		}
		params.Tools = toolParams
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp == nil {
		return nil, llmerrors.New(llmerrors.TypeTransient, "empty response from OpenAI Responses API")
	}

	var toolCalls []llm.ToolCall
	for i := range resp.Output {
		item := &resp.Output[i]
		if item.Type != "function_call" {
			// Reasoning and text items are covered by OutputText below.
			continue
		}
		call := item.AsFunctionCall()
		args := map[string]any{}
		if call.Arguments != "" {
			decoded, decodeErr := llm.DecodeObject(call.Arguments)
			if decodeErr != nil {
				return nil, decodeErr
			}
			args = decoded
		}
		toolCalls = append(toolCalls, llm.ToolCall{
			ID:   call.ID,
			Name: call.Name,
			Args: args,
		})
	}

	return &llm.Response{
		Content:    resp.OutputText(),
		ToolCalls:  toolCalls,
		StopReason: "end_turn",
		Usage: llm.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// classifyError maps OpenAI SDK errors to the shared taxonomy.
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

	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		classified := llmerrors.FromStatus(apiErr.StatusCode, apiErr.Error())
		classified.Err = err
		return classified
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "eof"):
		return llmerrors.Wrap(llmerrors.TypeTransient, err, "network or connection error")
	case strings.Contains(errStr, "rate"),
		strings.Contains(errStr, "quota"):
		return llmerrors.Wrap(llmerrors.TypeRateLimit, err, "rate limiting detected")
	}
	return llmerrors.Wrap(llmerrors.TypeUnknown, err, "unclassified provider error")
}
