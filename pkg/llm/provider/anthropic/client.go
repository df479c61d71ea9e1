// Package anthropic adapts the Anthropic Claude SDK to the llm.Client
// interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"reploid/pkg/llm"
	"reploid/pkg/llm/llmerrors"
)

// Client wraps the Anthropic API client.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a raw Claude client; middleware is applied at a higher level.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// ModelName returns the model identifier requests are sent to.
func (c *Client) ModelName() string {
	return string(c.model)
}

// normalize prepares messages for the Anthropic API: system turns fold
// into the system prompt, consecutive user turns merge, and the sequence
// must start and end with a user turn.
func normalize(req llm.RequestSpec) (system string, merged []llm.Message, err error) {
	if len(req.Messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	systemParts := make([]string, 0, 2)
	if req.System != "" {
		systemParts = append(systemParts, req.System)
	}

	var userParts []string
	flushUser := func() {
		if len(userParts) > 0 {
			merged = append(merged, llm.NewUserMessage(strings.Join(userParts, "\n\n")))
			userParts = nil
		}
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case llm.RoleAssistant:
			flushUser()
			if len(merged) == 0 {
				return "", nil, fmt.Errorf("first message must be user role, got: %s", msg.Role)
			}
			if merged[len(merged)-1].Role == llm.RoleAssistant {
				return "", nil, fmt.Errorf("alternation violation: consecutive assistant messages")
			}
			merged = append(merged, *msg)
		default:
			userParts = append(userParts, msg.Content)
		}
	}
	flushUser()

	if len(merged) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if merged[len(merged)-1].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", merged[len(merged)-1].Role)
	}

	return strings.Join(systemParts, "\n\n"), merged, nil
}

// Call implements llm.Client.
func (c *Client) Call(ctx context.Context, req llm.RequestSpec) (*llm.Response, error) {
	system, normalized, err := normalize(req)
	if err != nil {
		return nil, llmerrors.Wrap(llmerrors.TypeBadRequest, err, "message normalization failed")
	}

	messages := make([]anthropic.MessageParam, 0, len(normalized))
	for i := range normalized {
		msg := &normalized[i]
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: system,
			Type: "text",
		}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for i := range req.Tools {
			tool := &req.Tools[i]

			var properties any
			if len(tool.InputSchema.Properties) > 0 {
				props := make(map[string]any, len(tool.InputSchema.Properties))
				for name := range tool.InputSchema.Properties {
					prop := tool.InputSchema.Properties[name]
					propMap := map[string]any{"type": prop.Type}
					if prop.Description != "" {
						propMap["description"] = prop.Description
					}
					if len(prop.Enum) > 0 {
						propMap["enum"] = prop.Enum
					}
					props[name] = propMap
				}
				properties = props
			}

			schema := anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: properties,
				Required:   tool.InputSchema.Required,
			}
			tools = append(tools, anthropic.ToolUnionParamOfTool(schema, tool.Name))
		}
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{},
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return nil, llmerrors.New(llmerrors.TypeTransient, "received empty response from Claude API")
	}

	var text strings.Builder
	var toolCalls []llm.ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			args, decodeErr := llm.DecodeObject(string(toolUse.Input))
			if decodeErr != nil {
				return nil, decodeErr
			}
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:   toolUse.ID,
				Name: toolUse.Name,
				Args: args,
			})
		}
	}

	return &llm.Response{
		Content:    text.String(),
		ToolCalls:  toolCalls,
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// classifyError maps Anthropic SDK errors to the shared taxonomy.
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

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		classified := llmerrors.FromStatus(apiErr.StatusCode, apiErr.Error())
		classified.Err = err
		return classified
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "network"),
		strings.Contains(errStr, "eof"),
		strings.Contains(errStr, "reset"):
		return llmerrors.Wrap(llmerrors.TypeTransient, err, "network or connection error")
	case strings.Contains(errStr, "rate"),
		strings.Contains(errStr, "quota"):
		return llmerrors.Wrap(llmerrors.TypeRateLimit, err, "rate limiting detected")
	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "api key"):
		return llmerrors.Wrap(llmerrors.TypeAuth, err, "authentication error")
	}
	return llmerrors.Wrap(llmerrors.TypeUnknown, err, "unclassified provider error")
}
