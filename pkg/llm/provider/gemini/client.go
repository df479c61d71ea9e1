// Package gemini adapts the Google GenAI SDK to the llm.Client interface.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"reploid/pkg/llm"
	"reploid/pkg/llm/llmerrors"
	"reploid/pkg/tools"
)

// Client wraps the Google GenAI client. The SDK client needs a context to
// construct, so creation is deferred to the first Call.
type Client struct {
	client *genai.Client
	apiKey string
	model  string
}

// New creates a raw Gemini client; middleware is applied at a higher level.
func New(apiKey, model string) *Client {
	return &Client{
		apiKey: apiKey,
		model:  model,
	}
}

// ModelName returns the model identifier requests are sent to.
func (c *Client) ModelName() string {
	return c.model
}

// Call implements llm.Client.
func (c *Client) Call(ctx context.Context, req llm.RequestSpec) (*llm.Response, error) {
	if c.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  c.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, llmerrors.Wrap(llmerrors.TypeTransient, err, "failed to create Gemini client")
		}
		c.client = client
	}

	contents, system, err := convertMessages(req)
	if err != nil {
		return nil, llmerrors.Wrap(llmerrors.TypeBadRequest, err, "message conversion failed")
	}

	temperature := req.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}

	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: convertTools(req.Tools)},
		}
		// Force tool use when tools are provided. Gemini may return empty
		// responses when not forced, especially with complex schemas.
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, classifyError(err)
	}
	if result == nil {
		return nil, llmerrors.New(llmerrors.TypeTransient, "empty response from Gemini API")
	}

	resp := &llm.Response{
		Content:    result.Text(),
		StopReason: "end_turn",
	}

	if usage := result.UsageMetadata; usage != nil {
		resp.Usage = llm.Usage{
			InputTokens:  int64(usage.PromptTokenCount),
			OutputTokens: int64(usage.CandidatesTokenCount),
		}
	}

	for _, call := range result.FunctionCalls() {
		// Gemini omits call IDs; fall back to the function name so
		// results can still be matched to calls.
		id := call.ID
		if id == "" {
			id = call.Name
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:   id,
			Name: call.Name,
			Args: call.Args,
		})
	}

	return resp, nil
}

// convertMessages maps conversation turns onto Gemini contents. System
// turns fold into the system instruction; Gemini names the assistant role
// "model".
func convertMessages(req llm.RequestSpec) ([]*genai.Content, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	system := req.System
	var contents []*genai.Content

	for i := range req.Messages {
		msg := &req.Messages[i]

		if msg.Role == llm.RoleSystem {
			if system != "" {
				system += "\n\n" + msg.Content
			} else {
				system = msg.Content
			}
			continue
		}

		var role string
		switch msg.Role {
		case llm.RoleUser:
			role = "user"
		case llm.RoleAssistant:
			role = "model"
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		if msg.Content == "" {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	return contents, system, nil
}

// convertTools maps tool definitions to Gemini function declarations.
func convertTools(defs []tools.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		tool := &defs[i]

		properties := make(map[string]*genai.Schema, len(tool.InputSchema.Properties))
		for name := range tool.InputSchema.Properties {
			prop := tool.InputSchema.Properties[name]
			properties[name] = convertProperty(&prop)
		}

		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   tool.InputSchema.Required,
			},
		}
	}
	return declarations
}

// convertProperty recursively converts a tool property to a Gemini schema.
func convertProperty(prop *tools.Property) *genai.Schema {
	schema := &genai.Schema{
		Description: prop.Description,
	}

	switch prop.Type {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = convertProperty(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if prop.Properties != nil {
			properties := make(map[string]*genai.Schema, len(prop.Properties))
			for name, child := range prop.Properties {
				if child != nil {
					properties[name] = convertProperty(child)
				}
			}
			schema.Properties = properties
		}
	default:
		schema.Type = genai.TypeString
	}

	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}

// classifyError maps GenAI SDK errors to the shared taxonomy.
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

	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		classified := llmerrors.FromStatus(apiErr.Code, apiErr.Message)
		classified.Err = err
		return classified
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "unavailable"):
		return llmerrors.Wrap(llmerrors.TypeTransient, err, "network or connection error")
	case strings.Contains(errStr, "quota"),
		strings.Contains(errStr, "rate"):
		return llmerrors.Wrap(llmerrors.TypeRateLimit, err, "rate limiting detected")
	}
	return llmerrors.Wrap(llmerrors.TypeUnknown, err, "unclassified provider error")
}
