package metrics

import (
	"context"
	"time"

	"reploid/pkg/llm"
	"reploid/pkg/llm/llmerrors"
	"reploid/pkg/logx"
)

// CycleInfo supplies the cycle labels attached to each LLM observation.
// The orchestrator implements it; tests can use fixed values.
type CycleInfo interface {
	CycleID() string
	StateName() string
}

// StaticCycleInfo is a CycleInfo with fixed values, for wiring the chain
// before an orchestrator exists and for tests.
type StaticCycleInfo struct {
	ID    string
	State string
}

func (s StaticCycleInfo) CycleID() string   { return s.ID }
func (s StaticCycleInfo) StateName() string { return s.State }

// UsageExtractor pulls token counts out of a completed request.
type UsageExtractor func(spec llm.RequestSpec, resp *llm.Response) (promptTokens, completionTokens int64)

// DefaultUsageExtractor prefers provider-reported usage and falls back to a
// rough character-based estimate when the provider returns none.
func DefaultUsageExtractor(spec llm.RequestSpec, resp *llm.Response) (int64, int64) {
	if resp == nil {
		return 0, 0
	}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		return resp.Usage.InputTokens, resp.Usage.OutputTokens
	}

	promptChars := len(spec.System)
	for i := range spec.Messages {
		promptChars += len(spec.Messages[i].Content) + 1
	}
	return estimateTokens(promptChars), estimateTokens(len(resp.Content))
}

// estimateTokens approximates tokens from character count. Four characters
// per token is close enough for dashboards.
func estimateTokens(chars int) int64 {
	return int64(chars / 4)
}

// Middleware observes every call flowing through the chain: latency, token
// usage, and success or failure with the classified error type. Place it
// outermost so retries and circuit sheds appear as part of one request.
func Middleware(recorder Recorder, provider string, info CycleInfo, extract UsageExtractor, logger *logx.Logger) llm.Middleware {
	if extract == nil {
		extract = DefaultUsageExtractor
	}
	if info == nil {
		info = StaticCycleInfo{}
	}

	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, spec llm.RequestSpec) (*llm.Response, error) {
				start := time.Now()
				resp, err := next.Call(ctx, spec)
				duration := time.Since(start)

				var promptTokens, completionTokens int64
				if err == nil {
					promptTokens, completionTokens = extract(spec, resp)
				}

				errorType := ""
				if err != nil {
					errorType = llmerrors.TypeOf(err).String()
				}

				cycleID := info.CycleID()
				state := info.StateName()

				recorder.ObserveLLMRequest(
					provider,
					next.ModelName(),
					cycleID,
					state,
					promptTokens,
					completionTokens,
					err == nil,
					errorType,
					duration,
				)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Debug("llm request: provider=%s model=%s cycle=%s state=%s tokens=%d+%d status=%s duration=%dms",
						provider, next.ModelName(), cycleID, state, promptTokens, completionTokens, status, duration.Milliseconds())
				}

				return resp, err
			},
			next.ModelName,
		)
	}
}
