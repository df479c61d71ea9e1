// Package factory builds LLM clients with the full middleware chain.
package factory

import (
	"fmt"

	"reploid/pkg/config"
	"reploid/pkg/llm"
	"reploid/pkg/llm/circuit"
	"reploid/pkg/llm/provider/anthropic"
	"reploid/pkg/llm/provider/gemini"
	"reploid/pkg/llm/provider/ollamaclient"
	"reploid/pkg/llm/provider/openai"
	"reploid/pkg/llm/retry"
	"reploid/pkg/llm/timeout"
	"reploid/pkg/logx"
	"reploid/pkg/metrics"
)

// Factory creates LLM clients with properly configured middleware chains.
// Circuit breakers are shared per provider so every client created for the
// same provider sees the same health state.
type Factory struct {
	config          config.Config
	metricsRecorder metrics.Recorder
	circuitBreakers map[string]circuit.Breaker
}

// New creates a client factory. A nil recorder disables metrics.
func New(cfg config.Config, recorder metrics.Recorder) *Factory {
	if recorder == nil {
		recorder = metrics.Nop()
	}

	circuitConfig := circuit.Config{
		FailureThreshold: cfg.LLM.Resilience.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.LLM.Resilience.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.LLM.Resilience.CircuitBreaker.Timeout,
	}
	circuitBreakers := make(map[string]circuit.Breaker)
	for _, provider := range []string{
		config.ProviderAnthropic,
		config.ProviderOpenAI,
		config.ProviderGemini,
		config.ProviderOllama,
	} {
		circuitBreakers[provider] = circuit.New(circuitConfig)
	}

	return &Factory{
		config:          cfg,
		metricsRecorder: recorder,
		circuitBreakers: circuitBreakers,
	}
}

// CycleClient creates the client that drives planning and proposal
// generation, labeled with the given cycle info.
func (f *Factory) CycleClient(info metrics.CycleInfo, logger *logx.Logger) (llm.Client, error) {
	return f.CreateClient(f.config.LLM.Model, info, logger)
}

// ReflectionClient creates the client for the reflection step. It falls
// back to the primary model when no reflection model is configured.
func (f *Factory) ReflectionClient(info metrics.CycleInfo, logger *logx.Logger) (llm.Client, error) {
	model := f.config.LLM.ReflectionModel
	if model == "" {
		model = f.config.LLM.Model
	}
	return f.CreateClient(model, info, logger)
}

// CreateClient creates a client for the given model with the full
// middleware chain. Credentials are resolved through the secrets store
// and environment based on the model's provider.
func (f *Factory) CreateClient(modelName string, info metrics.CycleInfo, logger *logx.Logger) (llm.Client, error) {
	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}

	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials for provider %s: %w", provider, err)
	}

	resolved := config.ResolveModelName(modelName)

	var rawClient llm.Client
	switch provider {
	case config.ProviderAnthropic:
		rawClient = anthropic.New(apiKey, resolved)
	case config.ProviderOpenAI:
		rawClient = openai.New(apiKey, resolved)
	case config.ProviderGemini:
		rawClient = gemini.New(apiKey, resolved)
	case config.ProviderOllama:
		rawClient = ollamaclient.New(apiKey, resolved)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	circuitBreaker, exists := f.circuitBreakers[provider]
	if !exists {
		return nil, fmt.Errorf("no circuit breaker found for provider %s", provider)
	}

	retryConfig := retry.Config{
		MaxAttempts:   f.config.LLM.Resilience.Retry.MaxAttempts,
		InitialDelay:  f.config.LLM.Resilience.Retry.InitialDelay,
		MaxDelay:      f.config.LLM.Resilience.Retry.MaxDelay,
		BackoffFactor: f.config.LLM.Resilience.Retry.BackoffFactor,
		Jitter:        f.config.LLM.Resilience.Retry.Jitter,
	}
	retryPolicy := retry.NewPolicy(retryConfig, nil)

	recorder := f.metricsRecorder
	observeRetry := func(_ int) {
		recorder.IncRetry(provider, resolved)
	}

	// Middleware chain, outermost first:
	// Metrics -> CircuitBreaker -> Retry -> Timeout -> RawClient
	client := llm.Chain(rawClient,
		metrics.Middleware(recorder, provider, info, nil, logger),
		circuit.Middleware(circuitBreaker),
		retry.MiddlewareWithObserver(retryPolicy, observeRetry),
		timeout.Middleware(f.config.LLM.Resilience.Timeout),
	)

	return client, nil
}
