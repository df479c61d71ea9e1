package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// CycleMetrics is the aggregate of LLM activity for one cycle as reported
// by a Prometheus server scraping this process.
type CycleMetrics struct {
	CycleID          string `json:"cycle_id"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Requests         int64  `json:"requests"`
}

// QueryService reads aggregated cycle metrics back out of Prometheus.
// It exists for deployments where cycles outlive the process and the
// in-memory aggregates are gone.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against a Prometheus server.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetCycleMetrics aggregates token and request counts for one cycle across
// every provider and model that served it.
func (q *QueryService) GetCycleMetrics(ctx context.Context, cycleID string) (*CycleMetrics, error) {
	metrics := &CycleMetrics{
		CycleID: cycleID,
	}

	promptQuery := fmt.Sprintf(`sum(reploid_llm_tokens_total{cycle_id=%q, type="prompt"})`, cycleID)
	promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		metrics.PromptTokens = int64(vector[0].Value)
	}

	completionQuery := fmt.Sprintf(`sum(reploid_llm_tokens_total{cycle_id=%q, type="completion"})`, cycleID)
	completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		metrics.CompletionTokens = int64(vector[0].Value)
	}

	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	requestsQuery := fmt.Sprintf(`sum(reploid_llm_requests_total{cycle_id=%q})`, cycleID)
	requestsResult, _, err := q.queryAPI.Query(ctx, requestsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query request count: %w", err)
	}
	if vector, ok := requestsResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Requests = int64(vector[0].Value)
	}

	return metrics, nil
}

// GetCycleMetricsByModel breaks one cycle's token usage down by model.
func (q *QueryService) GetCycleMetricsByModel(ctx context.Context, cycleID string) (map[string]*CycleMetrics, error) {
	result := make(map[string]*CycleMetrics)

	modelsQuery := fmt.Sprintf(`group by (model) (reploid_llm_tokens_total{cycle_id=%q})`, cycleID)
	modelsResult, _, err := q.queryAPI.Query(ctx, modelsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	var models []string
	if vector, ok := modelsResult.(model.Vector); ok {
		for _, sample := range vector {
			if modelName, ok := sample.Metric["model"]; ok {
				models = append(models, string(modelName))
			}
		}
	}

	for _, modelName := range models {
		metrics := &CycleMetrics{
			CycleID: cycleID,
		}

		promptQuery := fmt.Sprintf(`sum(reploid_llm_tokens_total{cycle_id=%q, model=%q, type="prompt"})`, cycleID, modelName)
		promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for model %s: %w", modelName, err)
		}
		if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
			metrics.PromptTokens = int64(vector[0].Value)
		}

		completionQuery := fmt.Sprintf(`sum(reploid_llm_tokens_total{cycle_id=%q, model=%q, type="completion"})`, cycleID, modelName)
		completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for model %s: %w", modelName, err)
		}
		if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
			metrics.CompletionTokens = int64(vector[0].Value)
		}

		metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens
		result[modelName] = metrics
	}

	return result, nil
}
