package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// PrometheusRecorder implements Recorder using Prometheus counters and
// histograms. Metrics are registered on the registerer passed to the
// constructor, so tests can use an isolated registry.
type PrometheusRecorder struct {
	llmRequests  *prometheus.CounterVec
	llmTokens    *prometheus.CounterVec
	llmDuration  *prometheus.HistogramVec
	llmRetries   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	cycleErrors  *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	checkpoints  *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder registered on reg. A nil reg
// falls back to the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		llmRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reploid_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, cycle, state, and outcome.",
			},
			[]string{"provider", "model", "cycle_id", "state", "status", "error_type"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reploid_llm_tokens_total",
				Help: "Total tokens consumed by LLM requests, split by prompt and completion.",
			},
			[]string{"provider", "model", "cycle_id", "type"},
		),
		llmDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reploid_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model", "status"},
		),
		llmRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reploid_llm_retries_total",
				Help: "Total number of LLM request retry attempts.",
			},
			[]string{"provider", "model"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reploid_cycle_transitions_total",
				Help: "Total number of cycle state transitions.",
			},
			[]string{"from", "to"},
		),
		cycleErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reploid_cycle_errors_total",
				Help: "Total number of cycle failures by reason.",
			},
			[]string{"reason"},
		),
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reploid_tool_dispatches_total",
				Help: "Total number of tool dispatches by tool and outcome.",
			},
			[]string{"tool", "status"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reploid_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"tool"},
		),
		checkpoints: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reploid_checkpoint_ops_total",
				Help: "Total number of checkpoint captures and restores by outcome.",
			},
			[]string{"op", "status"},
		),
	}
}

func statusLabel(success bool) string {
	if success {
		return statusSuccess
	}
	return statusError
}

func (r *PrometheusRecorder) ObserveLLMRequest(provider, model, cycleID, state string, promptTokens, completionTokens int64, success bool, errorType string, duration time.Duration) {
	status := statusLabel(success)
	r.llmRequests.WithLabelValues(provider, model, cycleID, state, status, errorType).Inc()
	r.llmDuration.WithLabelValues(provider, model, status).Observe(duration.Seconds())

	if promptTokens > 0 {
		r.llmTokens.WithLabelValues(provider, model, cycleID, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.llmTokens.WithLabelValues(provider, model, cycleID, "completion").Add(float64(completionTokens))
	}
}

func (r *PrometheusRecorder) IncRetry(provider, model string) {
	r.llmRetries.WithLabelValues(provider, model).Inc()
}

func (r *PrometheusRecorder) ObserveTransition(from, to string) {
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *PrometheusRecorder) IncCycleError(reason string) {
	r.cycleErrors.WithLabelValues(reason).Inc()
}

func (r *PrometheusRecorder) ObserveToolDispatch(tool string, success bool, duration time.Duration) {
	r.toolCalls.WithLabelValues(tool, statusLabel(success)).Inc()
	r.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) ObserveCheckpointOp(op string, success bool, duration time.Duration) {
	r.checkpoints.WithLabelValues(op, statusLabel(success)).Inc()
}
