// Package metrics records cycle and LLM telemetry and exposes it to Prometheus.
package metrics

import (
	"time"
)

// Recorder receives observations from the orchestrator, the LLM middleware
// chain, the tool dispatcher, and the checkpoint store. Implementations must
// be safe for concurrent use.
type Recorder interface {
	// ObserveLLMRequest records a completed LLM call, successful or not.
	// errorType is empty on success.
	ObserveLLMRequest(provider, model, cycleID, state string, promptTokens, completionTokens int64, success bool, errorType string, duration time.Duration)

	// IncRetry counts a retry attempt against a provider.
	IncRetry(provider, model string)

	// ObserveTransition records a state machine transition.
	ObserveTransition(from, to string)

	// IncCycleError counts entry into the error state, labeled by reason.
	IncCycleError(reason string)

	// ObserveToolDispatch records a tool invocation and its outcome.
	ObserveToolDispatch(tool string, success bool, duration time.Duration)

	// ObserveCheckpointOp records a checkpoint capture or restore.
	ObserveCheckpointOp(op string, success bool, duration time.Duration)
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

// Nop returns a recorder that does nothing. Useful for tests and for
// running without a metrics backend.
func Nop() *NoopRecorder {
	return &NoopRecorder{}
}

func (*NoopRecorder) ObserveLLMRequest(_, _, _, _ string, _, _ int64, _ bool, _ string, _ time.Duration) {
}
func (*NoopRecorder) IncRetry(_, _ string)                                  {}
func (*NoopRecorder) ObserveTransition(_, _ string)                         {}
func (*NoopRecorder) IncCycleError(_ string)                                {}
func (*NoopRecorder) ObserveToolDispatch(_ string, _ bool, _ time.Duration) {}
func (*NoopRecorder) ObserveCheckpointOp(_ string, _ bool, _ time.Duration) {}

// TeeRecorder broadcasts every observation to each wrapped recorder.
type TeeRecorder struct {
	recorders []Recorder
}

// Tee fans observations out to every non-nil recorder, so one process can
// feed Prometheus and the in-memory console aggregates from the same
// instrumentation points. Zero recorders degrade to Nop, one to itself.
func Tee(recorders ...Recorder) Recorder {
	kept := make([]Recorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			kept = append(kept, r)
		}
	}
	switch len(kept) {
	case 0:
		return Nop()
	case 1:
		return kept[0]
	default:
		return &TeeRecorder{recorders: kept}
	}
}

func (t *TeeRecorder) ObserveLLMRequest(provider, model, cycleID, state string, promptTokens, completionTokens int64, success bool, errorType string, duration time.Duration) {
	for _, r := range t.recorders {
		r.ObserveLLMRequest(provider, model, cycleID, state, promptTokens, completionTokens, success, errorType, duration)
	}
}

func (t *TeeRecorder) IncRetry(provider, model string) {
	for _, r := range t.recorders {
		r.IncRetry(provider, model)
	}
}

func (t *TeeRecorder) ObserveTransition(from, to string) {
	for _, r := range t.recorders {
		r.ObserveTransition(from, to)
	}
}

func (t *TeeRecorder) IncCycleError(reason string) {
	for _, r := range t.recorders {
		r.IncCycleError(reason)
	}
}

func (t *TeeRecorder) ObserveToolDispatch(tool string, success bool, duration time.Duration) {
	for _, r := range t.recorders {
		r.ObserveToolDispatch(tool, success, duration)
	}
}

func (t *TeeRecorder) ObserveCheckpointOp(op string, success bool, duration time.Duration) {
	for _, r := range t.recorders {
		r.ObserveCheckpointOp(op, success, duration)
	}
}
