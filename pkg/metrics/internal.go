package metrics

import (
	"sync"
	"time"
)

// CycleUsage is the in-memory aggregate of LLM activity for one cycle.
type CycleUsage struct {
	CycleID          string    `json:"cycle_id"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	Requests         int64     `json:"requests"`
	Failures         int64     `json:"failures"`
	LastUpdated      time.Time `json:"last_updated"`
}

// InMemoryRecorder aggregates per-cycle usage without an external metrics
// backend. The console reads it to show token spend for running and past
// cycles.
type InMemoryRecorder struct {
	mu           sync.RWMutex
	cycles       map[string]*CycleUsage
	totalRetries int64
}

// NewInMemoryRecorder creates an empty in-memory recorder.
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{
		cycles: make(map[string]*CycleUsage),
	}
}

func (r *InMemoryRecorder) ObserveLLMRequest(_, _, cycleID, _ string, promptTokens, completionTokens int64, success bool, _ string, _ time.Duration) {
	if cycleID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	usage := r.cycle(cycleID)
	usage.Requests++
	if !success {
		usage.Failures++
	}
	usage.PromptTokens += promptTokens
	usage.CompletionTokens += completionTokens
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	usage.LastUpdated = time.Now()
}

func (r *InMemoryRecorder) IncRetry(_, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRetries++
}

// TotalRetries returns the number of retry attempts seen across all cycles.
func (r *InMemoryRecorder) TotalRetries() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalRetries
}

func (r *InMemoryRecorder) ObserveTransition(_, _ string)                       {}
func (r *InMemoryRecorder) IncCycleError(_ string)                              {}
func (r *InMemoryRecorder) ObserveToolDispatch(_ string, _ bool, _ time.Duration) {}
func (r *InMemoryRecorder) ObserveCheckpointOp(_ string, _ bool, _ time.Duration) {}

// cycle returns the usage record for cycleID, creating it if needed.
// Caller must hold the write lock.
func (r *InMemoryRecorder) cycle(cycleID string) *CycleUsage {
	usage, ok := r.cycles[cycleID]
	if !ok {
		usage = &CycleUsage{CycleID: cycleID}
		r.cycles[cycleID] = usage
	}
	return usage
}

// Usage returns a copy of the aggregate for one cycle, or nil if the cycle
// has no recorded activity.
func (r *InMemoryRecorder) Usage(cycleID string) *CycleUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	usage, ok := r.cycles[cycleID]
	if !ok {
		return nil
	}
	clone := *usage
	return &clone
}

// AllUsage returns copies of every cycle aggregate.
func (r *InMemoryRecorder) AllUsage() map[string]*CycleUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*CycleUsage, len(r.cycles))
	for id, usage := range r.cycles {
		clone := *usage
		result[id] = &clone
	}
	return result
}

// Reset drops all aggregates.
func (r *InMemoryRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = make(map[string]*CycleUsage)
	r.totalRetries = 0
}
