package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient is a controllable Client for tests: it replays a fixed
// sequence of step outcomes, one per Call. A step with Err set fails;
// otherwise its Response is returned.
type ScriptedClient struct {
	mu    sync.Mutex
	steps []ScriptStep
	index int
	calls []RequestSpec
}

// ScriptStep is one scripted Call outcome.
type ScriptStep struct {
	Response *Response
	Err      error
}

// NewScriptedClient creates a client that replays steps in order.
func NewScriptedClient(steps ...ScriptStep) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

// Call returns the next scripted outcome and records the request.
func (s *ScriptedClient) Call(_ context.Context, req RequestSpec) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req)

	if s.index >= len(s.steps) {
		return nil, fmt.Errorf("scripted client: no step for call %d", s.index+1)
	}
	step := s.steps[s.index]
	s.index++

	if step.Err != nil {
		return nil, step.Err
	}
	if step.Response == nil {
		return &Response{}, nil
	}
	return step.Response, nil
}

// ModelName identifies the fake in logs and metrics labels.
func (s *ScriptedClient) ModelName() string {
	return "scripted"
}

// Calls returns a copy of every request seen so far.
func (s *ScriptedClient) Calls() []RequestSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RequestSpec, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount reports how many times Call has run.
func (s *ScriptedClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
