// Package circuit provides circuit breaker middleware for LLM clients.
// A run of provider failures opens the circuit and sheds calls until a
// probe succeeds, so a dying provider cannot soak the whole cycle in
// retry timeouts.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker's position.
type State int

const (
	Closed   State = iota // normal operation
	Open                  // failing, reject calls
	HalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines breaker thresholds.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold"` // successes to close from half-open
	Timeout          time.Duration `json:"timeout"`           // open duration before probing
}

// DefaultConfig opens after 5 failures and probes after 30s.
//
//nolint:gochecknoglobals // sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          30 * time.Second,
}

// Error reports a call shed by an open circuit.
type Error struct {
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Breaker tracks provider health.
type Breaker interface {
	// Allow reports whether a call may proceed right now.
	Allow() bool
	// Record feeds one call outcome into the state machine.
	Record(success bool)
	// CurrentState returns the breaker position.
	CurrentState() State
	// Reset forces the breaker closed.
	Reset()
}

//nolint:govet // fieldalignment: logical grouping preferred
type breaker struct {
	config       Config
	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
}

// New creates a closed breaker with the given thresholds.
func New(config Config) Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig.Timeout
	}
	return &breaker{config: config, state: Closed}
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailure) >= b.config.Timeout {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}

func (b *breaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailure = time.Now()

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.successCount = 0
	}
}
