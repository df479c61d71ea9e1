// Package retry provides backoff retry middleware for LLM clients.
// Only classified-retryable failures (rate limits, 5xx, transport
// timeouts) are re-attempted; everything else fails through on the
// first try.
package retry

import (
	"math"
	"math/rand"
	"time"

	"reploid/pkg/llm/llmerrors"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

// DefaultConfig gives three attempts with 100ms initial backoff doubling
// to a 10s cap.
//
//nolint:gochecknoglobals // sensible default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier decides whether an error allows another attempt.
type Classifier func(error) bool

// Policy combines retry configuration with an error classifier.
type Policy struct {
	Config     Config
	classifier Classifier
}

// NewPolicy creates a retry policy. A nil classifier uses the llmerrors
// taxonomy (foreign errors never retry).
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = llmerrors.IsRetryable
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = DefaultConfig.BackoffFactor
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultConfig.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultConfig.MaxDelay
	}
	return &Policy{Config: config, classifier: classifier}
}

// ShouldRetry reports whether err allows another attempt. Exhausted
// errors never re-enter the loop even though they classify retryable.
func (p *Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if llmerrors.Is(err, llmerrors.TypeExhausted) {
		return false
	}
	return p.classifier(err)
}

// CalculateDelay returns the wait before the given attempt (attempt 2 is
// the first retry): initial * factor^(attempt-2), capped, with optional
// ±10% jitter.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) *
		math.Pow(p.Config.BackoffFactor, float64(attempt-2)))

	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter {
		jitter := 0.9 + 0.2*rand.Float64() //nolint:gosec // jitter needs no crypto rand
		delay = time.Duration(float64(delay) * jitter)
	}

	return delay
}
