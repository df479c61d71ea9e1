package retry

import (
	"context"
	"time"

	"reploid/pkg/llm"
	"reploid/pkg/llm/llmerrors"
)

// Observer is notified before each re-attempt. attempt is the number of the
// attempt about to run (2 for the first retry).
type Observer func(attempt int)

// Middleware returns retry middleware driven by the given policy. The
// cycle's cancellation context is honored before every sleep and around
// every call; a response landing after cancellation is discarded rather
// than acted on.
func Middleware(policy *Policy) llm.Middleware {
	return MiddlewareWithObserver(policy, nil)
}

// MiddlewareWithObserver is Middleware with a hook that fires before each
// re-attempt, used to count retries in metrics.
func MiddlewareWithObserver(policy *Policy, observe Observer) llm.Middleware {
	if policy == nil {
		policy = NewPolicy(DefaultConfig, nil)
	}

	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.RequestSpec) (*llm.Response, error) {
				var lastErr error

				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					if attempt > 1 {
						delay := policy.CalculateDelay(attempt)
						select {
						case <-ctx.Done():
							return nil, llmerrors.Cancelled(ctx.Err())
						case <-time.After(delay):
						}
						if observe != nil {
							observe(attempt)
						}
					}

					if err := ctx.Err(); err != nil {
						return nil, llmerrors.Cancelled(err)
					}

					resp, err := next.Call(ctx, req)

					// Cooperative cancellation: a call that completed
					// after the token fired is discarded.
					if ctxErr := ctx.Err(); ctxErr != nil {
						return nil, llmerrors.Cancelled(ctxErr)
					}

					if err == nil {
						return resp, nil
					}

					lastErr = err
					if !policy.ShouldRetry(err) {
						break
					}
				}

				if policy.ShouldRetry(lastErr) {
					// Attempts spent on a retryable failure.
					return nil, llmerrors.Exhausted(policy.Config.MaxAttempts, lastErr)
				}
				return nil, lastErr
			},
			next.ModelName,
		)
	}
}
