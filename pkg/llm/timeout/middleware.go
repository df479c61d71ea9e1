// Package timeout provides per-request timeout middleware for LLM
// clients. An expired per-request deadline classifies as a retryable
// transport timeout; cancellation of the cycle's own context does not.
package timeout

import (
	"context"
	"errors"
	"time"

	"reploid/pkg/llm"
	"reploid/pkg/llm/llmerrors"
)

// Middleware wraps each call in its own deadline. A non-positive
// duration leaves calls unbounded.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.Client) llm.Client {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.RequestSpec) (*llm.Response, error) {
				callCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				resp, err := next.Call(callCtx, req)
				if err == nil {
					return resp, nil
				}

				if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
					if ctx.Err() == nil {
						// Only this request's deadline fired; the cycle
						// is still live, so the retry layer may re-attempt.
						return nil, llmerrors.Wrap(llmerrors.TypeTimeout, err,
							"request exceeded %s", duration)
					}
					return nil, llmerrors.Cancelled(ctx.Err())
				}
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return nil, llmerrors.Cancelled(ctx.Err())
				}

				return nil, err
			},
			next.ModelName,
		)
	}
}
