package circuit

import (
	"context"

	"reploid/pkg/llm"
	"reploid/pkg/llm/llmerrors"
)

// Middleware sheds calls while the breaker is open. Cancellations do not
// count against provider health; everything else does.
func Middleware(breaker Breaker) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.RequestSpec) (*llm.Response, error) {
				if !breaker.Allow() {
					return nil, &Error{State: breaker.CurrentState()}
				}

				resp, err := next.Call(ctx, req)

				if err != nil && llmerrors.Is(err, llmerrors.TypeCancelled) {
					// The operator aborted; says nothing about the provider.
					return nil, err
				}
				breaker.Record(err == nil)

				return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			next.ModelName,
		)
	}
}
