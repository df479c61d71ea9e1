package llm

import "context"

// Middleware wraps a Client with additional behavior (metrics, circuit
// breaking, retry, timeout).
type Middleware func(next Client) Client

// clientFunc adapts plain functions to the Client interface.
type clientFunc struct {
	call      func(ctx context.Context, req RequestSpec) (*Response, error)
	modelName func() string
}

func (c *clientFunc) Call(ctx context.Context, req RequestSpec) (*Response, error) {
	return c.call(ctx, req)
}

func (c *clientFunc) ModelName() string {
	return c.modelName()
}

// WrapClient builds a Client from function implementations. Middleware
// uses it to override Call while delegating ModelName.
func WrapClient(
	call func(ctx context.Context, req RequestSpec) (*Response, error),
	modelName func() string,
) Client {
	return &clientFunc{call: call, modelName: modelName}
}

// Chain applies middlewares to a base client. The first middleware is
// outermost: Chain(base, m1, m2) yields m1(m2(base)).
func Chain(base Client, middlewares ...Middleware) Client {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}
