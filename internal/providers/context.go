package providers

import "context"

type requestIDKey struct{}

// WithRequestID tags ctx with the router request ID. Backend calls made
// under ctx forward it as X-Request-ID and record it on their span.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
