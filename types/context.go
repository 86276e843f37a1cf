package types

import "context"

type requestContextKey struct{}

// WithRequestContext attaches caller identity to ctx for audit and rate-limit keying.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the caller identity attached to ctx, if any.
func RequestContextFrom(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(RequestContext)
	return rc
}
