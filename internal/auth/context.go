package auth

import "context"

type sessionContextKey struct{}

// ContextWithSession attaches verified session claims to the context.
func ContextWithSession(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, claims)
}

// SessionFromContext returns the session attached by ContextWithSession.
func SessionFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(sessionContextKey{}).(*Claims)
	return c, ok && c != nil
}
