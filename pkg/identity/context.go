package identity

import (
	"context"

	"github.com/opsgate/opsgate/pkg/fault"
)

type ctxKey struct{}

// WithCaller attaches the authenticated caller to the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// CallerFrom extracts the authenticated caller. Handlers behind the auth
// middleware can rely on it; anywhere else it errors rather than returning
// a zero caller.
func CallerFrom(ctx context.Context) (Caller, error) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	if !ok {
		return Caller{}, fault.New(fault.MissingPermission, "no authenticated caller in context")
	}
	return c, nil
}
