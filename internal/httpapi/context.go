package httpapi

import (
	"context"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/token"
)

type contextKey int

const contextKeyPrincipal contextKey = iota

// SetPrincipalContext returns a new context with the resolved principal
// attached.
func SetPrincipalContext(ctx context.Context, p *token.Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext extracts the principal RequireAuth attached, or nil
// if the request never went through it.
func PrincipalFromContext(ctx context.Context) *token.Principal {
	p, _ := ctx.Value(contextKeyPrincipal).(*token.Principal)
	return p
}
