package handlers

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the authenticated caller as asserted by the upstream
// gateway's identity headers.
type Principal struct {
	UserID uuid.UUID
	Email  string
}

func SetPrincipalInContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func GetPrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}
