package rest

import (
	"context"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/security"
)

type ctxKeyPrincipal struct{}

func withPrincipal(ctx context.Context, p security.Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal{}, p)
}

// GetPrincipal returns the identity resolved by IdentityMiddleware.
func GetPrincipal(ctx context.Context) (security.Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal{}).(security.Principal)
	if !ok || p.Identity.IsZero() {
		return security.Principal{}, false
	}
	return p, true
}
