package auth

import "context"

type ctxKey string

const principalKey ctxKey = "auth_principal"

// ContextWithPrincipal stores the verified identity in the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the verified identity, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.AccountID == "" {
		return Principal{}, false
	}
	return p, true
}
