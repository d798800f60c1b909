package auth

import "context"

type principalContextKey struct{}
type claimsContextKey struct{}
type scopeContextKey struct{}

// ResolvedScope is the scope a guarded operation was authorized for.
type ResolvedScope struct {
	Permission string
	Type       ScopeType
	ID         string
	Bypassed   bool
}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", false
	}
	return p.UserID, true
}

// ContextWithClaims stores the verified access-token claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the verified access-token claims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return v, ok && v != nil
}

// ContextWithScope records the scope resolved by the guard.
func ContextWithScope(ctx context.Context, scope ResolvedScope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext returns the scope resolved by the guard for the last requirement.
func ScopeFromContext(ctx context.Context) (ResolvedScope, bool) {
	if ctx == nil {
		return ResolvedScope{}, false
	}
	v, ok := ctx.Value(scopeContextKey{}).(ResolvedScope)
	return v, ok
}
