package rbac

import "context"

type authzContextKey struct{}

// ContextWithAuthz stores the authorization snapshot in context.
func ContextWithAuthz(ctx context.Context, authz *Authz) context.Context {
	return context.WithValue(ctx, authzContextKey{}, authz)
}

// AuthzFromContext extracts the snapshot placed by the guard. Returns the
// anonymous snapshot when none is present, so predicates stay fail-closed.
func AuthzFromContext(ctx context.Context) *Authz {
	if authz, ok := ctx.Value(authzContextKey{}).(*Authz); ok && authz != nil {
		return authz
	}
	return Anonymous()
}
