package auth

import "context"

type principalContextKey struct{}
type tokenContextKey struct{}

// Principal is the verified identity behind an access token.
type Principal struct {
	CredentialID int64  `json:"id"`
	Username     string `json:"username"`
	RoleID       RoleID `json:"role_id"`
	RoleName     string `json:"role_name"`
	PersonID     int64  `json:"person_id"`
	SessionID    int64  `json:"session_id"`
}

// IsAdmin reports whether the principal holds the administrator role.
func (p Principal) IsAdmin() bool { return p.RoleID == RoleAdministrator }

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

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
