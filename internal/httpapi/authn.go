package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"medrec.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var (
	errMissingBearer = errors.New("missing bearer token")
	errBadScheme     = errors.New("invalid authorization scheme")
)

// Authenticate resolves the bearer token to a principal with an open
// session. Requests without one get 401.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer`)
			writeError(w, r, http.StatusUnauthorized, "Access token required")
			return
		}

		p, err := a.engine.AuthenticateToken(r.Context(), token)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), p)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePolicy rejects principals whose role the policy does not admit.
func RequirePolicy(policy auth.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var pp *auth.Principal
			if p, ok := auth.PrincipalFromContext(r.Context()); ok {
				pp = &p
			}
			switch err := auth.Authorize(pp, policy); {
			case errors.Is(err, auth.ErrUnauthenticated):
				w.Header().Set("WWW-Authenticate", `Bearer`)
				writeError(w, r, http.StatusUnauthorized, "Authentication required")
			case errors.Is(err, auth.ErrForbidden):
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "Insufficient permissions")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
