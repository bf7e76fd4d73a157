package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"medrec.org/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequirePolicyAllowsMatchingRole(t *testing.T) {
	handler := RequirePolicy(auth.PolicyAdminOnly)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{CredentialID: 1, RoleID: auth.RoleAdministrator}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequirePolicyRejectsOtherRole(t *testing.T) {
	handler := RequirePolicy(auth.PolicyAdminOnly)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{CredentialID: 1, RoleID: auth.RoleClinician}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequirePolicyRejectsMissingPrincipal(t *testing.T) {
	handler := RequirePolicy(auth.PolicyAnyAuthenticated)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		err    error
	}{
		{"Bearer abc", "abc", nil},
		{"bearer   abc ", "abc", nil},
		{"", "", errMissingBearer},
		{"Bearer ", "", errBadScheme},
		{"Basic dXNlcjpwYXNz", "", errBadScheme},
		{"Bear", "", errBadScheme},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if err != tc.err {
			t.Fatalf("%q: expected err %v, got %v", tc.header, tc.err, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %q, got %q", tc.header, tc.want, got)
		}
	}
}
