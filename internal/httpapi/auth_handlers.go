package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"medrec.org/internal/audit"
	"medrec.org/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyMFARequest struct {
	TempToken string `json:"tempToken"`
	Code      string `json:"code"`
}

type changePasswordRequest struct {
	TempToken   string `json:"tempToken"`
	NewPassword string `json:"newPassword"`
}

type loginData struct {
	User      *auth.PublicCredential `json:"user"`
	Token     string                 `json:"token"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

type stepResponse struct {
	Success                bool      `json:"success"`
	Message                string    `json:"message"`
	RequiresPasswordChange bool      `json:"requiresPasswordChange,omitempty"`
	RequiresMFA            bool      `json:"requiresMfa,omitempty"`
	TempToken              string    `json:"tempToken"`
	ExpiresAt              time.Time `json:"expiresAt"`
}

func (a *API) authRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(LoginRateLimit(a.opts.LoginRatePerMinute))
		r.With(a.audited("USER_LOGIN", "Login")).Post("/login", a.handleLogin)
		r.With(a.audited("USER_MFA_VERIFY", "MFA verification")).Post("/verify-mfa", a.handleVerifyMFA)
		r.With(a.audited("USER_PASSWORD_CHANGE", "Temporary password replaced")).Post("/change-password", a.handleChangePassword)
	})
	r.Group(func(r chi.Router) {
		r.Use(a.Authenticate)
		r.Get("/verify", a.handleVerify)
		r.Get("/me", a.handleMe)
		r.With(a.audited("USER_LOGOUT", "Logout")).Post("/logout", a.handleLogout)
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !bind(w, r, &req) {
		return
	}
	verr := &auth.ValidationError{}
	if req.Username == "" {
		verr.Add("username", "is required")
	}
	if req.Password == "" {
		verr.Add("password", "is required")
	}
	if err := verr.Err(); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	res, err := a.engine.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeLoginResult(w, r, res, "Login successful")
}

func (a *API) handleVerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req verifyMFARequest
	if !bind(w, r, &req) {
		return
	}
	verr := &auth.ValidationError{}
	if req.TempToken == "" {
		verr.Add("tempToken", "is required")
	}
	if req.Code == "" {
		verr.Add("code", "is required")
	}
	if err := verr.Err(); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	res, err := a.engine.CompleteMFA(r.Context(), req.TempToken, req.Code)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeLoginResult(w, r, res, "MFA verification successful")
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !bind(w, r, &req) {
		return
	}
	if req.TempToken == "" {
		a.writeServiceError(w, r, &auth.ValidationError{Fields: []auth.FieldError{{Field: "tempToken", Message: "is required"}}})
		return
	}

	res, err := a.engine.CompletePasswordChange(r.Context(), req.TempToken, req.NewPassword)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeLoginResult(w, r, res, "Password changed")
}

func (a *API) writeLoginResult(w http.ResponseWriter, r *http.Request, res auth.LoginResult, message string) {
	switch res.Outcome {
	case auth.OutcomePasswordChangeRequired:
		audit.Annotate(r.Context(), res.CredentialID, "")
		audit.Describe(r.Context(), "Password change pending")
		writeJSON(w, http.StatusOK, stepResponse{
			Success:                true,
			Message:                "Password change required",
			RequiresPasswordChange: true,
			TempToken:              res.Token,
			ExpiresAt:              res.ExpiresAt,
		})
	case auth.OutcomeMFARequired:
		audit.Annotate(r.Context(), res.CredentialID, "")
		audit.Describe(r.Context(), "MFA verification pending")
		writeJSON(w, http.StatusOK, stepResponse{
			Success:     true,
			Message:     "MFA code required",
			RequiresMFA: true,
			TempToken:   res.Token,
			ExpiresAt:   res.ExpiresAt,
		})
	default:
		if res.User != nil {
			audit.Annotate(r.Context(), res.User.ID, res.User.Username)
		}
		writeData(w, http.StatusOK, message, loginData{
			User:      res.User,
			Token:     res.Token,
			ExpiresAt: res.ExpiresAt,
		})
	}
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, "", map[string]any{"user": principal(r)})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	cred, err := a.engine.Me(r.Context(), principal(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", cred.Public())
}

// handleLogout closes the caller's session. A token whose session is
// already closed never gets here: Authenticate answers 401 first.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	sess, err := a.engine.Logout(r.Context(), token)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Logout successful", sess)
}
