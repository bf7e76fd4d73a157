package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"medrec.org/internal/auth"
)

func (a *API) sessionRoutes(r chi.Router) {
	r.Use(a.Authenticate)

	r.With(RequirePolicy(auth.PolicyAdminOnly)).Get("/active", a.handleActiveSessions)
	r.With(RequirePolicy(auth.PolicyAdminOnly)).Get("/stats", a.handleSessionStats)
	r.Get("/user/{userId}", a.handleUserSessions)
	r.With(a.audited("SESSION_LOGOUT", "Current session closed")).Post("/logout", a.handleLogout)
	r.With(a.audited("SESSION_CLOSE", "")).Delete("/{id}", a.handleCloseSession)
	r.With(RequirePolicy(auth.PolicyAdminOnly), a.audited("SESSION_CLOSE_ALL", "")).
		Delete("/user/{userId}", a.handleCloseUserSessions)
}

func (a *API) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.engine.ActiveSessions(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeList(w, sessions)
}

func (a *API) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.engine.SessionStats(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", stats)
}

func (a *API) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "userId")
	if !ok {
		return
	}
	sessions, err := a.engine.SessionsFor(r.Context(), principal(r), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeList(w, sessions)
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	sess, err := a.engine.CloseSession(r.Context(), principal(r), id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "Session not found or already closed")
			return
		}
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Session closed", sess)
}

func (a *API) handleCloseUserSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "userId")
	if !ok {
		return
	}
	n, err := a.engine.CloseAllSessions(r.Context(), principal(r), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: fmt.Sprintf("%d session(s) closed", n),
		Count:   &n,
	})
}
