package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"medrec.org/internal/audit"
	"medrec.org/internal/auth"
	"medrec.org/internal/obs"
)

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Count   *int   `json:"count,omitempty"`
}

type errorEnvelope struct {
	Success           bool              `json:"success"`
	Message           string            `json:"message"`
	Errors            []auth.FieldError `json:"errors,omitempty"`
	RetryAfterMinutes int               `json:"retryAfterMinutes,omitempty"`
	RequestID         string            `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, envelope{Success: true, Message: message, Data: data})
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: items, Count: &n})
}

func writeMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorEnvelope{
		Message:   msg,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// writeServiceError maps domain errors to HTTP statuses. Unknown errors are
// logged with the request id and answered with a generic 500.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	rid := audit.RequestIDFromContext(r.Context())

	var locked *auth.LockedError
	if errors.As(err, &locked) {
		w.Header().Set("Retry-After", strconv.Itoa(locked.RetryAfterMinutes()*60))
		writeJSON(w, http.StatusForbidden, errorEnvelope{
			Message:           fmt.Sprintf("Account locked. Try again in %d minute(s)", locked.RetryAfterMinutes()),
			RetryAfterMinutes: locked.RetryAfterMinutes(),
			RequestID:         rid,
		})
		return
	}
	var verr *auth.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{
			Message:   "Validation failed",
			Errors:    verr.Fields,
			RequestID: rid,
		})
		return
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, auth.ErrAccountInactive):
		writeError(w, r, http.StatusUnauthorized, "User account is inactive")
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusForbidden, "Account locked")
	case errors.Is(err, auth.ErrInvalidStep):
		writeError(w, r, http.StatusUnauthorized, "Invalid or expired session step")
	case errors.Is(err, auth.ErrInvalidMFACode):
		writeError(w, r, http.StatusUnauthorized, "Invalid MFA code")
	case errors.Is(err, auth.ErrPrincipalNotFound):
		writeError(w, r, http.StatusUnauthorized, "User not found")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, "Invalid or expired token")
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `Bearer`)
		writeError(w, r, http.StatusUnauthorized, "Authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "Insufficient permissions")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "Resource already exists")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "auth: "))
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"request_id", rid,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		)
		msg := "Internal server error"
		if a.opts.Dev {
			msg = err.Error()
		}
		writeError(w, r, http.StatusInternalServerError, msg)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &tooLarge):
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// bind decodes the body and answers 400 on failure.
func bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{
			Message:   "Validation failed",
			Errors:    []auth.FieldError{{Field: name, Message: "must be a positive integer"}},
			RequestID: audit.RequestIDFromContext(r.Context()),
		})
		return 0, false
	}
	return id, true
}

// principal returns the authenticated caller. Routes behind Authenticate
// always have one.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
