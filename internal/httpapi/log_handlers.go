package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"medrec.org/internal/auth"
)

func (a *API) logRoutes(r chi.Router) {
	r.Use(a.Authenticate, RequirePolicy(auth.PolicyAdminOnly))

	r.Get("/", a.handleListLogs)
	r.Get("/stats", a.handleLogStats)
	r.Get("/user/{userId}", a.handleUserLogs)
	r.Get("/{id}", a.handleGetLog)
}

func (a *API) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.listLogs(w, r, filter)
}

func (a *API) handleUserLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "userId")
	if !ok {
		return
	}
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	filter.CredentialID = &id
	a.listLogs(w, r, filter)
}

func (a *API) listLogs(w http.ResponseWriter, r *http.Request, filter auth.AuditFilter) {
	entries, err := a.auditLog.List(r.Context(), filter.Normalize())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeList(w, entries)
}

func (a *API) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	entry, err := a.auditLog.FindByID(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", entry)
}

func (a *API) handleLogStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats, err := a.auditLog.Stats(r.Context(), dayStart)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", stats)
}

// parseAuditFilter reads user_id, action, from, to, page and limit. Dates
// accept RFC 3339 or YYYY-MM-DD; a bare "to" date covers the whole day.
func parseAuditFilter(q url.Values) (auth.AuditFilter, error) {
	var f auth.AuditFilter
	verr := &auth.ValidationError{}

	if raw := q.Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			verr.Add("user_id", "must be a positive integer")
		} else {
			f.CredentialID = &id
		}
	}
	f.Action = q.Get("action")
	if raw := q.Get("from"); raw != "" {
		t, _, err := parseDate(raw)
		if err != nil {
			verr.Add("from", "must be an RFC 3339 timestamp or YYYY-MM-DD")
		} else {
			f.From = &t
		}
	}
	if raw := q.Get("to"); raw != "" {
		t, dateOnly, err := parseDate(raw)
		if err != nil {
			verr.Add("to", "must be an RFC 3339 timestamp or YYYY-MM-DD")
		} else {
			if dateOnly {
				t = t.Add(24*time.Hour - time.Nanosecond)
			}
			f.To = &t
		}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		verr.Add("to", "must not be before from")
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &f.Page}, {"limit", &f.Limit}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			verr.Add(p.name, "must be a positive integer")
			continue
		}
		*p.dst = n
	}
	if err := verr.Err(); err != nil {
		return auth.AuditFilter{}, err
	}
	return f, nil
}

func parseDate(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
