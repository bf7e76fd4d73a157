package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"medrec.org/internal/auth"
)

// AuditLog implements auth.AuditStore.
type AuditLog struct {
	s *Store
}

var _ auth.AuditStore = (*AuditLog)(nil)

func (a *AuditLog) Append(_ context.Context, entry *auth.AuditEntry) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.nextAuditID++
	entry.ID = a.s.nextAuditID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.s.now().UTC()
	}
	stored := *entry
	stored.CredentialID = cloneInt64(entry.CredentialID)
	stored.Username = cloneString(entry.Username)
	a.s.audit = append(a.s.audit, stored)
	return nil
}

func (a *AuditLog) List(_ context.Context, filter auth.AuditFilter) ([]auth.AuditEntry, error) {
	filter = filter.Normalize()
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	matched := []auth.AuditEntry{}
	for _, e := range a.s.audit {
		if matches(e, filter) {
			matched = append(matched, e)
		}
	}
	slices.SortFunc(matched, func(x, y auth.AuditEntry) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(y.ID, x.ID)
	})
	start := min(filter.Offset(), len(matched))
	end := min(start+filter.Limit, len(matched))
	return matched[start:end], nil
}

func (a *AuditLog) FindByID(_ context.Context, id int64) (*auth.AuditEntry, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, e := range a.s.audit {
		if e.ID == id {
			out := e
			return &out, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (a *AuditLog) Stats(_ context.Context, dayStart time.Time) (auth.AuditStats, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	stats := auth.AuditStats{Actions: []auth.ActionCount{}}
	users := map[int64]struct{}{}
	actions := map[string]int{}
	for _, e := range a.s.audit {
		stats.Total++
		if !e.CreatedAt.Before(dayStart) {
			stats.Today++
		}
		if e.CredentialID != nil {
			users[*e.CredentialID] = struct{}{}
		}
		actions[e.Action]++
	}
	stats.Credentials = len(users)
	for action, n := range actions {
		stats.Actions = append(stats.Actions, auth.ActionCount{Action: action, Count: n})
	}
	slices.SortFunc(stats.Actions, func(x, y auth.ActionCount) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return strings.Compare(x.Action, y.Action)
	})
	return stats, nil
}

func matches(e auth.AuditEntry, f auth.AuditFilter) bool {
	if f.CredentialID != nil && (e.CredentialID == nil || *e.CredentialID != *f.CredentialID) {
		return false
	}
	if f.Action != "" && !strings.Contains(strings.ToLower(e.Action), strings.ToLower(f.Action)) {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}
