package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"medrec.org/internal/auth"
)

// Sessions implements auth.SessionStore.
type Sessions struct {
	s *Store
}

var _ auth.SessionStore = (*Sessions)(nil)

func (ss *Sessions) view(sess auth.Session) *auth.Session {
	out := sess
	out.EndedAt = cloneTime(sess.EndedAt)
	if cred, ok := ss.s.credentials[sess.CredentialID]; ok {
		out.Username = cred.Username
	}
	return &out
}

func (ss *Sessions) Create(_ context.Context, sess *auth.Session) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	if _, ok := ss.s.credentials[sess.CredentialID]; !ok {
		return auth.ErrNotFound
	}
	for _, existing := range ss.s.sessions {
		if existing.Token == sess.Token {
			return auth.ErrConflict
		}
	}
	ss.s.nextSessionID++
	sess.ID = ss.s.nextSessionID
	if sess.StartedAt.IsZero() {
		sess.StartedAt = ss.s.now().UTC()
	}
	ss.s.sessions[sess.ID] = *sess
	return nil
}

func (ss *Sessions) FindOpenByToken(_ context.Context, token string) (*auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	for _, sess := range ss.s.sessions {
		if sess.Token == token && sess.EndedAt == nil {
			return ss.view(sess), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (ss *Sessions) FindByID(_ context.Context, id int64) (*auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sess, ok := ss.s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return ss.view(sess), nil
}

func (ss *Sessions) CloseByToken(_ context.Context, token string, at time.Time) (*auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	for id, sess := range ss.s.sessions {
		if sess.Token == token && sess.EndedAt == nil {
			return ss.close(id, sess, at), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (ss *Sessions) CloseByID(_ context.Context, id int64, at time.Time) (*auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sess, ok := ss.s.sessions[id]
	if !ok || sess.EndedAt != nil {
		return nil, auth.ErrNotFound
	}
	return ss.close(id, sess, at), nil
}

func (ss *Sessions) CloseAllForCredential(_ context.Context, credentialID int64, at time.Time) ([]auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	var closed []auth.Session
	for id, sess := range ss.s.sessions {
		if sess.CredentialID == credentialID && sess.EndedAt == nil {
			closed = append(closed, *ss.close(id, sess, at))
		}
	}
	slices.SortFunc(closed, byID)
	return closed, nil
}

func (ss *Sessions) ListOpen(_ context.Context) ([]auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	out := []auth.Session{}
	for _, sess := range ss.s.sessions {
		if sess.EndedAt == nil {
			out = append(out, *ss.view(sess))
		}
	}
	slices.SortFunc(out, byStartDesc)
	return out, nil
}

func (ss *Sessions) ListByCredential(_ context.Context, credentialID int64) ([]auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	out := []auth.Session{}
	for _, sess := range ss.s.sessions {
		if sess.CredentialID == credentialID {
			out = append(out, *ss.view(sess))
		}
	}
	slices.SortFunc(out, byStartDesc)
	return out, nil
}

func (ss *Sessions) Stats(_ context.Context, since time.Time) (auth.SessionStats, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	var stats auth.SessionStats
	users := map[int64]struct{}{}
	for _, sess := range ss.s.sessions {
		if sess.StartedAt.Before(since) {
			continue
		}
		stats.Total++
		if sess.EndedAt == nil {
			stats.Open++
			users[sess.CredentialID] = struct{}{}
		}
	}
	stats.Credentials = len(users)
	return stats, nil
}

func (ss *Sessions) close(id int64, sess auth.Session, at time.Time) *auth.Session {
	ended := at
	sess.EndedAt = &ended
	ss.s.sessions[id] = sess
	return ss.view(sess)
}

func byID(a, b auth.Session) int { return cmp.Compare(a.ID, b.ID) }

func byStartDesc(a, b auth.Session) int {
	if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}
