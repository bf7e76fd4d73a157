package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ActiveSessions lists every open session.
func (e *Engine) ActiveSessions(ctx context.Context) ([]Session, error) {
	return e.sessions.ListOpen(ctx)
}

// SessionStats summarizes sessions started in the last 24 hours.
func (e *Engine) SessionStats(ctx context.Context) (SessionStats, error) {
	return e.sessions.Stats(ctx, e.now().Add(-24*time.Hour))
}

// SessionsFor lists the session history of a credential. Only the owner or
// an administrator may read it.
func (e *Engine) SessionsFor(ctx context.Context, actor Principal, credentialID int64) ([]Session, error) {
	if actor.CredentialID != credentialID && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return e.sessions.ListByCredential(ctx, credentialID)
}

// CloseSession ends one session by id. Non-administrators may only close
// their own sessions.
func (e *Engine) CloseSession(ctx context.Context, actor Principal, sessionID int64) (*Session, error) {
	sess, err := e.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.CredentialID != actor.CredentialID && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if !sess.Open() {
		return nil, ErrNotFound
	}
	return e.sessions.CloseByID(ctx, sessionID, e.now())
}

// CloseAllSessions ends every open session of a credential and reports how
// many were closed. Non-administrators may only target themselves.
func (e *Engine) CloseAllSessions(ctx context.Context, actor Principal, credentialID int64) (int, error) {
	if actor.CredentialID != credentialID && !actor.IsAdmin() {
		return 0, ErrForbidden
	}
	closed, err := e.sessions.CloseAllForCredential(ctx, credentialID, e.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("close sessions: %w", err)
	}
	return len(closed), nil
}
