// Package memory keeps every auth store in process. It backs the "memory"
// database driver and the test suites.
package memory

import (
	"context"
	"sync"
	"time"

	"medrec.org/internal/auth"
)

// Store holds all tables behind one mutex so multi-row updates are atomic.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	credentials map[int64]auth.Credential
	sessions    map[int64]auth.Session
	roles       map[auth.RoleID]auth.Role
	persons     map[int64]auth.Person
	audit       []auth.AuditEntry

	nextCredentialID int64
	nextSessionID    int64
	nextRoleID       auth.RoleID
	nextPersonID     int64
	nextAuditID      int64
}

// Option configures Store.
type Option func(*Store)

// WithClock overrides the timestamp source for created_at columns.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		credentials: map[int64]auth.Credential{},
		sessions:    map[int64]auth.Session{},
		roles:       map[auth.RoleID]auth.Role{},
		persons:     map[int64]auth.Person{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Credentials returns the credential table.
func (s *Store) Credentials() *Credentials { return &Credentials{s: s} }

// Sessions returns the session table.
func (s *Store) Sessions() *Sessions { return &Sessions{s: s} }

// Roles returns the role table.
func (s *Store) Roles() *Roles { return &Roles{s: s} }

// Persons returns the person table.
func (s *Store) Persons() *Persons { return &Persons{s: s} }

// AuditLog returns the audit table.
func (s *Store) AuditLog() *AuditLog { return &AuditLog{s: s} }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
