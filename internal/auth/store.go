package auth

import (
	"context"
	"time"
)

// CredentialStore persists login principals. Mutations that affect login
// correctness must be single atomic statements.
type CredentialStore interface {
	FindByUsername(ctx context.Context, username string) (*Credential, error)
	FindByID(ctx context.Context, id int64) (*Credential, error)
	FindByPersonID(ctx context.Context, personID int64) (*Credential, error)

	// RecordFailedAttempt increments the counter and, when the new count
	// reaches threshold (threshold > 0), sets locked-until to lockUntil.
	// A lock that has lapsed by at restarts the count at 1.
	RecordFailedAttempt(ctx context.Context, id int64, threshold int, at, lockUntil time.Time) (FailedAttempt, error)
	ResetFailedAttempts(ctx context.Context, id int64) error
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error

	// ReplacePassword stores a new hash, sets the temporary flag and clears
	// the failed-attempt counter and lockout in one statement.
	ReplacePassword(ctx context.Context, id int64, hash string, temporary bool) error
	SetMFASecret(ctx context.Context, id int64, secret string) error
	ClearMFASecret(ctx context.Context, id int64) error

	Create(ctx context.Context, c *Credential) error
	List(ctx context.Context, includeInactive bool) ([]Credential, error)
	Update(ctx context.Context, id int64, upd CredentialUpdate) (*Credential, error)
	SetStatus(ctx context.Context, id int64, status string) (*Credential, error)
}

// SessionStore persists issued tokens. Close operations only touch open
// sessions and return ErrNotFound when nothing was open.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	FindOpenByToken(ctx context.Context, token string) (*Session, error)
	FindByID(ctx context.Context, id int64) (*Session, error)
	CloseByToken(ctx context.Context, token string, at time.Time) (*Session, error)
	CloseByID(ctx context.Context, id int64, at time.Time) (*Session, error)
	CloseAllForCredential(ctx context.Context, credentialID int64, at time.Time) ([]Session, error)
	ListOpen(ctx context.Context) ([]Session, error)
	ListByCredential(ctx context.Context, credentialID int64) ([]Session, error)
	Stats(ctx context.Context, since time.Time) (SessionStats, error)
}

// RoleStore manages the role catalog.
type RoleStore interface {
	List(ctx context.Context) ([]Role, error)
	FindByID(ctx context.Context, id RoleID) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	Create(ctx context.Context, name string) (*Role, error)
	Update(ctx context.Context, id RoleID, name string) (*Role, error)
	EnsureDefaults(ctx context.Context, roles []Role) ([]Role, error)
}

// PersonStore is the slice of person management the auth core needs.
type PersonStore interface {
	FindByID(ctx context.Context, id int64) (*Person, error)
	Create(ctx context.Context, p *Person) error
}

// AuditStore appends immutable entries and reads them back for review.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	FindByID(ctx context.Context, id int64) (*AuditEntry, error)
	Stats(ctx context.Context, dayStart time.Time) (AuditStats, error)
}
