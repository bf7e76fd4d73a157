package auth

import "time"

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Credential is one login principal. It is never serialized directly; use
// Public for anything that leaves the process.
type Credential struct {
	ID                int64      `db:"id"`
	Username          string     `db:"username"`
	PasswordHash      string     `db:"password_hash"`
	RoleID            RoleID     `db:"role_id"`
	RoleName          string     `db:"role_name"`
	PersonID          int64      `db:"person_id"`
	Status            string     `db:"status"`
	FailedAttempts    int        `db:"failed_attempts"`
	LockedUntil       *time.Time `db:"locked_until"`
	TemporaryPassword bool       `db:"temporary_password"`
	MFAEnabled        bool       `db:"mfa_enabled"`
	MFASecret         *string    `db:"mfa_secret"`
	LastLoginAt       *time.Time `db:"last_login_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// PublicCredential is the outbound view of a Credential.
type PublicCredential struct {
	ID                int64      `json:"id"`
	Username          string     `json:"username"`
	RoleID            RoleID     `json:"role_id"`
	RoleName          string     `json:"role_name"`
	PersonID          int64      `json:"person_id"`
	Status            string     `json:"status"`
	FailedAttempts    int        `json:"failed_attempts"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	TemporaryPassword bool       `json:"temporary_password"`
	MFAEnabled        bool       `json:"mfa_enabled"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Public projects the credential without its password hash or MFA secret.
func (c *Credential) Public() PublicCredential {
	if c == nil {
		return PublicCredential{}
	}
	return PublicCredential{
		ID:                c.ID,
		Username:          c.Username,
		RoleID:            c.RoleID,
		RoleName:          c.RoleName,
		PersonID:          c.PersonID,
		Status:            c.Status,
		FailedAttempts:    c.FailedAttempts,
		LockedUntil:       c.LockedUntil,
		TemporaryPassword: c.TemporaryPassword,
		MFAEnabled:        c.MFAEnabled,
		LastLoginAt:       c.LastLoginAt,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

// PublicList projects a slice of credentials.
func PublicList(creds []Credential) []PublicCredential {
	out := make([]PublicCredential, 0, len(creds))
	for i := range creds {
		out = append(out, creds[i].Public())
	}
	return out
}

// Active reports whether the credential may log in.
func (c *Credential) Active() bool { return c.Status == StatusActive }

// LockedAt reports whether the lockout window is still open at now.
func (c *Credential) LockedAt(now time.Time) (time.Duration, bool) {
	if c.LockedUntil == nil || !c.LockedUntil.After(now) {
		return 0, false
	}
	return c.LockedUntil.Sub(now), true
}

// CredentialUpdate carries optional administrative changes.
type CredentialUpdate struct {
	Username *string
	RoleID   *RoleID
}

// FailedAttempt is the counter state after a recorded failure.
type FailedAttempt struct {
	Count       int
	LockedUntil *time.Time
}

// Role is the stored record behind a RoleID.
type Role struct {
	ID        RoleID    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Person is the demographic record a credential links to.
type Person struct {
	ID        int64     `db:"id" json:"id"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	Email     string    `db:"email" json:"email"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Session is one issued token's validity window. EndedAt nil means open.
type Session struct {
	ID           int64      `db:"id" json:"id"`
	CredentialID int64      `db:"credential_id" json:"user_id"`
	Username     string     `db:"username" json:"username,omitempty"`
	Token        string     `db:"token" json:"-"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	EndedAt      *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// Open reports whether the session has not been closed.
func (s *Session) Open() bool { return s.EndedAt == nil }

// SessionStats summarises sessions started since a point in time.
type SessionStats struct {
	Total       int `db:"total" json:"total_sessions"`
	Open        int `db:"open" json:"active_sessions"`
	Credentials int `db:"credentials" json:"active_users"`
}

// AuditEntry is an append-only record of a completed mutating action.
type AuditEntry struct {
	ID           int64     `db:"id" json:"id"`
	CredentialID *int64    `db:"credential_id" json:"user_id"`
	Username     *string   `db:"username" json:"username,omitempty"`
	Action       string    `db:"action" json:"action"`
	Description  string    `db:"description" json:"description"`
	RequestID    string    `db:"request_id" json:"request_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// AuditFilter narrows audit listings. Zero values mean no constraint.
type AuditFilter struct {
	CredentialID *int64
	Action       string
	From         *time.Time
	To           *time.Time
	Page         int
	Limit        int
}

// MaxAuditPage bounds the page number so offsets stay small and positive.
const MaxAuditPage = 100_000

// Normalize clamps paging to sane bounds.
func (f AuditFilter) Normalize() AuditFilter {
	switch {
	case f.Page < 1:
		f.Page = 1
	case f.Page > MaxAuditPage:
		f.Page = MaxAuditPage
	}
	switch {
	case f.Limit <= 0:
		f.Limit = 50
	case f.Limit > 500:
		f.Limit = 500
	}
	return f
}

// Offset returns the row offset for the current page.
func (f AuditFilter) Offset() int { return (f.Page - 1) * f.Limit }

// ActionCount is one row of the per-action summary.
type ActionCount struct {
	Action string `db:"action" json:"action"`
	Count  int    `db:"count" json:"count"`
}

// AuditStats summarises the audit log.
type AuditStats struct {
	Total       int           `json:"total"`
	Today       int           `json:"today"`
	Credentials int           `json:"distinct_users"`
	Actions     []ActionCount `json:"actions"`
}
