package pg

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"medrec.org/internal/auth"
)

const credentialSelect = `
	select c.id, c.username, c.password_hash, c.role_id, r.name as role_name, c.person_id,
	       c.status, c.failed_attempts, c.locked_until, c.temporary_password,
	       c.mfa_enabled, c.mfa_secret, c.last_login_at, c.created_at, c.updated_at
	from credentials c
	join roles r on r.id = c.role_id
`

// Credentials implements auth.CredentialStore.
type Credentials struct {
	db *sqlx.DB
}

var _ auth.CredentialStore = (*Credentials)(nil)

func (c *Credentials) one(ctx context.Context, where string, arg any) (*auth.Credential, error) {
	var cred auth.Credential
	if err := c.db.GetContext(ctx, &cred, credentialSelect+where, arg); err != nil {
		return nil, mapError(err)
	}
	return &cred, nil
}

func (c *Credentials) FindByUsername(ctx context.Context, username string) (*auth.Credential, error) {
	return c.one(ctx, `where c.username = $1`, username)
}

func (c *Credentials) FindByID(ctx context.Context, id int64) (*auth.Credential, error) {
	return c.one(ctx, `where c.id = $1`, id)
}

func (c *Credentials) FindByPersonID(ctx context.Context, personID int64) (*auth.Credential, error) {
	return c.one(ctx, `where c.person_id = $1`, personID)
}

// RecordFailedAttempt increments and conditionally locks in one statement so
// concurrent failures are never lost.
func (c *Credentials) RecordFailedAttempt(ctx context.Context, id int64, threshold int, at, lockUntil time.Time) (auth.FailedAttempt, error) {
	var out auth.FailedAttempt
	err := c.db.QueryRowxContext(ctx, `
		with cur as (
			select id,
			       locked_until is not null and locked_until <= $3::timestamptz as lapsed
			from credentials
			where id = $1
			for update
		)
		update credentials c
		set failed_attempts = case when cur.lapsed then 1 else c.failed_attempts + 1 end,
		    locked_until = case
		        when $2::int > 0 and (case when cur.lapsed then 1 else c.failed_attempts + 1 end) >= $2::int then $4::timestamptz
		        when cur.lapsed then null
		        else c.locked_until
		    end,
		    updated_at = now()
		from cur
		where c.id = cur.id
		returning c.failed_attempts, c.locked_until
	`, id, threshold, at.UTC(), lockUntil.UTC()).Scan(&out.Count, &out.LockedUntil)
	if err != nil {
		return auth.FailedAttempt{}, mapError(err)
	}
	return out, nil
}

func (c *Credentials) ResetFailedAttempts(ctx context.Context, id int64) error {
	return requireRow(c.db.ExecContext(ctx, `
		update credentials
		set failed_attempts = 0, locked_until = null, updated_at = now()
		where id = $1
	`, id))
}

func (c *Credentials) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	return requireRow(c.db.ExecContext(ctx, `
		update credentials set last_login_at = $2 where id = $1
	`, id, at.UTC()))
}

func (c *Credentials) ReplacePassword(ctx context.Context, id int64, hash string, temporary bool) error {
	return requireRow(c.db.ExecContext(ctx, `
		update credentials
		set password_hash = $2, temporary_password = $3,
		    failed_attempts = 0, locked_until = null, updated_at = now()
		where id = $1
	`, id, hash, temporary))
}

func (c *Credentials) SetMFASecret(ctx context.Context, id int64, secret string) error {
	return requireRow(c.db.ExecContext(ctx, `
		update credentials set mfa_secret = $2, mfa_enabled = true, updated_at = now()
		where id = $1
	`, id, secret))
}

func (c *Credentials) ClearMFASecret(ctx context.Context, id int64) error {
	return requireRow(c.db.ExecContext(ctx, `
		update credentials set mfa_secret = null, mfa_enabled = false, updated_at = now()
		where id = $1
	`, id))
}

func (c *Credentials) Create(ctx context.Context, cred *auth.Credential) error {
	if cred.Status == "" {
		cred.Status = auth.StatusActive
	}
	err := c.db.QueryRowxContext(ctx, `
		insert into credentials (username, password_hash, role_id, person_id, status, temporary_password)
		values ($1, $2, $3, $4, $5, $6)
		returning id, created_at, updated_at, (select name from roles where id = credentials.role_id)
	`, cred.Username, cred.PasswordHash, int64(cred.RoleID), cred.PersonID, cred.Status, cred.TemporaryPassword).
		Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt, &cred.RoleName)
	return mapError(err)
}

func (c *Credentials) List(ctx context.Context, includeInactive bool) ([]auth.Credential, error) {
	query := credentialSelect + `where ($1 or c.status = 'active') order by c.id`
	out := []auth.Credential{}
	if err := c.db.SelectContext(ctx, &out, query, includeInactive); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (c *Credentials) Update(ctx context.Context, id int64, upd auth.CredentialUpdate) (*auth.Credential, error) {
	var roleID *int64
	if upd.RoleID != nil {
		v := int64(*upd.RoleID)
		roleID = &v
	}
	if err := requireRow(c.db.ExecContext(ctx, `
		update credentials
		set username = coalesce($2, username),
		    role_id = coalesce($3, role_id),
		    updated_at = now()
		where id = $1
	`, id, upd.Username, roleID)); err != nil {
		return nil, err
	}
	return c.FindByID(ctx, id)
}

func (c *Credentials) SetStatus(ctx context.Context, id int64, status string) (*auth.Credential, error) {
	if err := requireRow(c.db.ExecContext(ctx, `
		update credentials set status = $2, updated_at = now() where id = $1
	`, id, status)); err != nil {
		return nil, err
	}
	return c.FindByID(ctx, id)
}
