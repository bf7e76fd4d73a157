package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"medrec.org/internal/auth"
)

// Credentials implements auth.CredentialStore.
type Credentials struct {
	s *Store
}

var _ auth.CredentialStore = (*Credentials)(nil)

// view copies a row and fills the joined role name. Caller holds the lock.
func (c *Credentials) view(cred auth.Credential) *auth.Credential {
	out := cred
	out.LockedUntil = cloneTime(cred.LockedUntil)
	out.LastLoginAt = cloneTime(cred.LastLoginAt)
	out.MFASecret = cloneString(cred.MFASecret)
	if role, ok := c.s.roles[cred.RoleID]; ok {
		out.RoleName = role.Name
	}
	return &out
}

func (c *Credentials) FindByUsername(_ context.Context, username string) (*auth.Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, cred := range c.s.credentials {
		if cred.Username == username {
			return c.view(cred), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (c *Credentials) FindByID(_ context.Context, id int64) (*auth.Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cred, ok := c.s.credentials[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return c.view(cred), nil
}

func (c *Credentials) FindByPersonID(_ context.Context, personID int64) (*auth.Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, cred := range c.s.credentials {
		if cred.PersonID == personID {
			return c.view(cred), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (c *Credentials) RecordFailedAttempt(_ context.Context, id int64, threshold int, at, lockUntil time.Time) (auth.FailedAttempt, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cred, ok := c.s.credentials[id]
	if !ok {
		return auth.FailedAttempt{}, auth.ErrNotFound
	}
	if cred.LockedUntil != nil && !cred.LockedUntil.After(at) {
		cred.FailedAttempts = 0
		cred.LockedUntil = nil
	}
	cred.FailedAttempts++
	if threshold > 0 && cred.FailedAttempts >= threshold {
		until := lockUntil
		cred.LockedUntil = &until
	}
	cred.UpdatedAt = c.s.now().UTC()
	c.s.credentials[id] = cred
	return auth.FailedAttempt{Count: cred.FailedAttempts, LockedUntil: cloneTime(cred.LockedUntil)}, nil
}

func (c *Credentials) ResetFailedAttempts(_ context.Context, id int64) error {
	return c.mutate(id, func(cred *auth.Credential) {
		cred.FailedAttempts = 0
		cred.LockedUntil = nil
	})
}

func (c *Credentials) UpdateLastLogin(_ context.Context, id int64, at time.Time) error {
	return c.mutate(id, func(cred *auth.Credential) {
		t := at
		cred.LastLoginAt = &t
	})
}

func (c *Credentials) ReplacePassword(_ context.Context, id int64, hash string, temporary bool) error {
	return c.mutate(id, func(cred *auth.Credential) {
		cred.PasswordHash = hash
		cred.TemporaryPassword = temporary
		cred.FailedAttempts = 0
		cred.LockedUntil = nil
	})
}

func (c *Credentials) SetMFASecret(_ context.Context, id int64, secret string) error {
	return c.mutate(id, func(cred *auth.Credential) {
		v := secret
		cred.MFASecret = &v
		cred.MFAEnabled = true
	})
}

func (c *Credentials) ClearMFASecret(_ context.Context, id int64) error {
	return c.mutate(id, func(cred *auth.Credential) {
		cred.MFASecret = nil
		cred.MFAEnabled = false
	})
}

func (c *Credentials) Create(_ context.Context, cred *auth.Credential) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, ok := c.s.roles[cred.RoleID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := c.s.persons[cred.PersonID]; !ok {
		return auth.ErrNotFound
	}
	for _, existing := range c.s.credentials {
		if existing.Username == cred.Username || existing.PersonID == cred.PersonID {
			return auth.ErrConflict
		}
	}
	c.s.nextCredentialID++
	now := c.s.now().UTC()
	cred.ID = c.s.nextCredentialID
	if cred.Status == "" {
		cred.Status = auth.StatusActive
	}
	cred.CreatedAt = now
	cred.UpdatedAt = now
	c.s.credentials[cred.ID] = *c.view(*cred)
	cred.RoleName = c.s.roles[cred.RoleID].Name
	return nil
}

func (c *Credentials) List(_ context.Context, includeInactive bool) ([]auth.Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	out := make([]auth.Credential, 0, len(c.s.credentials))
	for _, cred := range c.s.credentials {
		if !includeInactive && cred.Status != auth.StatusActive {
			continue
		}
		out = append(out, *c.view(cred))
	}
	slices.SortFunc(out, func(a, b auth.Credential) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (c *Credentials) Update(_ context.Context, id int64, upd auth.CredentialUpdate) (*auth.Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cred, ok := c.s.credentials[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Username != nil {
		for otherID, other := range c.s.credentials {
			if otherID != id && other.Username == *upd.Username {
				return nil, auth.ErrConflict
			}
		}
		cred.Username = *upd.Username
	}
	if upd.RoleID != nil {
		if _, ok := c.s.roles[*upd.RoleID]; !ok {
			return nil, auth.ErrNotFound
		}
		cred.RoleID = *upd.RoleID
	}
	cred.UpdatedAt = c.s.now().UTC()
	c.s.credentials[id] = cred
	return c.view(cred), nil
}

func (c *Credentials) SetStatus(_ context.Context, id int64, status string) (*auth.Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cred, ok := c.s.credentials[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cred.Status = status
	cred.UpdatedAt = c.s.now().UTC()
	c.s.credentials[id] = cred
	return c.view(cred), nil
}

func (c *Credentials) mutate(id int64, fn func(*auth.Credential)) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cred, ok := c.s.credentials[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(&cred)
	cred.UpdatedAt = c.s.now().UTC()
	c.s.credentials[id] = cred
	return nil
}
