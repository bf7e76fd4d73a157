package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxUsernameLength = 50
	maxRoleNameLength = 50
)

// MFAEnroller provisions second-factor secrets.
type MFAEnroller interface {
	Enroll(accountName string) (MFAEnrollment, error)
}

// NewCredential is the administrator's request to give a person a login.
// An empty Password generates a temporary one.
type NewCredential struct {
	PersonID int64
	RoleID   RoleID
	Username string
	Password string
	// Temporary forces a password change at first login even when Password
	// is supplied. A generated password is always temporary.
	Temporary bool
}

// Admin performs account and role administration.
type Admin struct {
	creds    CredentialStore
	roles    RoleStore
	persons  PersonStore
	sessions SessionStore
	hasher   PasswordHasher
	enroller MFAEnroller
	now      func() time.Time

	minPasswordLength int
}

// AdminOption configures Admin.
type AdminOption func(*Admin)

// WithAdminClock overrides the time source (useful for tests).
func WithAdminClock(fn func() time.Time) AdminOption {
	return func(a *Admin) {
		if fn != nil {
			a.now = fn
		}
	}
}

// WithAdminMinPasswordLength sets the password policy for administered passwords.
func WithAdminMinPasswordLength(n int) AdminOption {
	return func(a *Admin) {
		if n > 0 {
			a.minPasswordLength = n
		}
	}
}

// NewAdmin wires account administration to its stores.
func NewAdmin(creds CredentialStore, roles RoleStore, persons PersonStore, sessions SessionStore, hasher PasswordHasher, enroller MFAEnroller, opts ...AdminOption) (*Admin, error) {
	if creds == nil || roles == nil || persons == nil || sessions == nil || hasher == nil || enroller == nil {
		return nil, errors.New("auth: admin collaborators are required")
	}
	a := &Admin{
		creds:             creds,
		roles:             roles,
		persons:           persons,
		sessions:          sessions,
		hasher:            hasher,
		enroller:          enroller,
		now:               time.Now,
		minPasswordLength: defaultMinPasswordLength,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ListCredentials returns active credentials, or all of them when includeInactive.
func (a *Admin) ListCredentials(ctx context.Context, includeInactive bool) ([]Credential, error) {
	return a.creds.List(ctx, includeInactive)
}

// Credential loads one credential by id.
func (a *Admin) Credential(ctx context.Context, id int64) (*Credential, error) {
	return a.creds.FindByID(ctx, id)
}

// CreateCredential links a new login to an existing person. When no password
// is supplied the returned plaintext is the generated temporary password.
func (a *Admin) CreateCredential(ctx context.Context, req NewCredential) (*Credential, string, error) {
	req.Username = strings.TrimSpace(req.Username)
	verr := &ValidationError{}
	if req.PersonID <= 0 {
		verr.Add("person_id", "is required")
	}
	a.validateNewCredential(verr, req)
	if err := verr.Err(); err != nil {
		return nil, "", err
	}

	if _, err := a.persons.FindByID(ctx, req.PersonID); err != nil {
		return nil, "", fmt.Errorf("person %d: %w", req.PersonID, err)
	}
	if err := a.checkNewCredential(ctx, req); err != nil {
		return nil, "", err
	}
	return a.insertCredential(ctx, req)
}

// Provision creates a person and their credential together. Every check
// runs before the first row is written.
func (a *Admin) Provision(ctx context.Context, p *Person, req NewCredential) (*Credential, string, error) {
	if p == nil {
		return nil, "", fieldError("person", "is required")
	}
	normalizePerson(p)
	req.Username = strings.TrimSpace(req.Username)
	verr := &ValidationError{}
	validatePerson(verr, p)
	a.validateNewCredential(verr, req)
	if err := verr.Err(); err != nil {
		return nil, "", err
	}
	if err := a.checkNewCredential(ctx, req); err != nil {
		return nil, "", err
	}

	p.Active = true
	if err := a.persons.Create(ctx, p); err != nil {
		return nil, "", fmt.Errorf("create person: %w", err)
	}
	req.PersonID = p.ID
	return a.insertCredential(ctx, req)
}

func (a *Admin) validateNewCredential(verr *ValidationError, req NewCredential) {
	if req.RoleID <= 0 {
		verr.Add("role_id", "is required")
	}
	validateUsername(verr, req.Username)
	if req.Password != "" {
		if err := validatePassword(req.Password, a.minPasswordLength); err != nil {
			var pv *ValidationError
			if errors.As(err, &pv) {
				verr.Fields = append(verr.Fields, pv.Fields...)
			}
		}
	}
}

func (a *Admin) checkNewCredential(ctx context.Context, req NewCredential) error {
	if err := a.requireRole(ctx, req.RoleID); err != nil {
		return err
	}
	return a.requireUsernameFree(ctx, req.Username, 0)
}

func (a *Admin) insertCredential(ctx context.Context, req NewCredential) (*Credential, string, error) {
	if _, err := a.creds.FindByPersonID(ctx, req.PersonID); err == nil {
		return nil, "", fmt.Errorf("person %d already has a credential: %w", req.PersonID, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, "", fmt.Errorf("find credential by person: %w", err)
	}

	plaintext := req.Password
	generated := plaintext == ""
	if generated {
		var err error
		if plaintext, err = GenerateTemporaryPassword(); err != nil {
			return nil, "", fmt.Errorf("generate temporary password: %w", err)
		}
	}
	hash, err := a.hasher.Hash(plaintext)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	cred := &Credential{
		Username:          req.Username,
		PasswordHash:      hash,
		RoleID:            req.RoleID,
		PersonID:          req.PersonID,
		Status:            StatusActive,
		TemporaryPassword: generated || req.Temporary,
	}
	if err := a.creds.Create(ctx, cred); err != nil {
		return nil, "", err
	}
	if !generated {
		plaintext = ""
	}
	return cred, plaintext, nil
}

// UpdateCredential changes username or role. A role change closes every
// open session of the credential.
func (a *Admin) UpdateCredential(ctx context.Context, id int64, upd CredentialUpdate) (*Credential, error) {
	verr := &ValidationError{}
	if upd.Username != nil {
		trimmed := strings.TrimSpace(*upd.Username)
		upd.Username = &trimmed
		validateUsername(verr, trimmed)
	}
	if upd.RoleID != nil && *upd.RoleID <= 0 {
		verr.Add("role_id", "is invalid")
	}
	if upd.Username == nil && upd.RoleID == nil {
		verr.Add("body", "no changes supplied")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	current, err := a.creds.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.RoleID != nil {
		if err := a.requireRole(ctx, *upd.RoleID); err != nil {
			return nil, err
		}
	}
	if upd.Username != nil {
		if err := a.requireUsernameFree(ctx, *upd.Username, id); err != nil {
			return nil, err
		}
	}
	updated, err := a.creds.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	// Access tokens carry the role, so a role change revokes them.
	if upd.RoleID != nil && *upd.RoleID != current.RoleID {
		if _, err := a.sessions.CloseAllForCredential(ctx, id, a.now()); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("close sessions: %w", err)
		}
	}
	return updated, nil
}

// Deactivate blocks future logins and closes every open session.
func (a *Admin) Deactivate(ctx context.Context, id int64) (*Credential, error) {
	cred, err := a.creds.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cred.Active() {
		return nil, fieldError("status", "credential is already inactive")
	}
	updated, err := a.creds.SetStatus(ctx, id, StatusInactive)
	if err != nil {
		return nil, err
	}
	if _, err := a.sessions.CloseAllForCredential(ctx, id, a.now()); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("close sessions: %w", err)
	}
	return updated, nil
}

// Activate re-enables a deactivated credential.
func (a *Admin) Activate(ctx context.Context, id int64) (*Credential, error) {
	cred, err := a.creds.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cred.Active() {
		return nil, fieldError("status", "credential is already active")
	}
	return a.creds.SetStatus(ctx, id, StatusActive)
}

// EnableMFA provisions a new TOTP secret. The enrollment is only ever
// returned here.
func (a *Admin) EnableMFA(ctx context.Context, id int64) (MFAEnrollment, error) {
	cred, err := a.creds.FindByID(ctx, id)
	if err != nil {
		return MFAEnrollment{}, err
	}
	enrollment, err := a.enroller.Enroll(cred.Username)
	if err != nil {
		return MFAEnrollment{}, fmt.Errorf("enroll mfa: %w", err)
	}
	if err := a.creds.SetMFASecret(ctx, id, enrollment.Secret); err != nil {
		return MFAEnrollment{}, err
	}
	return enrollment, nil
}

// DisableMFA removes the second factor.
func (a *Admin) DisableMFA(ctx context.Context, id int64) error {
	if _, err := a.creds.FindByID(ctx, id); err != nil {
		return err
	}
	return a.creds.ClearMFASecret(ctx, id)
}

// SetPassword replaces a credential's password. Only the owner or an
// administrator may do so, and only an administrator may mark it temporary.
func (a *Admin) SetPassword(ctx context.Context, actor Principal, id int64, password string, temporary bool) error {
	if actor.CredentialID != id && !actor.IsAdmin() {
		return ErrForbidden
	}
	if temporary && !actor.IsAdmin() {
		return ErrForbidden
	}
	if err := validatePassword(password, a.minPasswordLength); err != nil {
		return err
	}
	if _, err := a.creds.FindByID(ctx, id); err != nil {
		return err
	}
	hash, err := a.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return a.creds.ReplacePassword(ctx, id, hash, temporary)
}

// Roles lists the role catalog.
func (a *Admin) Roles(ctx context.Context) ([]Role, error) {
	return a.roles.List(ctx)
}

// Role loads one role by id.
func (a *Admin) Role(ctx context.Context, id RoleID) (*Role, error) {
	return a.roles.FindByID(ctx, id)
}

// RoleByName loads one role by its unique name.
func (a *Admin) RoleByName(ctx context.Context, name string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fieldError("name", "is required")
	}
	return a.roles.FindByName(ctx, name)
}

// CreateRole adds a role to the catalog.
func (a *Admin) CreateRole(ctx context.Context, name string) (*Role, error) {
	name, err := normalizeRoleName(name)
	if err != nil {
		return nil, err
	}
	return a.roles.Create(ctx, name)
}

// UpdateRole renames a role.
func (a *Admin) UpdateRole(ctx context.Context, id RoleID, name string) (*Role, error) {
	name, err := normalizeRoleName(name)
	if err != nil {
		return nil, err
	}
	return a.roles.Update(ctx, id, name)
}

// InitializeRoles inserts any missing default roles and returns the catalog.
func (a *Admin) InitializeRoles(ctx context.Context) ([]Role, error) {
	return a.roles.EnsureDefaults(ctx, DefaultRoles)
}

func (a *Admin) requireRole(ctx context.Context, id RoleID) error {
	if _, err := a.roles.FindByID(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fieldError("role_id", "does not exist")
		}
		return fmt.Errorf("find role: %w", err)
	}
	return nil
}

func (a *Admin) requireUsernameFree(ctx context.Context, username string, self int64) error {
	existing, err := a.creds.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("find credential: %w", err)
	case existing.ID == self:
		return nil
	default:
		return fmt.Errorf("username %q: %w", username, ErrConflict)
	}
}

func validateUsername(verr *ValidationError, username string) {
	switch {
	case username == "":
		verr.Add("username", "is required")
	case len(username) > maxUsernameLength:
		verr.Add("username", "is too long")
	case strings.ContainsAny(username, " \t\r\n"):
		verr.Add("username", "must not contain whitespace")
	}
}

func normalizeRoleName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fieldError("name", "is required")
	case len(name) > maxRoleNameLength:
		return "", fieldError("name", "is too long")
	}
	return name, nil
}

func fieldError(field, message string) error {
	verr := &ValidationError{}
	verr.Add(field, message)
	return verr
}

// CreatePerson registers the minimal person record a credential links to.
func (a *Admin) CreatePerson(ctx context.Context, p *Person) error {
	if p == nil {
		return fieldError("person", "is required")
	}
	normalizePerson(p)
	verr := &ValidationError{}
	validatePerson(verr, p)
	if err := verr.Err(); err != nil {
		return err
	}
	p.Active = true
	return a.persons.Create(ctx, p)
}

func normalizePerson(p *Person) {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Email = strings.TrimSpace(p.Email)
}

func validatePerson(verr *ValidationError, p *Person) {
	if p.FirstName == "" {
		verr.Add("first_name", "is required")
	}
	if p.LastName == "" {
		verr.Add("last_name", "is required")
	}
}
