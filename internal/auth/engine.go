package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"medrec.org/internal/obs"
)

const (
	defaultAccessTTL         = 8 * time.Hour
	defaultMFAStepTTL        = 10 * time.Minute
	defaultPasswordStepTTL   = 15 * time.Minute
	defaultLockoutThreshold  = 5
	defaultLockoutDuration   = 15 * time.Minute
	timingEqualizerPlaintext = "medrec-timing-equalizer"
)

// LockoutPolicy locks a credential for Duration once Threshold consecutive
// failures have been recorded. Threshold 0 only counts.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// Outcome is where a login attempt ended up.
type Outcome string

const (
	OutcomeAuthenticated          Outcome = "authenticated"
	OutcomePasswordChangeRequired Outcome = "password_change_required"
	OutcomeMFARequired            Outcome = "mfa_required"
)

// LoginResult carries either a full access token (OutcomeAuthenticated) or a
// step token for the pending gate.
type LoginResult struct {
	Outcome      Outcome
	CredentialID int64
	Token        string
	ExpiresAt    time.Time
	User         *PublicCredential
	Session      *Session
}

// Engine implements the login state machine and session lifecycle.
type Engine struct {
	creds    CredentialStore
	sessions SessionStore
	hasher   PasswordHasher
	tokens   *TokenIssuer
	mfa      MFAVerifier
	now      func() time.Time

	lockout           LockoutPolicy
	accessTTL         time.Duration
	mfaStepTTL        time.Duration
	passwordStepTTL   time.Duration
	minPasswordLength int

	equalizerOnce sync.Once
	equalizerHash string
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine) error

// WithLockoutPolicy sets the failed-attempt threshold and lock duration.
func WithLockoutPolicy(p LockoutPolicy) EngineOption {
	return func(e *Engine) error {
		if p.Threshold < 0 {
			return errors.New("auth: lockout threshold must not be negative")
		}
		if p.Threshold > 0 && p.Duration <= 0 {
			return errors.New("auth: lockout duration must be positive")
		}
		e.lockout = p
		return nil
	}
}

// WithAccessTTL configures full token lifetime.
func WithAccessTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl > 0 {
			e.accessTTL = ttl
		}
		return nil
	}
}

// WithStepTTLs configures the lifetimes of the mfa and change-password step tokens.
func WithStepTTLs(mfa, changePassword time.Duration) EngineOption {
	return func(e *Engine) error {
		if mfa > 0 {
			e.mfaStepTTL = mfa
		}
		if changePassword > 0 {
			e.passwordStepTTL = changePassword
		}
		return nil
	}
}

// WithMinPasswordLength sets the password policy used on password change.
func WithMinPasswordLength(n int) EngineOption {
	return func(e *Engine) error {
		if n > 0 {
			e.minPasswordLength = n
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// NewEngine wires the engine to its collaborators.
func NewEngine(creds CredentialStore, sessions SessionStore, hasher PasswordHasher, tokens *TokenIssuer, mfa MFAVerifier, opts ...EngineOption) (*Engine, error) {
	if creds == nil || sessions == nil || hasher == nil || tokens == nil || mfa == nil {
		return nil, errors.New("auth: engine collaborators are required")
	}
	e := &Engine{
		creds:             creds,
		sessions:          sessions,
		hasher:            hasher,
		tokens:            tokens,
		mfa:               mfa,
		now:               time.Now,
		lockout:           LockoutPolicy{Threshold: defaultLockoutThreshold, Duration: defaultLockoutDuration},
		accessTTL:         defaultAccessTTL,
		mfaStepTTL:        defaultMFAStepTTL,
		passwordStepTTL:   defaultPasswordStepTTL,
		minPasswordLength: defaultMinPasswordLength,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Login checks a username/password pair and advances the credential to the
// next pending gate or a full session.
func (e *Engine) Login(ctx context.Context, username, password string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		obs.RecordLogin("invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	cred, err := e.creds.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.equalizeTiming(password)
			obs.RecordLogin("invalid_credentials")
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("find credential: %w", err)
	}
	if !cred.Active() {
		obs.RecordLogin("inactive")
		return LoginResult{}, ErrAccountInactive
	}

	now := e.now()
	if remaining, locked := cred.LockedAt(now); locked {
		obs.RecordLogin("locked")
		return LoginResult{}, &LockedError{RetryAfter: remaining}
	}

	if err := e.hasher.Compare(cred.PasswordHash, password); err != nil {
		attempt, ferr := e.creds.RecordFailedAttempt(ctx, cred.ID, e.lockout.Threshold, now, now.Add(e.lockout.Duration))
		if ferr != nil {
			return LoginResult{}, fmt.Errorf("record failed attempt: %w", ferr)
		}
		if attempt.LockedUntil != nil && attempt.LockedUntil.After(now) {
			obs.Logger().Warn("credential locked",
				"credential_id", cred.ID,
				"failed_attempts", attempt.Count,
				"locked_until", attempt.LockedUntil.UTC().Format(time.RFC3339),
			)
		}
		obs.RecordLogin("invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := e.creds.ResetFailedAttempts(ctx, cred.ID); err != nil {
		return LoginResult{}, fmt.Errorf("reset failed attempts: %w", err)
	}
	cred.FailedAttempts = 0
	cred.LockedUntil = nil

	return e.advance(ctx, cred)
}

// CompleteMFA exchanges an mfa step token and a valid code for a full session.
func (e *Engine) CompleteMFA(ctx context.Context, tempToken, code string) (LoginResult, error) {
	claims, err := e.verifyStep(tempToken, StepMFA)
	if err != nil {
		return LoginResult{}, err
	}
	cred, err := e.stepCredential(ctx, claims)
	if err != nil {
		return LoginResult{}, err
	}
	if !cred.MFAEnabled {
		return LoginResult{}, ErrInvalidStep
	}
	ok, err := e.mfa.Verify(ctx, cred, code)
	if err != nil {
		return LoginResult{}, fmt.Errorf("verify mfa code: %w", err)
	}
	if !ok {
		obs.RecordLogin("invalid_mfa_code")
		return LoginResult{}, ErrInvalidMFACode
	}
	return e.openSession(ctx, cred)
}

// CompletePasswordChange replaces a temporary password and then re-evaluates
// the MFA gate before opening a session.
func (e *Engine) CompletePasswordChange(ctx context.Context, tempToken, newPassword string) (LoginResult, error) {
	claims, err := e.verifyStep(tempToken, StepChangePassword)
	if err != nil {
		return LoginResult{}, err
	}
	if err := validatePassword(newPassword, e.minPasswordLength); err != nil {
		return LoginResult{}, err
	}
	cred, err := e.stepCredential(ctx, claims)
	if err != nil {
		return LoginResult{}, err
	}
	// a cleared flag means this step token was already used
	if !cred.TemporaryPassword {
		return LoginResult{}, ErrInvalidStep
	}
	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return LoginResult{}, fmt.Errorf("hash password: %w", err)
	}
	if err := e.creds.ReplacePassword(ctx, cred.ID, hash, false); err != nil {
		return LoginResult{}, fmt.Errorf("replace password: %w", err)
	}
	cred.PasswordHash = hash
	cred.TemporaryPassword = false
	cred.FailedAttempts = 0
	cred.LockedUntil = nil

	return e.advance(ctx, cred)
}

// Logout closes the open session bound to token. An unknown or already
// closed token reports ErrNotFound.
func (e *Engine) Logout(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNotFound
	}
	return e.sessions.CloseByToken(ctx, token, e.now())
}

// AuthenticateToken verifies an access token and requires its session to
// still be open.
func (e *Engine) AuthenticateToken(ctx context.Context, token string) (Principal, error) {
	claims, err := e.tokens.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	if claims.Use != TokenUseAccess {
		return Principal{}, ErrInvalidToken
	}
	id, err := claims.CredentialID()
	if err != nil {
		return Principal{}, err
	}
	sess, err := e.sessions.FindOpenByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, fmt.Errorf("find session: %w", err)
	}
	if sess.CredentialID != id {
		return Principal{}, ErrInvalidToken
	}
	return Principal{
		CredentialID: id,
		Username:     claims.Username,
		RoleID:       claims.RoleID,
		RoleName:     claims.RoleName,
		PersonID:     claims.PersonID,
		SessionID:    sess.ID,
	}, nil
}

// Me loads the current state of the principal's credential.
func (e *Engine) Me(ctx context.Context, principal Principal) (*Credential, error) {
	return e.creds.FindByID(ctx, principal.CredentialID)
}

func (e *Engine) advance(ctx context.Context, cred *Credential) (LoginResult, error) {
	switch {
	case cred.TemporaryPassword:
		return e.issueStep(cred, StepChangePassword, e.passwordStepTTL, OutcomePasswordChangeRequired)
	case cred.MFAEnabled:
		return e.issueStep(cred, StepMFA, e.mfaStepTTL, OutcomeMFARequired)
	default:
		return e.openSession(ctx, cred)
	}
}

func (e *Engine) issueStep(cred *Credential, step Step, ttl time.Duration, outcome Outcome) (LoginResult, error) {
	token, exp, err := e.tokens.Issue(stepClaims(cred.ID, step), ttl)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue step token: %w", err)
	}
	obs.RecordLogin(string(outcome))
	return LoginResult{
		Outcome:      outcome,
		CredentialID: cred.ID,
		Token:        token,
		ExpiresAt:    exp,
	}, nil
}

func (e *Engine) openSession(ctx context.Context, cred *Credential) (LoginResult, error) {
	token, exp, err := e.tokens.Issue(accessClaims(cred), e.accessTTL)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue access token: %w", err)
	}
	now := e.now()
	sess := &Session{
		CredentialID: cred.ID,
		Username:     cred.Username,
		Token:        token,
		StartedAt:    now,
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}
	// last login is telemetry; a failure here must not undo the session
	if err := e.creds.UpdateLastLogin(ctx, cred.ID, now); err != nil {
		obs.Logger().Warn("update last login failed", "credential_id", cred.ID, "error", err.Error())
	} else {
		cred.LastLoginAt = &now
	}
	obs.RecordLogin(string(OutcomeAuthenticated))
	obs.RecordSessionOpened()

	user := cred.Public()
	return LoginResult{
		Outcome:      OutcomeAuthenticated,
		CredentialID: cred.ID,
		Token:        token,
		ExpiresAt:    exp,
		User:         &user,
		Session:      sess,
	}, nil
}

func (e *Engine) verifyStep(token string, want Step) (*Claims, error) {
	claims, err := e.tokens.Verify(token)
	if err != nil {
		return nil, ErrInvalidStep
	}
	if claims.Use != TokenUseStep || claims.Step != want {
		return nil, ErrInvalidStep
	}
	return claims, nil
}

func (e *Engine) stepCredential(ctx context.Context, claims *Claims) (*Credential, error) {
	id, err := claims.CredentialID()
	if err != nil {
		return nil, ErrInvalidStep
	}
	cred, err := e.creds.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("find credential: %w", err)
	}
	if !cred.Active() {
		return nil, ErrAccountInactive
	}
	return cred, nil
}

// equalizeTiming spends one hash comparison so unknown usernames cost the
// same as wrong passwords.
func (e *Engine) equalizeTiming(password string) {
	e.equalizerOnce.Do(func() {
		hash, err := e.hasher.Hash(timingEqualizerPlaintext)
		if err == nil {
			e.equalizerHash = hash
		}
	})
	if e.equalizerHash != "" {
		_ = e.hasher.Compare(e.equalizerHash, password)
	}
}
