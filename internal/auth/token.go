package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"medrec.org/internal/ids"
)

const (
	defaultIssuer = "medrec"
	clockSkew     = 5 * time.Second

	TokenUseAccess = "access"
	TokenUseStep   = "step"
)

// Step discriminates intermediate authentication tokens.
type Step string

const (
	StepMFA            Step = "mfa"
	StepChangePassword Step = "change-password"
)

// Claims is the claim set carried by both access and step tokens. Subject
// holds the credential id.
type Claims struct {
	Use      string `json:"use"`
	Step     Step   `json:"step,omitempty"`
	Username string `json:"username,omitempty"`
	RoleID   RoleID `json:"role_id,omitempty"`
	RoleName string `json:"role_name,omitempty"`
	PersonID int64  `json:"person_id,omitempty"`
	jwt.RegisteredClaims
}

// CredentialID parses the subject claim.
func (c *Claims) CredentialID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// TokenIssuer signs and verifies HS256 tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokenOption configures TokenIssuer.
type TokenOption func(*TokenIssuer)

// WithTokenIssuer overrides the iss claim.
func WithTokenIssuer(issuer string) TokenOption {
	return func(t *TokenIssuer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *TokenIssuer) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTokenIssuer constructs an issuer bound to secret.
func NewTokenIssuer(secret string, opts ...TokenOption) (*TokenIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: token secret is not configured")
	}
	t := &TokenIssuer{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue signs claims valid for ttl and returns the token and its expiry.
func (t *TokenIssuer) Issue(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be greater than zero")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	now := t.now().UTC()
	exp := now.Add(ttl)
	claims.Issuer = t.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	claims.ID = ids.New()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp.Truncate(time.Second), nil
}

// Verify checks signature, issuer and time claims. Expired tokens yield
// ErrTokenExpired, anything else ErrInvalidToken.
func (t *TokenIssuer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(t.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.CredentialID(); err != nil {
		return nil, err
	}
	switch claims.Use {
	case TokenUseAccess:
	case TokenUseStep:
		if claims.Step != StepMFA && claims.Step != StepChangePassword {
			return nil, ErrInvalidToken
		}
	default:
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func accessClaims(c *Credential) Claims {
	return Claims{
		Use:      TokenUseAccess,
		Username: c.Username,
		RoleID:   c.RoleID,
		RoleName: c.RoleName,
		PersonID: c.PersonID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: strconv.FormatInt(c.ID, 10),
		},
	}
}

func stepClaims(credentialID int64, step Step) Claims {
	return Claims{
		Use:  TokenUseStep,
		Step: step,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: strconv.FormatInt(credentialID, 10),
		},
	}
}
