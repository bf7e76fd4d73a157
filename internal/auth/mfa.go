package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// MFAVerifier is the external oracle that checks a second-factor code.
type MFAVerifier interface {
	Verify(ctx context.Context, cred *Credential, code string) (bool, error)
}

// MFAEnrollment is handed to the administrator once when MFA is enabled.
type MFAEnrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

// TOTPVerifier validates RFC 6238 codes against the credential's secret.
type TOTPVerifier struct {
	issuer string
	skew   uint
	now    func() time.Time
}

// NewTOTPVerifier returns a verifier accepting one period of clock skew.
func NewTOTPVerifier(issuer string) *TOTPVerifier {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &TOTPVerifier{issuer: issuer, skew: 1, now: time.Now}
}

// Verify implements MFAVerifier.
func (v *TOTPVerifier) Verify(_ context.Context, cred *Credential, code string) (bool, error) {
	if cred == nil || cred.MFASecret == nil || *cred.MFASecret == "" {
		return false, nil
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	ok, err := totp.ValidateCustom(code, *cred.MFASecret, v.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      v.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// Enroll generates a fresh shared secret for the given account name.
func (v *TOTPVerifier) Enroll(accountName string) (MFAEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return MFAEnrollment{}, err
	}
	return MFAEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}
