package auth

import (
	"crypto/rand"
	"errors"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultBcryptCost        = 12
	defaultMinPasswordLength = 8
	temporaryPasswordLength  = 12
	temporaryPasswordCharset = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"
)

// PasswordHasher hashes and compares credentials.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// BcryptHasher implements PasswordHasher with bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a hasher; cost outside bcrypt's range falls back to 12.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = defaultBcryptCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash hashes plaintext password using bcrypt.
func (h *BcryptHasher) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare compares plaintext password with stored hash.
func (h *BcryptHasher) Compare(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// GenerateTemporaryPassword returns a random password the administrator
// relays out of band.
func GenerateTemporaryPassword() (string, error) {
	limit := big.NewInt(int64(len(temporaryPasswordCharset)))
	buf := make([]byte, temporaryPasswordLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = temporaryPasswordCharset[n.Int64()]
	}
	return string(buf), nil
}

func validatePassword(password string, minLength int) error {
	if minLength <= 0 {
		minLength = defaultMinPasswordLength
	}
	verr := &ValidationError{}
	switch {
	case password == "":
		verr.Add("password", "is required")
	case len(password) < minLength:
		verr.Add("password", "is too short")
	case len(password) > 72:
		verr.Add("password", "must be at most 72 bytes")
	}
	return verr.Err()
}
