package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(4)
	hash, err := h.Hash("Correct#Horse1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "Correct#Horse1" {
		t.Fatal("hash must not equal plaintext")
	}
	if err := h.Compare(hash, "Correct#Horse1"); err != nil {
		t.Fatalf("compare: %v", err)
	}
	if err := h.Compare(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch")
	}
	if err := h.Compare("", "x"); err == nil {
		t.Fatal("expected error for empty hash")
	}
}

func TestNewBcryptHasherFallsBackOnBadCost(t *testing.T) {
	if h := NewBcryptHasher(99); h.cost != defaultBcryptCost {
		t.Fatalf("expected default cost, got %d", h.cost)
	}
}

func TestGenerateTemporaryPassword(t *testing.T) {
	seen := map[string]bool{}
	for range 20 {
		pw, err := GenerateTemporaryPassword()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(pw) != temporaryPasswordLength {
			t.Fatalf("unexpected length %d", len(pw))
		}
		for _, r := range pw {
			if !strings.ContainsRune(temporaryPasswordCharset, r) {
				t.Fatalf("unexpected rune %q", r)
			}
		}
		if seen[pw] {
			t.Fatalf("duplicate password %q", pw)
		}
		seen[pw] = true
	}
}

func TestValidatePassword(t *testing.T) {
	cases := map[string]bool{
		"":                      false,
		"short":                 false,
		"longenough":            true,
		strings.Repeat("a", 72): true,
		strings.Repeat("a", 73): false,
	}
	for pw, ok := range cases {
		err := validatePassword(pw, 8)
		if ok && err != nil {
			t.Fatalf("validatePassword(len %d) unexpected error: %v", len(pw), err)
		}
		if !ok && !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("validatePassword(len %d) = %v, want ErrInvalidInput", len(pw), err)
		}
	}
}
