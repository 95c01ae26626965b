package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PasswordScheme encodes passwords for storage and checks candidates
// against the stored form.
type PasswordScheme interface {
	Hash(password string) (string, error)
	Verify(password, stored string) bool
}

// Scheme names accepted by NewPasswordScheme.
const (
	SchemePlaintext = "plaintext"
	SchemeBcrypt    = "bcrypt"
)

// NewPasswordScheme returns the scheme with the given name. Empty means plaintext.
func NewPasswordScheme(name string) (PasswordScheme, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SchemePlaintext:
		return Plaintext{}, nil
	case SchemeBcrypt:
		return Bcrypt{Cost: bcrypt.DefaultCost}, nil
	default:
		return nil, fmt.Errorf("unsupported password scheme %q", name)
	}
}

// Plaintext stores passwords as given and compares them for equality.
// It offers no protection for the stored value.
type Plaintext struct{}

// Hash returns the password unchanged.
func (Plaintext) Hash(password string) (string, error) {
	return password, nil
}

// Verify compares in constant time.
func (Plaintext) Verify(password, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(password), []byte(stored)) == 1
}

// Bcrypt stores bcrypt hashes.
type Bcrypt struct {
	Cost int
}

// Hash returns a bcrypt hash of password.
func (b Bcrypt) Hash(password string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether password matches the stored bcrypt hash.
func (Bcrypt) Verify(password, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}
