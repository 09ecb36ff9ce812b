package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const adminKeyBcryptCost = 12

var (
	// ErrAdminKeyNotConfigured indicates the admin surface is disabled
	ErrAdminKeyNotConfigured = errors.New("admin API key not configured")
	// ErrInvalidAdminKey indicates the presented key does not match
	ErrInvalidAdminKey = errors.New("invalid admin API key")
)

// AdminKeyVerifier checks operator API keys against a bcrypt hash.
// Only the hash is ever held in config; an empty hash disables the
// admin surface entirely.
type AdminKeyVerifier struct {
	hash []byte
}

// NewAdminKeyVerifier creates a verifier from the configured hash.
func NewAdminKeyVerifier(hash string) *AdminKeyVerifier {
	return &AdminKeyVerifier{hash: []byte(hash)}
}

// Enabled reports whether an admin key hash is configured.
func (v *AdminKeyVerifier) Enabled() bool {
	return len(v.hash) > 0
}

// Verify compares a presented key against the configured hash.
func (v *AdminKeyVerifier) Verify(presented string) error {
	if !v.Enabled() {
		return ErrAdminKeyNotConfigured
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(presented)); err != nil {
		return ErrInvalidAdminKey
	}
	return nil
}

// HashAdminKey produces the bcrypt hash to place in config.
// Used by provisioning tooling, never at request time.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), adminKeyBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
