// Package auth gates connections behind the manager's configured
// password (spec §6's NOAUTH rule). The password check is
// derive-and-compare rather than a bare string comparison, adapted from
// internal/security.MemoryEncryption's pbkdf2 key derivation in the
// teacher repo.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLength  = 32
	saltLength       = 16
)

// PasswordGate verifies the AUTH <pw> handshake against a password fixed
// at manager construction, without keeping the plaintext around any
// longer than it takes to derive a key from it.
type PasswordGate struct {
	salt []byte
	hash []byte
}

// NewPasswordGate derives and stores a key for password. A nil gate
// (constructed with an empty password) never gates anything; callers
// should check Enabled before consulting Check.
func NewPasswordGate(password string) (*PasswordGate, error) {
	if password == "" {
		return nil, nil
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("auth: generate salt: %w", err)
	}
	return &PasswordGate{
		salt: salt,
		hash: deriveKey(password, salt),
	}, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
}

// Check reports whether candidate matches the configured password, in
// constant time with respect to the candidate's content.
func (g *PasswordGate) Check(candidate string) bool {
	if g == nil {
		return true
	}
	got := deriveKey(candidate, g.salt)
	return subtle.ConstantTimeCompare(got, g.hash) == 1
}

// Enabled reports whether this gate actually requires authentication.
func (g *PasswordGate) Enabled() bool {
	return g != nil
}
