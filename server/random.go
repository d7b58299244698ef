package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// newID returns a fresh row identifier.
func newID() string { return uuid.NewString() }

// randomToken returns n random bytes as an unpadded URL-safe base64 string.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewNonce returns a random envelope nonce in the accepted wire shape.
func NewNonce() (string, error) {
	return randomToken(24)
}

// hashSHA256 returns the hex SHA-256 digest of s, used for API key lookups.
func hashSHA256(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
