// Package security generates and hashes the secrets handed out by the session
// engine: session tokens, federated session tokens, OAuth CSRF state and
// local password hashes.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// TokenBytes is the entropy of every opaque token (256 bits).
const TokenBytes = 32

// GenerateToken returns a base64url (unpadded) string of TokenBytes random bytes
// read from crypto/rand.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewID returns a random UUID for record identifiers. IDs are not secrets.
func NewID() string {
	return uuid.NewString()
}

// HashToken returns the hex SHA-256 of token. Used wherever a token must be
// looked up or stored without keeping the plaintext.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TokenHashEqual compares the hash of providedToken with storedHash in constant time.
func TokenHashEqual(providedToken, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(providedToken)), []byte(storedHash)) == 1
}
