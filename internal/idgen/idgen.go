// Package idgen generates entity ids, transaction ids and opaque bearer
// tokens. Raw tokens leave the process exactly once; persistence only ever
// sees their SHA-256 hashes.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Generator produces ids. Injected so tests can pin ids if they need to.
type Generator interface {
	NewID() string
	NewTransactionID() string
}

// UUIDGenerator is the production generator backed by google/uuid.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// NewTransactionID returns a saga transaction id. The prefix makes the id
// recognizable in logs and correlation headers.
func (UUIDGenerator) NewTransactionID() string {
	return "txn-" + uuid.NewString()
}

// NewToken returns a random 128-bit token, base64url-encoded without padding.
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 of a raw token. Stores persist this,
// never the token itself.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
