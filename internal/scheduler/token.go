package scheduler

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash.
	bcryptCost  = 10
	bcryptLimit = 72

	webhookTokenBytes = 32
)

// ErrEmptyToken is returned when hashing an empty webhook token.
var ErrEmptyToken = errors.New("webhook token is empty")

// GenerateWebhookToken returns a random URL-safe token and its bcrypt hash.
// Only the hash is persisted; the token is shown to the operator once.
func GenerateWebhookToken() (token, hash string, err error) {
	buf := make([]byte, webhookTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate webhook token: %w", err)
	}

	token = base64.RawURLEncoding.EncodeToString(buf)

	hash, err = HashWebhookToken(token)
	if err != nil {
		return "", "", err
	}

	return token, hash, nil
}

// HashWebhookToken generates a bcrypt hash of a webhook token.
//
// Bcrypt has a 72-byte input limit. Longer tokens are pre-hashed with SHA-256.
func HashWebhookToken(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}

	hash, err := bcrypt.GenerateFromPassword(tokenInput(token), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash webhook token: %w", err)
	}

	return string(hash), nil
}

// CompareWebhookToken reports whether token matches the stored bcrypt hash.
// Empty inputs and malformed hashes never match.
func CompareWebhookToken(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), tokenInput(token)) == nil
}

func tokenInput(token string) []byte {
	if len(token) <= bcryptLimit {
		return []byte(token)
	}

	sum := sha256.Sum256([]byte(token))

	return sum[:]
}
