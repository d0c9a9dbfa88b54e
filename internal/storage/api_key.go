package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// API key format: "geoevents_ak_" + 64 hex chars.
	apiKeyPrefix    = "geoevents_ak_"
	randomBytesSize = 32
	apiKeyLength    = len(apiKeyPrefix) + 2*randomBytesSize
	prefixLen       = 17 // Show "geoevents_ak_1234"
	suffixLen       = 4  // Show last 4 chars

	// bcryptCost 10 is ~60ms per hash.
	bcryptCost  = 10
	bcryptLimit = 72
)

// PermissionAll grants every permission.
const PermissionAll = "*"

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrAccountIDEmpty is returned when the account is missing.
	ErrAccountIDEmpty = errors.New("account ID cannot be empty")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when API key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

// Key is an API key bound to one account. Every request authenticated with it
// acts on behalf of that account and is counted against its quotas.
type Key struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	AccountID   string     `json:"accountId"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
}

// KeyStore defines API key storage and retrieval.
type KeyStore interface {
	// FindByKey retrieves an active API key by its plaintext value. The
	// returned Key carries a masked value.
	FindByKey(ctx context.Context, key string) (*Key, bool)
	Add(ctx context.Context, apiKey *Key) error
	Update(ctx context.Context, apiKey *Key) error
	// Delete deactivates a key.
	Delete(ctx context.Context, keyID string) error
	ListByAccount(ctx context.Context, accountID string) ([]*Key, error)
}

// IsUsable reports whether the key is active and not expired at now.
func (ak *Key) IsUsable(now time.Time) bool {
	if !ak.Active {
		return false
	}

	return ak.ExpiresAt == nil || now.Before(*ak.ExpiresAt)
}

// HasPermission checks if the API key has a specific permission.
func (ak *Key) HasPermission(permission string) bool {
	return slices.Contains(ak.Permissions, permission) || slices.Contains(ak.Permissions, PermissionAll)
}

// SecureCompare performs constant-time comparison of two strings to prevent timing attacks.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		// Compare against a dummy of the same length to keep timing constant.
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey masks an API key for logging, keeping only the prefix and suffix of
// well-formed keys.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	if len(key) == apiKeyLength {
		return key[:prefixLen] + strings.Repeat("*", apiKeyLength-prefixLen-suffixLen) + key[apiKeyLength-suffixLen:]
	}

	return strings.Repeat("*", len(key))
}

// GenerateAPIKey creates a new random API key for an account.
func GenerateAPIKey(accountID string) (string, error) {
	if accountID == "" {
		return "", ErrAccountIDEmpty
	}

	randomBytes := make([]byte, randomBytesSize)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return apiKeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey extracts the API key from an Authorization or X-Api-Key header value.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, apiKeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}

// hashInput pre-hashes keys longer than bcrypt's 72-byte limit with SHA-256.
func hashInput(apiKey string) []byte {
	if len(apiKey) <= bcryptLimit {
		return []byte(apiKey)
	}

	sum := sha256.Sum256([]byte(apiKey))

	return sum[:]
}

// HashAPIKey generates a salted bcrypt hash of the API key. Only the hash is persisted.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(hashInput(apiKey), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash reports whether apiKey matches the bcrypt hash. Empty
// inputs and malformed hashes never match.
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), hashInput(apiKey)) == nil
}
