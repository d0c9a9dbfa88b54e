package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ KeyStore = (*InMemoryKeyStore)(nil)

// InMemoryKeyStore provides thread-safe in-memory storage for API keys. It
// keeps plaintext keys and is meant for development and tests.
type InMemoryKeyStore struct {
	mu        sync.RWMutex
	keys      map[string]*Key // by key value
	keysByID  map[string]*Key
	byAccount map[string][]string // account id -> key ids
	now       func() time.Time
}

// NewInMemoryKeyStore creates a new thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:      make(map[string]*Key),
		keysByID:  make(map[string]*Key),
		byAccount: make(map[string][]string),
		now:       time.Now,
	}
}

// FindByKey returns a usable key by its value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.keys[key]
	if !ok || !SecureCompare(stored.Key, key) || !stored.IsUsable(s.now()) {
		return nil, false
	}

	found := copyKey(stored)
	found.Key = MaskKey(found.Key)

	return found, true
}

func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.AccountID == "" {
		return ErrAccountIDEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keysByID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	stored := copyKey(apiKey)
	s.keys[stored.Key] = stored
	s.keysByID[stored.ID] = stored
	s.byAccount[stored.AccountID] = append(s.byAccount[stored.AccountID], stored.ID)

	return nil
}

// Update changes name, permissions, active flag and expiry. The key value and
// its account never change.
func (s *InMemoryKeyStore) Update(_ context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.keysByID[apiKey.ID]
	if !ok {
		return ErrKeyNotFound
	}

	stored.Name = apiKey.Name
	stored.Permissions = slices.Clone(apiKey.Permissions)
	stored.Active = apiKey.Active
	stored.ExpiresAt = copyTime(apiKey.ExpiresAt)

	return nil
}

// Delete deactivates the key.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.keysByID[keyID]
	if !ok || !stored.Active {
		return ErrKeyNotFound
	}

	stored.Active = false

	return nil
}

// ListByAccount returns the active keys of an account, masked.
func (s *InMemoryKeyStore) ListByAccount(_ context.Context, accountID string) ([]*Key, error) {
	if accountID == "" {
		return nil, ErrAccountIDEmpty
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []*Key{}

	for _, id := range s.byAccount[accountID] {
		stored := s.keysByID[id]
		if !stored.Active {
			continue
		}

		k := copyKey(stored)
		k.Key = MaskKey(k.Key)
		keys = append(keys, k)
	}

	return keys, nil
}

func copyKey(k *Key) *Key {
	out := *k
	out.Permissions = slices.Clone(k.Permissions)
	out.ExpiresAt = copyTime(k.ExpiresAt)

	return &out
}
