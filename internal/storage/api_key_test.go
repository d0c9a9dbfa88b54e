package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseAPIKey(t *testing.T) {
	key, err := GenerateAPIKey("acct-1")
	require.NoError(t, err)
	assert.Len(t, key, apiKeyLength)
	assert.True(t, strings.HasPrefix(key, apiKeyPrefix))

	other, err := GenerateAPIKey("acct-1")
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	_, err = GenerateAPIKey("")
	require.ErrorIs(t, err, ErrAccountIDEmpty)

	parsed, err := ParseAPIKey("Bearer " + key)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"empty", "", ErrKeyStringEmpty},
		{"wrong prefix", "sk_" + strings.Repeat("a", 64), ErrInvalidKeyFormat},
		{"truncated", key[:len(key)-1], ErrInvalidKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAPIKey(tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMaskKey(t *testing.T) {
	key := apiKeyPrefix + strings.Repeat("0123456789abcdef", 4)

	masked := MaskKey(key)
	assert.Len(t, masked, len(key))
	assert.True(t, strings.HasPrefix(masked, "geoevents_ak_0123"))
	assert.True(t, strings.HasSuffix(masked, "cdef"))
	assert.NotContains(t, masked, "456789ab")

	assert.Equal(t, "*****", MaskKey("short"))
	assert.Empty(t, MaskKey(""))
}

func TestKey_IsUsableAndPermissions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&Key{Active: true}).IsUsable(now))
	assert.True(t, (&Key{Active: true, ExpiresAt: &future}).IsUsable(now))
	assert.False(t, (&Key{Active: true, ExpiresAt: &past}).IsUsable(now))
	assert.False(t, (&Key{Active: false}).IsUsable(now))

	k := &Key{Permissions: []string{"imports:write"}}
	assert.True(t, k.HasPermission("imports:write"))
	assert.False(t, k.HasPermission("datasets:delete"))
	assert.True(t, (&Key{Permissions: []string{PermissionAll}}).HasPermission("datasets:delete"))
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "abcd"))
}

func TestHashAPIKey(t *testing.T) {
	key := apiKeyPrefix + strings.Repeat("f", 64) // longer than bcrypt's limit

	hash, err := HashAPIKey(key)
	require.NoError(t, err)
	assert.NotEqual(t, key, hash)

	again, err := HashAPIKey(key)
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "hashes are salted")

	assert.True(t, CompareAPIKeyHash(hash, key))
	assert.True(t, CompareAPIKeyHash(again, key))
	assert.False(t, CompareAPIKeyHash(hash, key[:len(key)-1]+"e"))
	assert.False(t, CompareAPIKeyHash("", key))
	assert.False(t, CompareAPIKeyHash("not-a-hash", key))

	_, err = HashAPIKey("")
	assert.ErrorIs(t, err, ErrKeyNil)
}

func TestInMemoryKeyStore(t *testing.T) {
	ctx := context.Background()

	newKey := func(id, account string) *Key {
		value, err := GenerateAPIKey(account)
		require.NoError(t, err)

		return &Key{
			ID:          id,
			Key:         value,
			AccountID:   account,
			Name:        "Uploader",
			Permissions: []string{"imports:write"},
			CreatedAt:   time.Now(),
			Active:      true,
		}
	}

	t.Run("add and find", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		k := newKey("key-1", "acct-1")
		require.NoError(t, store.Add(ctx, k))

		found, ok := store.FindByKey(ctx, k.Key)
		require.True(t, ok)
		assert.Equal(t, "acct-1", found.AccountID)
		assert.Equal(t, MaskKey(k.Key), found.Key)

		_, ok = store.FindByKey(ctx, "missing")
		assert.False(t, ok)

		assert.ErrorIs(t, store.Add(ctx, k), ErrKeyAlreadyExists)
		assert.ErrorIs(t, store.Add(ctx, nil), ErrKeyNil)
		assert.ErrorIs(t, store.Add(ctx, &Key{ID: "x", Key: "y"}), ErrAccountIDEmpty)
	})

	t.Run("update and delete", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		k := newKey("key-1", "acct-1")
		require.NoError(t, store.Add(ctx, k))

		past := time.Now().Add(-time.Minute)
		update := *k
		update.ExpiresAt = &past
		require.NoError(t, store.Update(ctx, &update))

		_, ok := store.FindByKey(ctx, k.Key)
		assert.False(t, ok, "expired keys are not found")

		update.ExpiresAt = nil
		require.NoError(t, store.Update(ctx, &update))

		_, ok = store.FindByKey(ctx, k.Key)
		assert.True(t, ok)

		require.NoError(t, store.Delete(ctx, k.ID))
		assert.ErrorIs(t, store.Delete(ctx, k.ID), ErrKeyNotFound)

		_, ok = store.FindByKey(ctx, k.Key)
		assert.False(t, ok)

		assert.ErrorIs(t, store.Update(ctx, &Key{ID: "missing"}), ErrKeyNotFound)
	})

	t.Run("list by account", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		require.NoError(t, store.Add(ctx, newKey("key-1", "acct-1")))
		require.NoError(t, store.Add(ctx, newKey("key-2", "acct-1")))
		require.NoError(t, store.Add(ctx, newKey("key-3", "acct-2")))
		require.NoError(t, store.Delete(ctx, "key-2"))

		keys, err := store.ListByAccount(ctx, "acct-1")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, "key-1", keys[0].ID)

		keys, err = store.ListByAccount(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, keys)

		_, err = store.ListByAccount(ctx, "")
		assert.ErrorIs(t, err, ErrAccountIDEmpty)
	})
}
