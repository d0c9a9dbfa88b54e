package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoevents/geoevents/internal/storage"
)

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
		found   bool
	}{
		{"x-api-key", map[string]string{"X-Api-Key": "abc"}, "abc", true},
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc", true},
		{"x-api-key wins", map[string]string{"X-Api-Key": "primary", "Authorization": "Bearer secondary"}, "primary", true},
		{"no headers", nil, "", false},
		{"basic auth ignored", map[string]string{"Authorization": "Basic abc"}, "", false},
		{"lowercase bearer ignored", map[string]string{"Authorization": "bearer abc"}, "", false},
		{"trimmed", map[string]string{"X-Api-Key": "  abc  "}, "abc", true},
		{"whitespace only", map[string]string{"X-Api-Key": "   "}, "", false},
		{"bearer without token", map[string]string{"Authorization": "Bearer "}, "", false},
		{"newline injection", map[string]string{"X-Api-Key": "abc\r\nX-Admin: 1"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header[http.CanonicalHeaderKey(k)] = []string{v}
			}

			got, found := extractAPIKey(req)

			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func validKey(t *testing.T) string {
	t.Helper()

	key, err := storage.GenerateAPIKey(testAccount)
	require.NoError(t, err)

	return key
}

func TestAuthenticateRequest(t *testing.T) {
	key := validKey(t)
	now := time.Now()
	past := now.Add(-time.Hour)

	found := func(k *storage.Key) *MockKeyStore {
		return &MockKeyStore{FindByKeyFunc: func(context.Context, string) (*storage.Key, bool) { return k, true }}
	}

	tests := []struct {
		name    string
		store   storage.KeyStore
		apiKey  string
		wantErr error
	}{
		{"valid", found(&storage.Key{ID: "k1", AccountID: testAccount, Active: true}), key, nil},
		{"invalid format", found(&storage.Key{Active: true}), "not-a-key", ErrInvalidAPIKey},
		{"not found", &MockKeyStore{}, key, ErrInvalidAPIKey},
		{"inactive", found(&storage.Key{ID: "k1", AccountID: testAccount}), key, ErrAPIKeyInactive},
		{"expired", found(&storage.Key{ID: "k1", AccountID: testAccount, Active: true, ExpiresAt: &past}), key, ErrAPIKeyExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := authenticateRequest(context.Background(), tt.store, tt.apiKey, now, discardLogger())

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, testAccount, got.AccountID)
		})
	}
}

func TestAuthError(t *testing.T) {
	err := &AuthError{Type: ErrAPIKeyExpired, Message: "API key has expired"}

	assert.Equal(t, "authentication failed: API key expired: API key has expired", err.Error())
	assert.Equal(t, "authentication failed: missing API key", (&AuthError{Type: ErrMissingAPIKey}).Error())
	require.ErrorIs(t, err, ErrAPIKeyExpired)
	assert.Equal(t, http.StatusUnauthorized, authStatus(err))
	assert.Equal(t, http.StatusForbidden, authStatus(&AuthError{Type: ErrForbidden}))
}

func newAuthHandler(t *testing.T, keys storage.KeyStore) (http.Handler, *AccountContext) {
	t.Helper()

	var seen AccountContext

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetAccountContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	return Apply(inner, WithCorrelationID(), WithAuth(keys, discardLogger())), &seen
}

func TestAuthenticateAccount(t *testing.T) {
	ctx := context.Background()
	keys := storage.NewInMemoryKeyStore()
	key := validKey(t)

	require.NoError(t, keys.Add(ctx, &storage.Key{
		ID:          "key-1",
		Key:         key,
		AccountID:   testAccount,
		Name:        "uploader",
		Permissions: []string{PermissionImportsWrite},
		CreatedAt:   time.Now(),
		Active:      true,
	}))

	RegisterPublicEndpoint("/ping")
	RegisterPublicEndpoint("/api/v1/webhooks/scheduled-imports/{id}")

	handler, seen := newAuthHandler(t, keys)

	send := func(path, apiKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec
	}

	t.Run("valid key attaches account", func(t *testing.T) {
		rec := send("/api/v1/imports", key)

		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, testAccount, seen.AccountID)
		assert.Equal(t, "key-1", seen.KeyID)
		assert.True(t, seen.HasPermission(PermissionImportsWrite))
		assert.Equal(t, "uploader (key:key-1)", seen.Actor())
	})

	t.Run("missing key", func(t *testing.T) {
		rec := send("/api/v1/imports", "")

		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var problem map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
		assert.Equal(t, ProblemTypeBase+"401", problem["type"])
		assert.Equal(t, "/api/v1/imports", problem["instance"])
		assert.Equal(t, rec.Header().Get("X-Correlation-ID"), problem["correlation_id"])
		assert.Contains(t, problem["detail"], "missing API key")
	})

	t.Run("unknown key", func(t *testing.T) {
		rec := send("/api/v1/imports", validKey(t))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotContains(t, rec.Body.String(), "not found", "unknown keys are indistinguishable from malformed ones")
	})

	t.Run("public endpoints bypass auth", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, send("/ping", "").Code)
		assert.Equal(t, http.StatusNoContent, send("/api/v1/webhooks/scheduled-imports/s-1", "").Code)
		assert.Equal(t, http.StatusUnauthorized, send("/api/v1/webhooks/scheduled-imports/s-1/extra", "").Code)
	})
}

func TestWithAuth_NilStoreIsNoop(t *testing.T) {
	handler, _ := newAuthHandler(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/imports", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequirePermission(t *testing.T) {
	handler := RequirePermission(PermissionDatasetsDelete, discardLogger(), func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	send := func(account *AccountContext) int {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/datasets/d-1", nil)
		if account != nil {
			req = req.WithContext(SetAccountContext(req.Context(), *account))
		}

		rec := httptest.NewRecorder()
		handler(rec, req)

		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(nil))
	assert.Equal(t, http.StatusForbidden, send(&AccountContext{AccountID: testAccount, Permissions: []string{PermissionImportsWrite}}))
	assert.Equal(t, http.StatusNoContent, send(&AccountContext{AccountID: testAccount, Permissions: []string{PermissionDatasetsDelete}}))
	assert.Equal(t, http.StatusNoContent, send(&AccountContext{AccountID: testAccount, Permissions: []string{storage.PermissionAll}}))
}

func TestAccountContext(t *testing.T) {
	_, ok := GetAccountContext(context.Background())
	assert.False(t, ok)

	ctx := SetAccountContext(context.Background(), AccountContext{AccountID: testAccount, KeyID: "k"})

	got, ok := GetAccountContext(ctx)
	require.True(t, ok)
	assert.Equal(t, testAccount, got.AccountID)
	assert.Equal(t, "key:k", got.Actor())
	assert.False(t, got.HasPermission(PermissionEventsRead))
}

func TestIsPublicEndpoint(t *testing.T) {
	RegisterPublicEndpoint("/health")

	assert.True(t, isPublicEndpoint("/health"))
	assert.False(t, isPublicEndpoint("/health/extra"))
	assert.False(t, isPublicEndpoint(strings.ToUpper("/health")))
}
