package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/geoevents/geoevents/internal/storage"
)

// Permissions checked by the API routes.
const (
	PermissionEventsRead     = "events:read"
	PermissionImportsRead    = "imports:read"
	PermissionImportsWrite   = "imports:write"
	PermissionImportsApprove = "imports:approve"
	PermissionSchedulesRun   = "schedules:run"
	PermissionSchedulesWrite = "schedules:write"
	PermissionDatasetsDelete = "datasets:delete"
)

const authFailureInvalidMessage = "Invalid or missing API key"

var (
	publicMu       sync.RWMutex
	publicPatterns = map[string]bool{} //nolint: gochecknoglobals

	pathParam = regexp.MustCompile(`\{[^}]+\}`)
)

// RegisterPublicEndpoint registers a route pattern that bypasses API key
// authentication. Wildcard segments such as "{id}" match any single segment.
//
// Only health probes and token-authenticated webhooks belong here.
func RegisterPublicEndpoint(pattern string) {
	publicMu.Lock()
	defer publicMu.Unlock()

	publicPatterns[pathParam.ReplaceAllString(pattern, "*")] = true
}

func isPublicEndpoint(urlPath string) bool {
	publicMu.RLock()
	defer publicMu.RUnlock()

	if publicPatterns[urlPath] {
		return true
	}

	for pattern := range publicPatterns {
		if ok, _ := path.Match(pattern, urlPath); ok {
			return true
		}
	}

	return false
}

// AuthError is an authentication failure of a given type.
type AuthError struct {
	Type    error
	Message string
}

// Authentication failure types.
var (
	ErrMissingAPIKey = errors.New("missing API key")
	// ErrInvalidAPIKey covers malformed and unknown keys alike.
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrAPIKeyExpired = errors.New("API key expired")
	// ErrAPIKeyInactive is returned for deactivated keys.
	ErrAPIKeyInactive = errors.New("API key inactive")
	// ErrForbidden is returned when the key lacks a permission.
	ErrForbidden = errors.New("permission denied")
)

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Type
}

// extractAPIKey reads the key from X-Api-Key, falling back to
// "Authorization: Bearer". Values containing line breaks are rejected.
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return cleanAPIKey(apiKey)
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return cleanAPIKey(token)
	}

	return "", false
}

func cleanAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)

	return key, key != ""
}

// performDummyBcryptComparison keeps failed lookups as slow as successful ones.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

func authenticateRequest(
	ctx context.Context,
	store storage.KeyStore,
	apiKey string,
	now time.Time,
	logger *slog.Logger,
) (*storage.Key, error) {
	correlationID := GetCorrelationID(ctx)

	parsedKey, err := storage.ParseAPIKey(apiKey)
	if err != nil {
		performDummyBcryptComparison()

		logger.Error("authentication failed: invalid key format",
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "format_validation"),
		)

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: authFailureInvalidMessage}
	}

	foundKey, exists := store.FindByKey(ctx, parsedKey)
	if !exists {
		performDummyBcryptComparison()

		logger.Error("authentication failed: key not found",
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "key_not_found"),
		)

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: authFailureInvalidMessage}
	}

	// Stores only return usable keys; a store that does not filter is still covered.
	if !foundKey.Active {
		logger.Error("authentication failed: key inactive",
			slog.String("key_id", foundKey.ID),
			slog.String("account_id", foundKey.AccountID),
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "key_inactive"),
		)

		return nil, &AuthError{Type: ErrAPIKeyInactive, Message: "API key is inactive"}
	}

	if !foundKey.IsUsable(now) {
		logger.Error("authentication failed: key expired",
			slog.String("key_id", foundKey.ID),
			slog.String("account_id", foundKey.AccountID),
			slog.Time("expired_at", *foundKey.ExpiresAt),
			slog.String("correlation_id", correlationID),
			slog.String("failure_type", "key_expired"),
		)

		return nil, &AuthError{Type: ErrAPIKeyExpired, Message: "API key has expired"}
	}

	return foundKey, nil
}

// AuthenticateAccount validates the API key of every non-public request and
// attaches the owning account to the request context.
func AuthenticateAccount(store storage.KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"})

				return
			}

			key, err := authenticateRequest(r.Context(), store, apiKey, authStart, logger)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			account := AccountContext{
				AccountID:   key.AccountID,
				KeyID:       key.ID,
				KeyName:     key.Name,
				Permissions: key.Permissions,
				AuthTime:    time.Now(),
			}

			logger.Debug("API key authenticated",
				slog.String("account_id", account.AccountID),
				slog.String("key_id", account.KeyID),
				slog.String("key", storage.MaskKey(apiKey)),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(SetAccountContext(r.Context(), account)))
		})
	}
}

// RequirePermission rejects requests whose key lacks permission with 403.
// Requests without an account context are rejected with 401.
func RequirePermission(permission string, logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, ok := GetAccountContext(r.Context())
		if !ok {
			writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"})

			return
		}

		if !account.HasPermission(permission) {
			writeAuthError(w, r, logger, &AuthError{Type: ErrForbidden, Message: "API key lacks " + permission})

			return
		}

		next(w, r)
	}
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, ErrAPIKeyInactive), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())
	statusCode := authStatus(err)

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	detail := err.Error()
	if err := writeRFC7807Error(w, r, statusCode, detail, correlationID); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
