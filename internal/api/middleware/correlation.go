package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	correlationIDHeader = "X-Correlation-ID"
	// maxCorrelationIDLength bounds caller-supplied IDs before they reach logs.
	maxCorrelationIDLength = 128
)

type correlationIDKey struct{}

// CorrelationID adds a correlation ID to each request, reusing the
// X-Correlation-ID header when the caller sent a usable one.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(correlationIDHeader)
			if !validCorrelationID(correlationID) {
				correlationID = generateCorrelationID()
			}

			w.Header().Set(correlationIDHeader, correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation ID from the request context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

func validCorrelationID(id string) bool {
	return id != "" && len(id) <= maxCorrelationIDLength && !strings.ContainsAny(id, "\r\n")
}

// generateCorrelationID returns a lexicographically sortable ID so that log
// lines of one request sort by arrival.
func generateCorrelationID() string {
	return strings.ToLower(ulid.Make().String())
}
