package middleware

import (
	"log/slog"
	"net/http"

	"github.com/geoevents/geoevents/internal/storage"
)

// Option wraps a handler with one middleware.
type Option func(http.Handler) http.Handler

// Apply wraps handler so that the first option is the outermost middleware.
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithCORS(policy),
//	    middleware.WithAuth(keys, logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// WithCorrelationID tags every request and response with a correlation ID.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery turns handler panics into 500 problems.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAuth resolves the calling account from its API key. A nil store disables
// authentication.
func WithAuth(store storage.KeyStore, logger *slog.Logger) Option {
	if store == nil {
		return passthrough
	}

	return AuthenticateAccount(store, logger)
}

// WithRateLimit throttles requests per account. A nil limiter disables it.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return passthrough
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger logs completed requests.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS applies policy to browser requests.
func WithCORS(policy CORSPolicy) Option {
	return CORS(policy)
}
