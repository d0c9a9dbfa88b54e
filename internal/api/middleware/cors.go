package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

const wildcardOrigin = "*"

// CORSPolicy is the cross-origin policy for browser map clients.
type CORSPolicy struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	// ExposedHeaders are response headers scripts may read.
	ExposedHeaders []string
	MaxAge         time.Duration
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin.
func (p CORSPolicy) allowOrigin(origin string) (string, bool) {
	if slices.Contains(p.AllowedOrigins, wildcardOrigin) {
		return wildcardOrigin, true
	}

	if origin != "" && slices.Contains(p.AllowedOrigins, origin) {
		return origin, true
	}

	return "", false
}

// CORS answers preflight requests and decorates responses for allowed origins.
// Responses to other origins carry no CORS headers, so browsers block them.
func CORS(policy CORSPolicy) func(http.Handler) http.Handler {
	methods := strings.Join(policy.AllowedMethods, ", ")
	headers := strings.Join(policy.AllowedHeaders, ", ")
	exposed := strings.Join(policy.ExposedHeaders, ", ")
	maxAge := strconv.Itoa(int(policy.MaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			allowed, ok := policy.allowOrigin(r.Header.Get("Origin"))
			if ok {
				h.Set("Access-Control-Allow-Origin", allowed)

				if exposed != "" {
					h.Set("Access-Control-Expose-Headers", exposed)
				}
			}

			if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
				next.ServeHTTP(w, r)

				return
			}

			if ok {
				if methods != "" {
					h.Set("Access-Control-Allow-Methods", methods)
				}

				if headers != "" {
					h.Set("Access-Control-Allow-Headers", headers)
				}

				if policy.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", maxAge)
				}
			}

			w.WriteHeader(http.StatusNoContent)
		})
	}
}
