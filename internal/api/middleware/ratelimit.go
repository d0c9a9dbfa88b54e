package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	maxAccounts                int     = 10_000
	defaultGlobalRPS           int     = 100
	defaultAccountRPS          int     = 50
	defaultUnAuthRPS           int     = 10
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter decides whether a request may proceed.
	RateLimiter interface {
		// Allow reports whether a request is within limits. accountID is empty
		// for unauthenticated requests.
		Allow(accountID string) bool
	}

	// InMemoryRateLimiter enforces three token-bucket tiers: global, per
	// account and unauthenticated. Accounts idle longer than IdleTimeout are
	// forgotten by a background cleanup.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perAccount      map[string]*accountLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}
		closeOnce       sync.Once

		accountRPS      int
		accountBurst    int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxAccounts     int
	}

	accountLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates the limiter and starts its cleanup goroutine.
// Call Close to stop it.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)),
		perAccount:      make(map[string]*accountLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS), computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)),
		done:            make(chan struct{}),
		accountRPS:      config.AccountRPS,
		accountBurst:    computeBurstCapacity(config.AccountRPS, config.AccountBurst),
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxAccounts:     config.MaxAccounts,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity returns burstOverride when set, otherwise 2 × rate.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks the global tier first, then the account or unauthenticated tier.
func (rl *InMemoryRateLimiter) Allow(accountID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if accountID == "" {
		return rl.unauthenticated.Allow()
	}

	al := rl.limiterFor(accountID)

	al.mu.Lock()
	al.lastAccess = time.Now()
	al.mu.Unlock()

	return al.limiter.Allow()
}

func (rl *InMemoryRateLimiter) limiterFor(accountID string) *accountLimiter {
	rl.mu.RLock()
	al, ok := rl.perAccount[accountID]
	rl.mu.RUnlock()

	if ok {
		return al
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if al, ok = rl.perAccount[accountID]; ok {
		return al
	}

	al = &accountLimiter{
		limiter:    rate.NewLimiter(rate.Limit(rl.accountRPS), rl.accountBurst),
		lastAccess: time.Now(),
	}
	rl.perAccount[accountID] = al

	if current := len(rl.perAccount); current >= int(float64(rl.maxAccounts)*thresholdMultiplier) {
		slog.Warn("rate limiter approaching max accounts limit",
			"current_accounts", current,
			"max_accounts", rl.maxAccounts,
			"threshold_percent", thresholdPercentage)
	}

	return al
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *InMemoryRateLimiter) Close() {
	rl.closeOnce.Do(func() {
		if rl.cleanupTicker != nil {
			rl.cleanupTicker.Stop()
		}

		close(rl.done)
	})
}

func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes account limiters that have not been used recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for accountID, al := range rl.perAccount {
		al.mu.Lock()
		lastAccess := al.lastAccess
		al.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perAccount, accountID)
		}
	}
}

func (rl *InMemoryRateLimiter) accounts() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return len(rl.perAccount)
}

// RateLimit rejects requests over the limit with a 429 problem response. It
// must run after AuthenticateAccount to see the account of the request.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := ""
			if account, ok := GetAccountContext(r.Context()); ok {
				accountID = account.AccountID
			}

			if limiter.Allow(accountID) {
				next.ServeHTTP(w, r)

				return
			}

			correlationID := GetCorrelationID(r.Context())
			detail := "Rate limit exceeded. Please retry after some time."

			w.Header().Set("Retry-After", "1")

			if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
				logger.Error("failed to write response with RFC 7807 error format",
					slog.String("correlation_id", correlationID),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}
