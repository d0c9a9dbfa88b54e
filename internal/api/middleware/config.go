// Package middleware provides the HTTP middleware of the geoevents API:
// correlation IDs, panic recovery, API key authentication, rate limiting,
// request logging and CORS.
package middleware

import (
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/geoevents/geoevents/internal/config"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// Config holds rate limiter configuration.
//
// Limits are requests per second for three tiers: all requests, each
// authenticated account, and unauthenticated requests. A burst of 0 is
// computed as 2 × rate.
//
// When RedisAddr is set the per-account tier is enforced in Redis so that
// every API replica shares one budget per account.
type Config struct {
	GlobalRPS  int
	AccountRPS int
	UnAuthRPS  int

	GlobalBurst  int
	AccountBurst int
	UnAuthBurst  int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxAccounts     int

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS:  config.GetEnvInt("GEOEVENTS_GLOBAL_RPS", defaultGlobalRPS),
		AccountRPS: config.GetEnvInt("GEOEVENTS_ACCOUNT_RPS", defaultAccountRPS),
		UnAuthRPS:  config.GetEnvInt("GEOEVENTS_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst:  config.GetEnvInt("GEOEVENTS_GLOBAL_BURST", 0),
		AccountBurst: config.GetEnvInt("GEOEVENTS_ACCOUNT_BURST", 0),
		UnAuthBurst:  config.GetEnvInt("GEOEVENTS_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"GEOEVENTS_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("GEOEVENTS_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxAccounts: config.GetEnvInt("GEOEVENTS_RATE_LIMIT_MAX_ACCOUNTS", maxAccounts),

		RedisAddr:      config.GetEnvStr("GEOEVENTS_RATE_LIMIT_REDIS_ADDR", ""),
		RedisPassword:  config.GetEnvStr("GEOEVENTS_RATE_LIMIT_REDIS_PASSWORD", ""),
		RedisDB:        config.GetEnvInt("GEOEVENTS_RATE_LIMIT_REDIS_DB", 0),
		RedisKeyPrefix: config.GetEnvStr("GEOEVENTS_RATE_LIMIT_REDIS_PREFIX", defaultRedisKeyPrefix),
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.GlobalRPS <= 0 || c.AccountRPS <= 0 || c.UnAuthRPS <= 0 {
		return fmt.Errorf("%w: rates must be positive", ErrInvalidConfig)
	}

	if c.GlobalBurst < 0 || c.AccountBurst < 0 || c.UnAuthBurst < 0 {
		return fmt.Errorf("%w: bursts must be >= 0", ErrInvalidConfig)
	}

	if c.MaxAccounts <= 0 {
		return fmt.Errorf("%w: max accounts must be positive", ErrInvalidConfig)
	}

	return nil
}

// Distributed reports whether per-account limits are kept in Redis.
func (c *Config) Distributed() bool {
	return c.RedisAddr != ""
}

// NewRedisClient creates the client shared by API replicas for rate limiting.
func (c *Config) NewRedisClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
}
