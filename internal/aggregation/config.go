package aggregation

import (
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/geoevents/geoevents/internal/config"
)

const defaultCacheTTL = 30 * time.Second

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid aggregation config")

// Config holds the result cache settings. An empty RedisAddr disables caching.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration
	KeyPrefix     string
}

// LoadConfig loads cache configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		RedisAddr:     config.GetEnvStr("GEOEVENTS_REDIS_ADDR", ""),
		RedisPassword: config.GetEnvStr("GEOEVENTS_REDIS_PASSWORD", ""),
		RedisDB:       config.GetEnvInt("GEOEVENTS_REDIS_DB", 0),
		CacheTTL:      config.GetEnvDuration("GEOEVENTS_AGGREGATION_CACHE_TTL", defaultCacheTTL),
		KeyPrefix:     config.GetEnvStr("GEOEVENTS_AGGREGATION_CACHE_PREFIX", defaultKeyPrefix),
	}
}

// CacheEnabled reports whether a Redis address is configured.
func (c *Config) CacheEnabled() bool {
	return c.RedisAddr != ""
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.CacheEnabled() && c.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache TTL must be positive", ErrInvalidConfig)
	}

	if c.RedisDB < 0 {
		return fmt.Errorf("%w: redis db must be >= 0", ErrInvalidConfig)
	}

	return nil
}

// NewRedisClient creates the client for the configured address.
func (c *Config) NewRedisClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
}
