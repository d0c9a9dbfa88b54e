package middleware

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "geoevents:ratelimit:"
	redisCallTimeout      = 100 * time.Millisecond
	redisWindow           = time.Second
)

var _ RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter shares the per-account tier between API replicas using a
// one-second fixed window counter per account. The global and unauthenticated
// tiers stay local to the replica.
//
// When Redis cannot be reached the account tier fails open.
type RedisRateLimiter struct {
	local  *InMemoryRateLimiter
	client *goredis.Client
	limit  int64
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter creates a limiter that counts account requests in client.
func NewRedisRateLimiter(config *Config, client *goredis.Client, logger *slog.Logger) *RedisRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	prefix := config.RedisKeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}

	return &RedisRateLimiter{
		local:  NewInMemoryRateLimiter(config),
		client: client,
		limit:  int64(computeBurstCapacity(config.AccountRPS, config.AccountBurst)),
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// Allow implements RateLimiter.
func (rl *RedisRateLimiter) Allow(accountID string) bool {
	if accountID == "" {
		return rl.local.Allow("")
	}

	if !rl.local.global.Allow() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()

	key := rl.windowKey(accountID)

	var incr *goredis.IntCmd

	_, err := rl.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*redisWindow)

		return nil
	})
	if err != nil {
		rl.logger.Warn("Rate limit counter unavailable, allowing request",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()))

		return true
	}

	return incr.Val() <= rl.limit
}

func (rl *RedisRateLimiter) windowKey(accountID string) string {
	window := rl.now().Truncate(redisWindow).Unix()

	return rl.prefix + accountID + ":" + strconv.FormatInt(window, 10)
}

// Close stops the local limiter and closes the Redis client.
func (rl *RedisRateLimiter) Close() error {
	rl.local.Close()

	return rl.client.Close()
}
