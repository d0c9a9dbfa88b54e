package aggregation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "geoevents:aggregation:"

// CachedStore is a read-through Redis cache in front of another Store. Keys
// are the SHA-256 of the JSON-encoded request. Redis failures are logged and
// the query falls through to the underlying store.
type CachedStore struct {
	next   Store
	client *goredis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps next. An empty prefix uses the default.
func NewCachedStore(next Store, client *goredis.Client, ttl time.Duration, prefix string, logger *slog.Logger) *CachedStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &CachedStore{next: next, client: client, ttl: ttl, prefix: prefix, logger: logger}
}

func (c *CachedStore) Clusters(ctx context.Context, req ClusterRequest) ([]Cluster, error) {
	key, ok := c.key("clusters", req)
	if ok {
		var cached []Cluster
		if c.get(ctx, key, &cached) {
			return cached, nil
		}
	}

	clusters, err := c.next.Clusters(ctx, req)
	if err != nil {
		return nil, err
	}

	if ok {
		c.set(ctx, key, clusters)
	}

	return clusters, nil
}

func (c *CachedStore) Histogram(ctx context.Context, req HistogramRequest) (*Histogram, error) {
	key, ok := c.key("histogram", req.WithDefaults())
	if ok {
		var cached Histogram
		if c.get(ctx, key, &cached) {
			return &cached, nil
		}
	}

	h, err := c.next.Histogram(ctx, req)
	if err != nil {
		return nil, err
	}

	if ok {
		c.set(ctx, key, h)
	}

	return h, nil
}

// Key returns the cache key of a request.
func (c *CachedStore) Key(kind string, req any) string {
	key, _ := c.key(kind, req)

	return key
}

func (c *CachedStore) key(kind string, req any) (string, bool) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return "", false
	}

	sum := sha256.Sum256(encoded)

	return c.prefix + kind + ":" + hex.EncodeToString(sum[:]), true
}

func (c *CachedStore) get(ctx context.Context, key string, dst any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Warn("Aggregation cache read failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}

		return false
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("Discarding corrupt aggregation cache entry",
			slog.String("key", key),
			slog.String("error", err.Error()))

		return false
	}

	return true
}

func (c *CachedStore) set(ctx context.Context, key string, value any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.logger.Warn("Aggregation cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}
