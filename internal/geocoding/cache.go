package geocoding

import (
	"context"
	"sync"
	"time"
)

// CachedLocation is a location cache entry keyed by normalized address.
type CachedLocation struct {
	NormalizedAddress string
	OriginalAddress   string
	Coordinate
	Provider         string
	Confidence       float64
	FormattedAddress string
	HitCount         int64
	CreatedAt        time.Time
	LastHitAt        time.Time
}

// Cache stores geocoding results shared across all imports.
//
// GetLocation returns (nil, nil) on a miss and never changes hit counts.
// IncrementHits adds n hits to an existing entry. PutLocation upserts.
type Cache interface {
	GetLocation(ctx context.Context, normalized string) (*CachedLocation, error)
	PutLocation(ctx context.Context, loc *CachedLocation) error
	IncrementHits(ctx context.Context, normalized string, n int) error
}

// ProviderStats is the running usage record of one provider.
type ProviderStats struct {
	Provider     string        `json:"provider"`
	Requests     int64         `json:"requests"`
	Successes    int64         `json:"successes"`
	Failures     int64         `json:"failures"`
	AvgLatency   time.Duration `json:"avgLatency"`
	LastUsedAt   time.Time     `json:"lastUsedAt"`
	LastErrorMsg string        `json:"lastError,omitempty"`
}

// StatsRecorder persists provider usage. Failures to record never fail a lookup.
// errMsg is the failure of an unsuccessful call; it becomes the provider's
// last error and is kept across later successes.
type StatsRecorder interface {
	RecordProviderCall(ctx context.Context, provider string, success bool, errMsg string, latency time.Duration, at time.Time) error
}

// MemoryCache is an in-process Cache, used by tests and single-node development.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]CachedLocation
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]CachedLocation), now: time.Now}
}

func (c *MemoryCache) GetLocation(_ context.Context, normalized string) (*CachedLocation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[normalized]
	if !ok {
		return nil, nil //nolint:nilnil // miss is not an error
	}

	return &entry, nil
}

func (c *MemoryCache) PutLocation(_ context.Context, loc *CachedLocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := *loc
	if existing, ok := c.entries[loc.NormalizedAddress]; ok {
		entry.HitCount = existing.HitCount
		entry.CreatedAt = existing.CreatedAt
		entry.LastHitAt = existing.LastHitAt
	} else {
		entry.CreatedAt = c.now()
	}

	c.entries[loc.NormalizedAddress] = entry

	return nil
}

func (c *MemoryCache) IncrementHits(_ context.Context, normalized string, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[normalized]
	if !ok {
		return nil
	}

	entry.HitCount += int64(n)
	entry.LastHitAt = c.now()
	c.entries[normalized] = entry

	return nil
}
