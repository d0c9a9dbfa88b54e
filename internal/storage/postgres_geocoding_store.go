package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/ingestion"
)

// GetLocation returns the cached location or nil on a miss. Reads never touch
// hit counts.
func (s *PostgresStore) GetLocation(ctx context.Context, normalized string) (*geocoding.CachedLocation, error) {
	var (
		loc     geocoding.CachedLocation
		lastHit sql.NullTime
	)

	err := s.conn.QueryRowContext(ctx, `
		SELECT normalized_address, original_address, latitude, longitude, provider, confidence,
		       formatted_address, hit_count, created_at, last_hit_at
		FROM location_cache WHERE normalized_address = $1`, normalized).Scan(
		&loc.NormalizedAddress, &loc.OriginalAddress, &loc.Latitude, &loc.Longitude, &loc.Provider,
		&loc.Confidence, &loc.FormattedAddress, &loc.HitCount, &loc.CreatedAt, &lastHit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // a miss is not an error
	}

	if err != nil {
		return nil, s.queryError("select cached location", err)
	}

	if lastHit.Valid {
		loc.LastHitAt = lastHit.Time
	}

	return &loc, nil
}

// PutLocation upserts a location. Hit counts and timestamps of an existing
// entry are kept.
func (s *PostgresStore) PutLocation(ctx context.Context, loc *geocoding.CachedLocation) error {
	createdAt := loc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := s.conn.ExecContext(ctx, `
		INSERT INTO location_cache (normalized_address, original_address, latitude, longitude, provider,
		                            confidence, formatted_address, hit_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		ON CONFLICT (normalized_address) DO UPDATE
		SET original_address = EXCLUDED.original_address,
		    latitude = EXCLUDED.latitude,
		    longitude = EXCLUDED.longitude,
		    provider = EXCLUDED.provider,
		    confidence = EXCLUDED.confidence,
		    formatted_address = EXCLUDED.formatted_address`,
		loc.NormalizedAddress, loc.OriginalAddress, loc.Latitude, loc.Longitude, loc.Provider, loc.Confidence,
		loc.FormattedAddress, createdAt); err != nil {
		return s.queryError("upsert cached location", err)
	}

	return nil
}

// IncrementHits adds n hits. A missing entry is ignored.
func (s *PostgresStore) IncrementHits(ctx context.Context, normalized string, n int) error {
	if n <= 0 {
		return nil
	}

	if _, err := s.conn.ExecContext(ctx, `
		UPDATE location_cache SET hit_count = hit_count + $2, last_hit_at = NOW()
		WHERE normalized_address = $1`, normalized, n); err != nil {
		return s.queryError("increment cache hits", err)
	}

	return nil
}

// RecordProviderCall folds one call into the provider's running statistics.
func (s *PostgresStore) RecordProviderCall(
	ctx context.Context,
	provider string,
	success bool,
	errMsg string,
	latency time.Duration,
	at time.Time,
) error {
	successes, failures := 0, 1
	if success {
		successes, failures = 1, 0
	}

	latencyMS := float64(latency) / float64(time.Millisecond)

	if _, err := s.conn.ExecContext(ctx, `
		INSERT INTO geocoding_providers
		    (provider, requests, successes, failures, avg_latency_ms, last_used_at, last_error, updated_at)
		VALUES ($1, 1, $2, $3, $4, $5, $6, $5)
		ON CONFLICT (provider) DO UPDATE
		SET requests = geocoding_providers.requests + 1,
		    successes = geocoding_providers.successes + EXCLUDED.successes,
		    failures = geocoding_providers.failures + EXCLUDED.failures,
		    avg_latency_ms = geocoding_providers.avg_latency_ms
		        + (EXCLUDED.avg_latency_ms - geocoding_providers.avg_latency_ms) / (geocoding_providers.requests + 1),
		    last_used_at = EXCLUDED.last_used_at,
		    last_error = CASE WHEN EXCLUDED.failures > 0 THEN EXCLUDED.last_error
		                      ELSE geocoding_providers.last_error END,
		    updated_at = EXCLUDED.updated_at`,
		provider, successes, failures, latencyMS, at, errMsg); err != nil {
		return s.queryError("record provider call", err)
	}

	return nil
}

// ProviderStats returns the recorded statistics of a provider.
func (s *PostgresStore) ProviderStats(ctx context.Context, provider string) (*geocoding.ProviderStats, error) {
	var (
		st        geocoding.ProviderStats
		latencyMS float64
		lastUsed  sql.NullTime
	)

	err := s.conn.QueryRowContext(ctx, `
		SELECT provider, requests, successes, failures, avg_latency_ms, last_used_at, last_error
		FROM geocoding_providers WHERE provider = $1`, provider).Scan(
		&st.Provider, &st.Requests, &st.Successes, &st.Failures, &latencyMS, &lastUsed, &st.LastErrorMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %s: %w", provider, ingestion.ErrNotFound)
	}

	if err != nil {
		return nil, s.queryError("select provider stats", err)
	}

	st.AvgLatency = time.Duration(latencyMS * float64(time.Millisecond))

	if lastUsed.Valid {
		st.LastUsedAt = lastUsed.Time
	}

	return &st, nil
}
