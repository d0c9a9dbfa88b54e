package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	clusterQuery = `
		SELECT cluster_id, latitude, longitude, event_count, event_id, title
		FROM cluster_events($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	histogramQuery = `
		SELECT bucket_start, bucket_end, event_count, bucket_width_ms, min_timestamp, max_timestamp
		FROM calculate_event_histogram($1, $2, $3, $4, $5, $6, $7, $8)`
)

// PostgresStore calls the aggregation functions installed by the migrations.
// It only reads committed rows and holds no locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a pgx pool and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Clusters(ctx context.Context, req ClusterRequest) ([]Cluster, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	f := req.Filter

	rows, err := s.pool.Query(ctx, clusterQuery,
		req.Bounds.North, req.Bounds.South, req.Bounds.East, req.Bounds.West, req.Zoom,
		f.CatalogIDs, f.DatasetIDs, f.From, f.To, fieldsParam(f))
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	clusters := []Cluster{}

	for rows.Next() {
		var (
			c              Cluster
			eventID, title *string
		)

		if err := rows.Scan(&c.ID, &c.Latitude, &c.Longitude, &c.Count, &eventID, &title); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}

		if eventID != nil {
			c.EventID = *eventID
		}

		if title != nil {
			c.Title = *title
		}

		clusters = append(clusters, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read clusters: %w", err)
	}

	return clusters, nil
}

func (s *PostgresStore) Histogram(ctx context.Context, req HistogramRequest) (*Histogram, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	f := req.Filter

	rows, err := s.pool.Query(ctx, histogramQuery,
		f.CatalogIDs, f.DatasetIDs, f.From, f.To, fieldsParam(f),
		req.TargetBuckets, req.MinBuckets, req.MaxBuckets)
	if err != nil {
		return nil, fmt.Errorf("query histogram: %w", err)
	}
	defer rows.Close()

	h := &Histogram{Buckets: []Bucket{}}

	for rows.Next() {
		var (
			b       Bucket
			widthMS int64
			lo, hi  time.Time
		)

		if err := rows.Scan(&b.Start, &b.End, &b.Count, &widthMS, &lo, &hi); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}

		if h.Min == nil {
			lo, hi = lo.UTC(), hi.UTC()
			h.Min, h.Max = &lo, &hi
			h.BucketWidth = time.Duration(widthMS) * time.Millisecond
		}

		b.Start, b.End = b.Start.UTC(), b.End.UTC()
		h.Total += b.Count
		h.Buckets = append(h.Buckets, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read histogram: %w", err)
	}

	return h, nil
}

// fieldsParam encodes field filters as a jsonb object of string arrays.
func fieldsParam(f Filter) map[string][]string {
	if f.Fields == nil {
		return map[string][]string{}
	}

	return f.Fields
}
