package aggregation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type countingStore struct {
	clusters   atomic.Int32
	histograms atomic.Int32
	err        error
}

func (s *countingStore) Clusters(_ context.Context, req ClusterRequest) ([]Cluster, error) {
	s.clusters.Add(1)

	if s.err != nil {
		return nil, s.err
	}

	return []Cluster{{ID: ClusterID(req.Zoom, 1, 2), Count: 3, Latitude: 1, Longitude: 2}}, nil
}

func (s *countingStore) Histogram(_ context.Context, _ HistogramRequest) (*Histogram, error) {
	s.histograms.Add(1)

	if s.err != nil {
		return nil, s.err
	}

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	return &Histogram{Buckets: []Bucket{{Start: ts, End: ts, Count: 2}}, Min: &ts, Max: &ts, Total: 2}, nil
}

func TestCachedStore_KeyIsStablePerRequest(t *testing.T) {
	c := NewCachedStore(&countingStore{}, nil, time.Minute, "", nil)

	a := ClusterRequest{Bounds: world, Zoom: 3, Filter: Filter{Fields: map[string][]string{"b": {"1"}, "a": {"2"}}}}
	b := ClusterRequest{Bounds: world, Zoom: 3, Filter: Filter{Fields: map[string][]string{"a": {"2"}, "b": {"1"}}}}

	assert.Equal(t, c.Key("clusters", a), c.Key("clusters", b))
	assert.NotEqual(t, c.Key("clusters", a), c.Key("clusters", ClusterRequest{Bounds: world, Zoom: 4}))
	assert.Contains(t, c.Key("clusters", a), defaultKeyPrefix+"clusters:")
}

func TestCachedStore_RedisDownFallsThrough(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	next := &countingStore{}
	c := NewCachedStore(next, client, time.Minute, "", nil)

	clusters, err := c.Clusters(context.Background(), ClusterRequest{Bounds: world, Zoom: 2})

	require.NoError(t, err)
	assert.Len(t, clusters, 1)
	assert.Equal(t, int32(1), next.clusters.Load())
}

func TestCachedStore_PropagatesStoreErrors(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	boom := errors.New("boom")
	c := NewCachedStore(&countingStore{err: boom}, client, time.Minute, "", nil)

	_, err := c.Histogram(context.Background(), HistogramRequest{})

	assert.ErrorIs(t, err, boom)
}

func TestCachedStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start redis container")

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	next := &countingStore{}
	c := NewCachedStore(next, client, time.Minute, "geoevents-test:", nil)

	req := ClusterRequest{Bounds: world, Zoom: 5}

	first, err := c.Clusters(ctx, req)
	require.NoError(t, err)

	second, err := c.Clusters(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), next.clusters.Load())

	h1, err := c.Histogram(ctx, HistogramRequest{})
	require.NoError(t, err)

	h2, err := c.Histogram(ctx, HistogramRequest{}.WithDefaults())
	require.NoError(t, err)

	assert.Equal(t, h1.Total, h2.Total)
	assert.Equal(t, h1.Min.Unix(), h2.Min.Unix())
	assert.Equal(t, int32(1), next.histograms.Load())

	ttl, err := client.TTL(ctx, c.Key("clusters", req)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
