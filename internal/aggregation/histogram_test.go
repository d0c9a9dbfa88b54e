package aggregation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseBucketWidth(t *testing.T) {
	tests := []struct {
		name                     string
		span                     time.Duration
		target, minimum, maximum int
		want                     time.Duration
	}{
		{"one day into hours", 24 * time.Hour, 24, 10, 60, time.Hour},
		{"thirty days into days", 30 * day, 30, 10, 60, day},
		{"tie prefers the larger width", 10 * time.Hour, 15, 5, 40, time.Hour},
		{"one year into weeks", year, 50, 10, 60, week},
		{"no candidate fits", 7 * time.Second, 5, 5, 6, 1400 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseBucketWidth(tt.span, tt.target, tt.minimum, tt.maximum))
		})
	}
}

func TestHistogramOf_CountsWithinRange(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	req := HistogramRequest{}.WithDefaults()

	for _, span := range []time.Duration{
		90 * time.Second, 17 * time.Minute, 5 * time.Hour, 3 * day, 45 * day, 2 * year, 40 * year,
	} {
		stamps := []time.Time{start, start.Add(span / 3), start.Add(span)}

		h := HistogramOf(stamps, req)

		assert.GreaterOrEqual(t, len(h.Buckets), req.MinBuckets, "span %s", span)
		assert.LessOrEqual(t, len(h.Buckets), req.MaxBuckets, "span %s", span)
		assert.Equal(t, 3, h.Total)

		sum := 0
		for _, b := range h.Buckets {
			sum += b.Count
		}

		assert.Equal(t, 3, sum, "span %s", span)
	}
}

func TestHistogramOf_LastBucketIncludesMax(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stamps := []time.Time{start, start.Add(12 * time.Hour), start.Add(24 * time.Hour)}

	h := HistogramOf(stamps, HistogramRequest{TargetBuckets: 24, MinBuckets: 10, MaxBuckets: 60})

	require.Len(t, h.Buckets, 24)
	assert.Equal(t, time.Hour, h.BucketWidth)
	assert.Equal(t, 1, h.Buckets[0].Count)
	assert.Equal(t, 1, h.Buckets[12].Count)
	assert.Equal(t, 1, h.Buckets[23].Count)
	assert.Equal(t, start.Add(24*time.Hour), h.Buckets[23].End)
	assert.Equal(t, start, *h.Min)
	assert.Equal(t, start.Add(24*time.Hour), *h.Max)
}

func TestHistogramOf_TickSpanKeepsMinBuckets(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stamps := []time.Time{start, start.Add(1), start.Add(3)}

	h := HistogramOf(stamps, HistogramRequest{TargetBuckets: 5, MinBuckets: 5, MaxBuckets: 10})

	require.Len(t, h.Buckets, 5)
	assert.Equal(t, time.Duration(1), h.BucketWidth)

	counts := make([]int, 0, len(h.Buckets))
	for _, b := range h.Buckets {
		assert.Equal(t, time.Duration(1), b.End.Sub(b.Start))
		counts = append(counts, b.Count)
	}

	assert.Equal(t, []int{1, 1, 0, 1, 0}, counts)
}

func TestHistogramOf_SingleTimestampIsOneZeroWidthBucket(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	h := HistogramOf([]time.Time{ts, ts, ts}, HistogramRequest{}.WithDefaults())

	require.Len(t, h.Buckets, 1)
	assert.Equal(t, ts, h.Buckets[0].Start)
	assert.Equal(t, ts, h.Buckets[0].End)
	assert.Equal(t, 3, h.Buckets[0].Count)
	assert.Zero(t, h.BucketWidth)
}

func TestHistogramOf_Empty(t *testing.T) {
	h := HistogramOf(nil, HistogramRequest{}.WithDefaults())

	assert.Empty(t, h.Buckets)
	assert.Zero(t, h.Total)
	assert.Nil(t, h.Min)
}

func TestBuildHistogram_AppliesFilter(t *testing.T) {
	points := randomPoints(100, 3)
	points[0].DatasetID = "ds-2"

	h := BuildHistogram(points, HistogramRequest{Filter: Filter{DatasetIDs: []string{"ds-1"}}}.WithDefaults())

	assert.Equal(t, 99, h.Total)
}

func TestHistogramRequest_Validate(t *testing.T) {
	assert.NoError(t, HistogramRequest{}.WithDefaults().Validate())
	assert.ErrorIs(t, HistogramRequest{TargetBuckets: 5, MinBuckets: 10, MaxBuckets: 20}.Validate(), ErrInvalidBuckets)
	assert.ErrorIs(t, HistogramRequest{TargetBuckets: 30, MinBuckets: 0, MaxBuckets: 60}.Validate(), ErrInvalidBuckets)
}
