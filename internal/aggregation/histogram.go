package aggregation

import (
	"slices"
	"time"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// candidateWidths are the human-friendly bucket widths, smallest first.
var candidateWidths = []time.Duration{
	time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second,
	time.Minute, 5 * time.Minute, 10 * time.Minute, 15 * time.Minute, 30 * time.Minute,
	time.Hour, 3 * time.Hour, 6 * time.Hour, 12 * time.Hour,
	day, 2 * day, week, 2 * week,
	month, 3 * month, 6 * month,
	year, 2 * year, 5 * year, 10 * year,
}

// bucketCount is ceil(span/width), at least one.
func bucketCount(span, width time.Duration) int {
	n := int(span / width)
	if span%width != 0 {
		n++
	}

	return max(n, 1)
}

// ChooseBucketWidth picks the candidate width whose bucket count over span lies
// within [minBuckets, maxBuckets] and is nearest target, preferring the larger
// width on ties. When no candidate fits the width is ceil(span/target).
func ChooseBucketWidth(span time.Duration, target, minBuckets, maxBuckets int) time.Duration {
	var (
		best     time.Duration
		bestDist = -1
	)

	for _, width := range candidateWidths {
		n := bucketCount(span, width)
		if n < minBuckets || n > maxBuckets {
			continue
		}

		dist := n - target
		if dist < 0 {
			dist = -dist
		}

		// Widths ascend, so <= lets a larger width win a tie.
		if bestDist < 0 || dist <= bestDist {
			best, bestDist = width, dist
		}
	}

	if bestDist >= 0 {
		return best
	}

	width := span / time.Duration(target)
	if span%time.Duration(target) != 0 {
		width++
	}

	return max(width, 1)
}

// BuildHistogram buckets the timestamps of the filtered points.
func BuildHistogram(points []Point, req HistogramRequest) *Histogram {
	var stamps []time.Time

	for _, p := range points {
		if p.Timestamp != nil && req.Filter.Matches(p) {
			stamps = append(stamps, p.Timestamp.UTC())
		}
	}

	return HistogramOf(stamps, req)
}

// HistogramOf buckets timestamps over their actual span. A single distinct
// timestamp yields one zero-width bucket; otherwise there are at least
// MinBuckets buckets.
func HistogramOf(stamps []time.Time, req HistogramRequest) *Histogram {
	if len(stamps) == 0 {
		return &Histogram{Buckets: []Bucket{}}
	}

	lo := slices.MinFunc(stamps, time.Time.Compare)
	hi := slices.MaxFunc(stamps, time.Time.Compare)

	h := &Histogram{Min: &lo, Max: &hi, Total: len(stamps)}

	span := hi.Sub(lo)
	if span == 0 {
		h.Buckets = []Bucket{{Start: lo, End: lo, Count: len(stamps)}}

		return h
	}

	width := ChooseBucketWidth(span, req.TargetBuckets, req.MinBuckets, req.MaxBuckets)
	// A span of a few ticks cannot be split into MinBuckets; pad with empty
	// trailing buckets instead.
	n := max(bucketCount(span, width), req.MinBuckets)

	h.BucketWidth = width
	h.Buckets = make([]Bucket, n)

	for i := range h.Buckets {
		start := lo.Add(time.Duration(i) * width)
		h.Buckets[i] = Bucket{Start: start, End: start.Add(width)}
	}

	for _, ts := range stamps {
		idx := min(int(ts.Sub(lo)/width), n-1)
		h.Buckets[idx].Count++
	}

	return h
}
