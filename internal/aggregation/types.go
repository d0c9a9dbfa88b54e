// Package aggregation answers the map and timeline queries over materialized
// events: spatial clusters for a viewport and a zoom level, and a time histogram
// with an adaptive bucket width.
//
// Both queries are read-only functions of committed state. In production they
// run inside PostgreSQL as the cluster_events and calculate_event_histogram
// functions; the pure Go implementations in this package define the same
// algorithms and back the in-memory store.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Zoom limits follow web map tile conventions.
const (
	MinZoom = 0
	MaxZoom = 22
)

// Sentinel errors for malformed requests.
var (
	ErrInvalidBounds  = errors.New("invalid bounds")
	ErrInvalidZoom    = errors.New("invalid zoom level")
	ErrInvalidBuckets = errors.New("invalid bucket range")
	ErrInvalidFilter  = errors.New("invalid filter")
)

// Bounds is a viewport in degrees. West may exceed East when the viewport
// crosses the antimeridian.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Validate checks coordinate ranges.
func (b Bounds) Validate() error {
	if b.North < -90 || b.North > 90 || b.South < -90 || b.South > 90 {
		return fmt.Errorf("%w: latitude must be within [-90, 90]", ErrInvalidBounds)
	}

	if b.East < -180 || b.East > 180 || b.West < -180 || b.West > 180 {
		return fmt.Errorf("%w: longitude must be within [-180, 180]", ErrInvalidBounds)
	}

	if b.South > b.North {
		return fmt.Errorf("%w: south %.6f is north of north %.6f", ErrInvalidBounds, b.South, b.North)
	}

	return nil
}

// Contains reports whether the position lies inside the bounds, edges included.
func (b Bounds) Contains(lat, lng float64) bool {
	if lat < b.South || lat > b.North {
		return false
	}

	if b.West <= b.East {
		return lng >= b.West && lng <= b.East
	}

	return lng >= b.West || lng <= b.East
}

// Filter narrows the events considered by both queries. Empty fields match
// everything. Field filters are ANDed across fields and ORed within the values
// of one field.
type Filter struct {
	CatalogIDs []string            `json:"catalogIds,omitempty"`
	DatasetIDs []string            `json:"datasetIds,omitempty"`
	From       *time.Time          `json:"from,omitempty"`
	To         *time.Time          `json:"to,omitempty"`
	Fields     map[string][]string `json:"fields,omitempty"`
}

// Validate checks the date range.
func (f Filter) Validate() error {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return fmt.Errorf("%w: from is after to", ErrInvalidFilter)
	}

	for field, values := range f.Fields {
		if field == "" || len(values) == 0 {
			return fmt.Errorf("%w: field filter %q has no values", ErrInvalidFilter, field)
		}
	}

	return nil
}

// ClusterRequest asks for the clusters of one viewport.
type ClusterRequest struct {
	Bounds Bounds `json:"bounds"`
	Zoom   int    `json:"zoom"`
	Filter Filter `json:"filter"`
}

// Validate checks bounds, zoom and filter.
func (r ClusterRequest) Validate() error {
	if r.Zoom < MinZoom || r.Zoom > MaxZoom {
		return fmt.Errorf("%w: %d is outside [%d, %d]", ErrInvalidZoom, r.Zoom, MinZoom, MaxZoom)
	}

	if err := r.Bounds.Validate(); err != nil {
		return err
	}

	return r.Filter.Validate()
}

// Cluster is one map marker. Single-member clusters carry the event itself.
type Cluster struct {
	ID        string  `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Count     int     `json:"count"`
	EventID   string  `json:"eventId,omitempty"`
	Title     string  `json:"title,omitempty"`
}

// Default bucket range.
const (
	DefaultTargetBuckets = 30
	DefaultMinBuckets    = 10
	DefaultMaxBuckets    = 60
)

// HistogramRequest asks for a time histogram of the filtered events.
type HistogramRequest struct {
	Filter        Filter `json:"filter"`
	TargetBuckets int    `json:"targetBuckets"`
	MinBuckets    int    `json:"minBuckets"`
	MaxBuckets    int    `json:"maxBuckets"`
}

// WithDefaults fills unset bucket counts.
func (r HistogramRequest) WithDefaults() HistogramRequest {
	if r.TargetBuckets == 0 {
		r.TargetBuckets = DefaultTargetBuckets
	}

	if r.MinBuckets == 0 {
		r.MinBuckets = min(DefaultMinBuckets, r.TargetBuckets)
	}

	if r.MaxBuckets == 0 {
		r.MaxBuckets = max(DefaultMaxBuckets, r.TargetBuckets)
	}

	return r
}

// Validate requires 1 <= min <= target <= max.
func (r HistogramRequest) Validate() error {
	if r.MinBuckets < 1 || r.MinBuckets > r.TargetBuckets || r.TargetBuckets > r.MaxBuckets {
		return fmt.Errorf("%w: need 1 <= min (%d) <= target (%d) <= max (%d)",
			ErrInvalidBuckets, r.MinBuckets, r.TargetBuckets, r.MaxBuckets)
	}

	return r.Filter.Validate()
}

// Bucket is a half-open interval [Start, End). The last bucket also includes End.
type Bucket struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// Histogram is the bucketed event count over the actual timestamp span.
type Histogram struct {
	Buckets     []Bucket      `json:"buckets"`
	BucketWidth time.Duration `json:"bucketWidth"`
	Min         *time.Time    `json:"min,omitempty"`
	Max         *time.Time    `json:"max,omitempty"`
	Total       int           `json:"total"`
}

// Store runs aggregation queries against committed events.
type Store interface {
	Clusters(ctx context.Context, req ClusterRequest) ([]Cluster, error)
	Histogram(ctx context.Context, req HistogramRequest) (*Histogram, error)
}

// Point is the projection of an event the pure algorithms work on.
type Point struct {
	EventID   string
	Title     string
	CatalogID string
	DatasetID string
	Latitude  *float64
	Longitude *float64
	Timestamp *time.Time
	Data      map[string]any
}
