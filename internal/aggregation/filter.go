package aggregation

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/geoevents/geoevents/internal/canonicalization"
)

// fieldParamPrefix marks a field filter in query parameters: field.status=open.
const fieldParamPrefix = "field."

// Matches reports whether a point passes the filter.
func (f Filter) Matches(p Point) bool {
	if len(f.CatalogIDs) > 0 && !slices.Contains(f.CatalogIDs, p.CatalogID) {
		return false
	}

	if len(f.DatasetIDs) > 0 && !slices.Contains(f.DatasetIDs, p.DatasetID) {
		return false
	}

	if f.From != nil || f.To != nil {
		if p.Timestamp == nil {
			return false
		}

		if f.From != nil && p.Timestamp.Before(*f.From) {
			return false
		}

		if f.To != nil && p.Timestamp.After(*f.To) {
			return false
		}
	}

	for path, values := range f.Fields {
		raw, ok := canonicalization.Lookup(p.Data, path)
		if !ok {
			return false
		}

		value, ok := canonicalization.ScalarString(raw)
		if !ok || !slices.Contains(values, value) {
			return false
		}
	}

	return true
}

// ParseFilter builds a Filter from query parameters:
//
//	catalogIds=a,b  datasetIds=c  from=2026-01-01T00:00:00Z  to=...
//	field.status=open,closed  field.category=music
//
// Dates accept RFC 3339 or YYYY-MM-DD. A date-only "to" includes the whole day.
func ParseFilter(q url.Values) (Filter, error) {
	f := Filter{
		CatalogIDs: splitList(q["catalogIds"]),
		DatasetIDs: splitList(q["datasetIds"]),
	}

	var err error

	if f.From, err = parseTimeParam(q.Get("from"), false); err != nil {
		return Filter{}, fmt.Errorf("%w: from: %w", ErrInvalidFilter, err)
	}

	if f.To, err = parseTimeParam(q.Get("to"), true); err != nil {
		return Filter{}, fmt.Errorf("%w: to: %w", ErrInvalidFilter, err)
	}

	for key, values := range q {
		field, ok := strings.CutPrefix(key, fieldParamPrefix)
		if !ok {
			continue
		}

		if f.Fields == nil {
			f.Fields = make(map[string][]string)
		}

		f.Fields[field] = append(f.Fields[field], splitList(values)...)
	}

	if err := f.Validate(); err != nil {
		return Filter{}, err
	}

	return f, nil
}

// ParseClusterRequest reads bounds (north, south, east, west), zoom and the
// filter parameters.
func ParseClusterRequest(q url.Values) (ClusterRequest, error) {
	var (
		req ClusterRequest
		err error
	)

	coords := []struct {
		name string
		dst  *float64
	}{
		{"north", &req.Bounds.North},
		{"south", &req.Bounds.South},
		{"east", &req.Bounds.East},
		{"west", &req.Bounds.West},
	}

	for _, c := range coords {
		raw := q.Get(c.name)
		if raw == "" {
			return ClusterRequest{}, fmt.Errorf("%w: %s is required", ErrInvalidBounds, c.name)
		}

		if *c.dst, err = strconv.ParseFloat(raw, 64); err != nil {
			return ClusterRequest{}, fmt.Errorf("%w: %s: %w", ErrInvalidBounds, c.name, err)
		}
	}

	if req.Zoom, err = strconv.Atoi(q.Get("zoom")); err != nil {
		return ClusterRequest{}, fmt.Errorf("%w: %w", ErrInvalidZoom, err)
	}

	if req.Filter, err = ParseFilter(q); err != nil {
		return ClusterRequest{}, err
	}

	if err := req.Validate(); err != nil {
		return ClusterRequest{}, err
	}

	return req, nil
}

// ParseHistogramRequest reads targetBuckets, minBuckets, maxBuckets and the
// filter parameters. Unset counts take the defaults.
func ParseHistogramRequest(q url.Values) (HistogramRequest, error) {
	var (
		req HistogramRequest
		err error
	)

	counts := []struct {
		name string
		dst  *int
	}{
		{"targetBuckets", &req.TargetBuckets},
		{"minBuckets", &req.MinBuckets},
		{"maxBuckets", &req.MaxBuckets},
	}

	for _, c := range counts {
		raw := q.Get(c.name)
		if raw == "" {
			continue
		}

		if *c.dst, err = strconv.Atoi(raw); err != nil {
			return HistogramRequest{}, fmt.Errorf("%w: %s: %w", ErrInvalidBuckets, c.name, err)
		}
	}

	if req.Filter, err = ParseFilter(q); err != nil {
		return HistogramRequest{}, err
	}

	req = req.WithDefaults()

	if err := req.Validate(); err != nil {
		return HistogramRequest{}, err
	}

	return req, nil
}

func splitList(values []string) []string {
	var out []string

	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}

	return out
}

func parseTimeParam(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}

	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, err
	}

	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}

	return &t, nil
}
