package ingestion

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/geoevents/geoevents/internal/canonicalization"
	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/schema"
)

var (
	titleNames     = []string{"title", "name", "eventname", "event", "headline", "summary", "subject", "label"}
	timestampNames = []string{
		"timestamp", "datetime", "eventdate", "eventtime", "date", "time",
		"startdate", "start", "occurredat", "when", "createdat",
	}
)

// DetectFieldMappings detects location, title and timestamp columns of records.
func DetectFieldMappings(records []map[string]any) FieldMappings {
	return FieldMappings{
		Geo:           geocoding.DetectMapping(records),
		TitlePath:     detectColumn(records, titleNames, isText),
		TimestampPath: detectColumn(records, timestampNames, isTimestamp),
	}
}

// ColumnAliaser rewrites a source header to the canonical name detection
// recognizes, returning the header unchanged when it has no alias.
type ColumnAliaser interface {
	Resolve(column string) string
}

// DetectAliasedFieldMappings detects mappings on headers rewritten by aliases.
// The returned paths name the original columns. An alias that would collide
// with an existing column, or with another alias, is ignored.
func DetectAliasedFieldMappings(records []map[string]any, aliases ColumnAliaser) FieldMappings {
	if aliases == nil {
		return DetectFieldMappings(records)
	}

	rename := aliasTable(records, aliases)
	if len(rename) == 0 {
		return DetectFieldMappings(records)
	}

	renamed := make([]map[string]any, len(records))

	for i, record := range records {
		out := make(map[string]any, len(record))

		for key, value := range record {
			if canonical, ok := rename[key]; ok {
				key = canonical
			}

			out[key] = value
		}

		renamed[i] = out
	}

	original := make(map[string]string, len(rename))
	for from, to := range rename {
		original[to] = from
	}

	back := func(path string) string {
		if from, ok := original[path]; ok {
			return from
		}

		return path
	}

	m := DetectFieldMappings(renamed)

	m.TitlePath = back(m.TitlePath)
	m.TimestampPath = back(m.TimestampPath)
	m.Geo.LatitudePath = back(m.Geo.LatitudePath)
	m.Geo.LongitudePath = back(m.Geo.LongitudePath)
	m.Geo.CombinedPath = back(m.Geo.CombinedPath)
	m.Geo.GeoJSONPath = back(m.Geo.GeoJSONPath)
	m.Geo.AddressPath = back(m.Geo.AddressPath)

	return m
}

func aliasTable(records []map[string]any, aliases ColumnAliaser) map[string]string {
	columns := make(map[string]bool)

	for _, record := range records {
		for key := range record {
			columns[key] = true
		}
	}

	keys := make([]string, 0, len(columns))
	for key := range columns {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	rename := make(map[string]string)
	taken := make(map[string]bool)

	for _, key := range keys {
		canonical := aliases.Resolve(key)
		if canonical == "" || canonical == key || columns[canonical] || taken[canonical] {
			continue
		}

		rename[key] = canonical
		taken[canonical] = true
	}

	return rename
}

// Merge returns m with every non-empty field of override applied.
func (m FieldMappings) Merge(override FieldMappings) FieldMappings {
	out := FieldMappings{
		Geo:           m.Geo.Merge(override.Geo),
		TitlePath:     m.TitlePath,
		TimestampPath: m.TimestampPath,
	}

	if override.TitlePath != "" {
		out.TitlePath = override.TitlePath
	}

	if override.TimestampPath != "" {
		out.TimestampPath = override.TimestampPath
	}

	return out
}

// Title reads the mapped title of record.
func (m FieldMappings) Title(record map[string]any) string {
	if m.TitlePath == "" {
		return ""
	}

	v, _ := canonicalization.Lookup(record, m.TitlePath)
	s, _ := canonicalization.ScalarString(v)

	return strings.TrimSpace(s)
}

// Timestamp reads the mapped event time of record. Numbers are Unix seconds, or
// milliseconds when too large to be seconds.
func (m FieldMappings) Timestamp(record map[string]any) (*time.Time, bool) {
	if m.TimestampPath == "" {
		return nil, true
	}

	v, ok := canonicalization.Lookup(record, m.TimestampPath)
	if !ok || v == nil {
		return nil, true
	}

	t, ok := parseTimestamp(v)
	if !ok {
		return nil, false
	}

	return &t, true
}

const maxUnixSeconds = 1e11

func parseTimestamp(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case float64:
		return unixTime(x)
	case int:
		return unixTime(float64(x))
	case int64:
		return unixTime(float64(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}

		t, ok := schema.ParseDate(s, "")

		return t.UTC(), ok
	default:
		return time.Time{}, false
	}
}

func unixTime(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}

	if math.Abs(f) >= maxUnixSeconds {
		return time.UnixMilli(int64(f)).UTC(), true
	}

	sec, frac := math.Modf(f)

	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

func isText(v any) bool {
	s, ok := v.(string)

	return ok && strings.TrimSpace(s) != ""
}

func isTimestamp(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}

	return schema.TypeOf(s) == schema.TypeDate
}

// detectColumn picks the top-level column whose squashed name ranks earliest in
// names and whose non-null values mostly satisfy accept.
func detectColumn(records []map[string]any, names []string, accept func(any) bool) string {
	type candidate struct {
		field string
		rank  int
	}

	values := make(map[string][]any)

	for _, record := range records {
		for key, value := range record {
			if value != nil {
				values[key] = append(values[key], value)
			}
		}
	}

	var candidates []candidate

	for field, vs := range values {
		key := squash(field)

		for rank, name := range names {
			if key != name {
				continue
			}

			hits := 0

			for _, v := range vs {
				if accept(v) {
					hits++
				}
			}

			if len(vs) > 0 && float64(hits)/float64(len(vs)) >= 0.5 {
				candidates = append(candidates, candidate{field: field, rank: rank})
			}

			break
		}
	}

	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}

		return candidates[i].field < candidates[j].field
	})

	return candidates[0].field
}

func squash(s string) string {
	var b strings.Builder

	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	return b.String()
}
