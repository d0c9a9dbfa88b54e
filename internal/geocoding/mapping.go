package geocoding

import (
	"sort"
	"strings"

	"github.com/geoevents/geoevents/internal/canonicalization"
)

// FieldMapping names the columns that carry location signal. Dataset overrides are
// merged over detected values by Merge.
type FieldMapping struct {
	LatitudePath  string `json:"latitudePath,omitempty"`
	LongitudePath string `json:"longitudePath,omitempty"`
	CombinedPath  string `json:"combinedPath,omitempty"`
	GeoJSONPath   string `json:"geojsonPath,omitempty"`
	AddressPath   string `json:"addressPath,omitempty"`
	// Format overrides detection for latitude/longitude columns.
	Format Format `json:"format,omitempty"`
}

// Merge returns m with every non-empty field of override applied.
func (m FieldMapping) Merge(override FieldMapping) FieldMapping {
	pick := func(a, b string) string {
		if b != "" {
			return b
		}

		return a
	}

	return FieldMapping{
		LatitudePath:  pick(m.LatitudePath, override.LatitudePath),
		LongitudePath: pick(m.LongitudePath, override.LongitudePath),
		CombinedPath:  pick(m.CombinedPath, override.CombinedPath),
		GeoJSONPath:   pick(m.GeoJSONPath, override.GeoJSONPath),
		AddressPath:   pick(m.AddressPath, override.AddressPath),
		Format:        Format(pick(string(m.Format), string(override.Format))),
	}
}

// HasCoordinates reports whether any explicit coordinate column is mapped.
func (m FieldMapping) HasCoordinates() bool {
	return m.GeoJSONPath != "" || m.CombinedPath != "" || (m.LatitudePath != "" && m.LongitudePath != "")
}

var (
	latitudeNames  = []string{"latitude", "lat", "geolat", "locationlat", "ylat"}
	longitudeNames = []string{"longitude", "lon", "lng", "long", "geolon", "geolng", "locationlon", "locationlng", "xlon"}
	combinedNames  = []string{"coordinates", "coords", "latlng", "latlon", "latlong", "location", "position", "geo", "point"}
	geojsonNames   = []string{"geometry", "geojson", "location", "point", "geo"}
	addressNames   = []string{"address", "fulladdress", "streetaddress", "location", "place", "venueaddress", "addr", "venue", "city"}
)

// DetectMapping inspects field names and sampled values of records.
func DetectMapping(records []map[string]any) FieldMapping {
	fields := topLevelFields(records)

	var m FieldMapping

	m.GeoJSONPath = firstMatching(fields, geojsonNames, func(values []any) bool {
		return ratio(values, func(v any) bool {
			_, err := ParseGeoJSON(v)

			return err == nil
		}) >= 0.5
	})

	m.LatitudePath = firstMatching(fields, latitudeNames, numericLike)
	m.LongitudePath = firstMatching(fields, longitudeNames, numericLike)

	if m.LatitudePath == "" || m.LongitudePath == "" {
		m.LatitudePath, m.LongitudePath = "", ""
	}

	if m.GeoJSONPath == "" && m.LatitudePath == "" {
		m.CombinedPath = firstMatching(fields, combinedNames, func(values []any) bool {
			return ratio(values, func(v any) bool {
				s, ok := v.(string)
				if !ok {
					return false
				}

				_, err := ParseCombined(s)

				return err == nil
			}) >= 0.5
		})
	}

	m.AddressPath = firstMatching(fields, addressNames, func(values []any) bool {
		return ratio(values, func(v any) bool {
			s, ok := v.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return false
			}

			_, err := ParseCombined(s)

			return err != nil
		}) >= 0.5
	})

	if m.LatitudePath != "" {
		samples := fields[m.LatitudePath]
		m.Format = DetectFormat(samples)
	}

	return m
}

func numericLike(values []any) bool {
	return ratio(values, func(v any) bool {
		if _, err := ParseDecimal(v); err == nil {
			return true
		}

		s, ok := v.(string)
		if !ok {
			return false
		}

		_, err := ParseDMS(s)

		return err == nil
	}) >= 0.5
}

func ratio(values []any, pred func(any) bool) float64 {
	total, hits := 0, 0

	for _, v := range values {
		if v == nil {
			continue
		}

		total++

		if pred(v) {
			hits++
		}
	}

	if total == 0 {
		return 0
	}

	return float64(hits) / float64(total)
}

// topLevelFields returns sampled values by field name.
func topLevelFields(records []map[string]any) map[string][]any {
	out := make(map[string][]any)

	for _, record := range records {
		for key, value := range record {
			out[key] = append(out[key], value)
		}
	}

	return out
}

// firstMatching returns the field whose squashed name appears earliest in names
// and whose values satisfy accept. Ties are broken by field name.
func firstMatching(fields map[string][]any, names []string, accept func([]any) bool) string {
	type match struct {
		field string
		rank  int
	}

	var matches []match

	for field, values := range fields {
		key := squashName(field)

		for rank, name := range names {
			if key == name && accept(values) {
				matches = append(matches, match{field: field, rank: rank})

				break
			}
		}
	}

	if len(matches) == 0 {
		return ""
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}

		return matches[i].field < matches[j].field
	})

	return matches[0].field
}

func squashName(s string) string {
	var b strings.Builder

	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// Signal is the location information found in one record.
type Signal struct {
	Row        int              `json:"row"`
	Coordinate *Coordinate      `json:"coordinate,omitempty"`
	Status     ValidationStatus `json:"status,omitempty"`
	Address    string           `json:"address,omitempty"`
	ParseError string           `json:"parseError,omitempty"`
}

// Extract reads the location signal of record according to m.
func (m FieldMapping) Extract(row int, record map[string]any) Signal {
	sig := Signal{Row: row}

	if m.AddressPath != "" {
		raw, _ := canonicalization.Lookup(record, m.AddressPath)
		if s, ok := canonicalization.ScalarString(raw); ok {
			sig.Address = s
		}
	}

	coord, present, err := m.coordinate(record)

	switch {
	case err != nil:
		sig.ParseError = err.Error()
		sig.Status = StatusInvalid
	case present:
		sig.Coordinate = &coord
		sig.Status = Validate(coord.Latitude, coord.Longitude)
	}

	return sig
}

func (m FieldMapping) coordinate(record map[string]any) (Coordinate, bool, error) {
	switch {
	case m.GeoJSONPath != "":
		raw, ok := canonicalization.Lookup(record, m.GeoJSONPath)
		if !ok || raw == nil {
			return Coordinate{}, false, nil
		}

		c, err := ParseGeoJSON(raw)

		return c, err == nil, err
	case m.CombinedPath != "":
		raw, _ := canonicalization.Lookup(record, m.CombinedPath)

		s, ok := canonicalization.ScalarString(raw)
		if !ok {
			return Coordinate{}, false, nil
		}

		c, err := ParseCombined(s)

		return c, err == nil, err
	case m.LatitudePath != "" && m.LongitudePath != "":
		rawLat, _ := canonicalization.Lookup(record, m.LatitudePath)
		rawLon, _ := canonicalization.Lookup(record, m.LongitudePath)

		if blank(rawLat) && blank(rawLon) {
			return Coordinate{}, false, nil
		}

		lat, err := m.parseAxis(rawLat)
		if err != nil {
			return Coordinate{}, false, err
		}

		lon, err := m.parseAxis(rawLon)
		if err != nil {
			return Coordinate{}, false, err
		}

		return Coordinate{Latitude: lat, Longitude: lon}, true, nil
	default:
		return Coordinate{}, false, nil
	}
}

func (m FieldMapping) parseAxis(raw any) (float64, error) {
	s, isString := raw.(string)
	if isString && (m.Format == FormatDMS || strings.ContainsAny(s, "°º'\"NSEWnsew")) {
		return ParseDMS(s)
	}

	return ParseDecimal(raw)
}

func blank(v any) bool {
	_, ok := canonicalization.ScalarString(v)

	return !ok
}
