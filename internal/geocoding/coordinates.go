// Package geocoding resolves event coordinates from explicit coordinate columns or
// free-text addresses, through a shared location cache and a chain of rate-limited
// external providers.
package geocoding

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Format is the encoding of explicit coordinates in a source column.
type Format string

const (
	FormatDecimal  Format = "decimal"
	FormatDMS      Format = "dms"
	FormatCombined Format = "combined"
	FormatGeoJSON  Format = "geojson"
)

// ErrUnparseableCoordinate is returned when a value cannot be read as a coordinate.
var ErrUnparseableCoordinate = errors.New("unparseable coordinate")

// Coordinate is a latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

var (
	dmsPattern = regexp.MustCompile(
		`^\s*([-+]?\d+(?:\.\d+)?)\s*[°º d]\s*(?:(\d+(?:\.\d+)?)\s*['′m]\s*)?(?:(\d+(?:\.\d+)?)\s*(?:["″]|''|s)\s*)?([NSEWnsew])?\s*$`,
	)
	combinedSeparator = regexp.MustCompile(`\s*[,;]\s*|\s+`)
)

// ParseDecimal reads a single decimal degree value.
func ParseDecimal(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return finite(v)
	case float32:
		return finite(float64(v))
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(strings.Replace(v, ",", ".", 1))
		if s == "" {
			return 0, fmt.Errorf("%w: empty value", ErrUnparseableCoordinate)
		}

		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnparseableCoordinate, v)
		}

		return finite(f)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrUnparseableCoordinate, value)
	}
}

func finite(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: not finite", ErrUnparseableCoordinate)
	}

	return f, nil
}

// ParseDMS reads degrees/minutes/seconds notation such as 40°26'46"N.
// A hemisphere of S or W negates the value. Plain decimals are accepted too.
func ParseDMS(s string) (float64, error) {
	m := dmsPattern.FindStringSubmatch(s)
	if m == nil {
		return ParseDecimal(s)
	}

	deg, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableCoordinate, s)
	}

	var minutes, seconds float64

	if m[2] != "" {
		minutes, _ = strconv.ParseFloat(m[2], 64)
	}

	if m[3] != "" {
		seconds, _ = strconv.ParseFloat(m[3], 64)
	}

	if minutes >= 60 || seconds >= 60 {
		return 0, fmt.Errorf("%w: minutes and seconds must be below 60 in %q", ErrUnparseableCoordinate, s)
	}

	value := math.Abs(deg) + minutes/60 + seconds/3600
	if strings.HasPrefix(strings.TrimSpace(m[1]), "-") {
		value = -value
	}

	switch strings.ToUpper(m[4]) {
	case "S", "W":
		value = -math.Abs(value)
	}

	return value, nil
}

// ParseCombined reads "lat, lon", "lat;lon" or "lat lon". Each half may use DMS.
func ParseCombined(s string) (Coordinate, error) {
	trimmed := strings.TrimSpace(s)

	parts := combinedSeparator.Split(trimmed, -1)
	if len(parts) != 2 {
		// DMS halves contain spaces; try splitting after a hemisphere letter.
		if idx := strings.IndexAny(trimmed, "NSns"); idx > 0 && idx < len(trimmed)-1 {
			parts = []string{trimmed[:idx+1], trimmed[idx+1:]}
		} else {
			return Coordinate{}, fmt.Errorf("%w: expected two values in %q", ErrUnparseableCoordinate, s)
		}
	}

	lat, err := ParseDMS(strings.Trim(parts[0], " ,;"))
	if err != nil {
		return Coordinate{}, err
	}

	lon, err := ParseDMS(strings.Trim(parts[1], " ,;"))
	if err != nil {
		return Coordinate{}, err
	}

	return Coordinate{Latitude: lat, Longitude: lon}, nil
}

// ParseGeoJSON reads a GeoJSON Point, either decoded or as a JSON-looking object.
// GeoJSON positions are [longitude, latitude].
func ParseGeoJSON(value any) (Coordinate, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return Coordinate{}, fmt.Errorf("%w: geojson must be an object", ErrUnparseableCoordinate)
	}

	if geometry, nested := obj["geometry"].(map[string]any); nested {
		obj = geometry
	}

	if t, _ := obj["type"].(string); !strings.EqualFold(t, "Point") {
		return Coordinate{}, fmt.Errorf("%w: geojson type must be Point", ErrUnparseableCoordinate)
	}

	coords, ok := obj["coordinates"].([]any)
	if !ok || len(coords) < 2 {
		return Coordinate{}, fmt.Errorf("%w: geojson point needs two coordinates", ErrUnparseableCoordinate)
	}

	lon, err := ParseDecimal(coords[0])
	if err != nil {
		return Coordinate{}, err
	}

	lat, err := ParseDecimal(coords[1])
	if err != nil {
		return Coordinate{}, err
	}

	return Coordinate{Latitude: lat, Longitude: lon}, nil
}

// DetectFormat guesses the format of sampled values from a single coordinate column.
// It returns FormatDecimal when nothing more specific matches.
func DetectFormat(samples []any) Format {
	counts := make(map[Format]int)

	for _, sample := range samples {
		switch v := sample.(type) {
		case map[string]any:
			if _, err := ParseGeoJSON(v); err == nil {
				counts[FormatGeoJSON]++
			}
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				continue
			}

			if _, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64); err == nil {
				counts[FormatDecimal]++

				continue
			}

			if _, err := ParseCombined(s); err == nil && strings.ContainsAny(s, ",; ") {
				counts[FormatCombined]++

				continue
			}

			if strings.ContainsAny(s, "°º'\"NSEWnsew") {
				if _, err := ParseDMS(s); err == nil {
					counts[FormatDMS]++
				}
			}
		case float64, int, int64:
			counts[FormatDecimal]++
		}
	}

	best, bestCount := FormatDecimal, 0

	for _, f := range []Format{FormatGeoJSON, FormatCombined, FormatDMS, FormatDecimal} {
		if counts[f] > bestCount {
			best, bestCount = f, counts[f]
		}
	}

	return best
}
