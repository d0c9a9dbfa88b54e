package geocoding

import "math"

// ValidationStatus is the outcome of checking an explicit coordinate.
type ValidationStatus string

const (
	StatusValid          ValidationStatus = "valid"
	StatusOutOfRange     ValidationStatus = "out_of_range"
	StatusSuspiciousZero ValidationStatus = "suspicious_zero"
	StatusSwappedAxis    ValidationStatus = "swapped_axis"
	StatusInvalid        ValidationStatus = "invalid"
)

// NeedsReview reports whether a coordinate with this status must not be accepted
// silently.
func (s ValidationStatus) NeedsReview() bool {
	return s != StatusValid
}

// Validate classifies a latitude/longitude pair.
//
// Rules, first match wins:
//   - non-finite values are invalid
//   - (0, 0) is suspicious_zero
//   - a latitude outside [-90, 90] next to a plausible latitude (non-zero, within
//     [-90, 90]) in the longitude slot is swapped_axis
//   - any other latitude outside [-90, 90] is out_of_range
//   - a longitude outside [-180, 180] is invalid
func Validate(lat, lon float64) ValidationStatus {
	switch {
	case math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0):
		return StatusInvalid
	case lat == 0 && lon == 0:
		return StatusSuspiciousZero
	case math.Abs(lat) > 90 && plausibleLatitude(lon):
		return StatusSwappedAxis
	case math.Abs(lat) > 90:
		return StatusOutOfRange
	case math.Abs(lon) > 180:
		return StatusInvalid
	default:
		return StatusValid
	}
}

func plausibleLatitude(v float64) bool {
	return v != 0 && math.Abs(v) <= 90
}
