package canonicalization

import (
	"strings"
	"unicode"
)

// NormalizeAddress normalizes a free-text address into the key used by the
// shared location cache, so that trivially different spellings of one address
// reuse one cached coordinate.
//
// Normalization rules:
//  1. Unicode letters are lowercased
//  2. Runs of whitespace (including tabs, newlines, NBSP) collapse to one space
//  3. Commas and semicolons become ", " separators, empty segments are dropped
//  4. Leading/trailing whitespace and trailing periods or colons are stripped
//
// Examples:
//   - NormalizeAddress("  10 Downing St.,London ") → "10 downing st., london"
//   - NormalizeAddress("Berlin;;Germany") → "berlin, germany"
//   - NormalizeAddress("   ") → ""
//
// Returns: Normalized address string, empty when the input carries no text.
func NormalizeAddress(address string) string {
	lowered := strings.ToLower(address)

	segments := strings.FieldsFunc(lowered, func(r rune) bool {
		return r == ',' || r == ';'
	})

	cleaned := make([]string, 0, len(segments))

	for _, segment := range segments {
		segment = strings.Join(strings.FieldsFunc(segment, unicode.IsSpace), " ")
		if segment != "" {
			cleaned = append(cleaned, segment)
		}
	}

	normalized := strings.Join(cleaned, ", ")

	return strings.TrimRightFunc(normalized, func(r rune) bool {
		return r == '.' || r == ':' || unicode.IsSpace(r)
	})
}
