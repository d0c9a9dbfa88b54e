// Package canonicalization provides deterministic identity primitives for imported records.
//
// The functions here operate on decoded rows (map[string]any) and plain strings rather
// than domain types so the identity resolver, the geocoding cache and the event store
// agree on the exact same canonical forms.
//
// Key functions:
//   - ContentHash: SHA256 over the sorted non-null scalar fields of a record
//   - UniqueID: System-wide event key in the format "dataset:kind:key"
//   - NormalizeAddress: Cache key for free-text addresses
package canonicalization

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	uniqueIDParts = 3

	// MaxUniqueIDLength is the maximum length for event unique IDs.
	// Must match database schema: events.unique_id VARCHAR(255).
	MaxUniqueIDLength = 255

	// KindExternal marks unique IDs derived from a source-provided identifier.
	KindExternal = "ext"
	// KindHash marks unique IDs derived from the record content hash.
	KindHash = "hash"
)

// Sentinel errors for canonicalization operations.
var (
	// ErrInvalidUniqueID is returned when a unique ID does not have the "dataset:kind:key" shape.
	ErrInvalidUniqueID = errors.New("invalid unique ID format: expected 'dataset:kind:key'")

	// ErrEmptyUniqueID is returned when a unique ID is empty or whitespace.
	ErrEmptyUniqueID = errors.New("unique ID cannot be empty")
)

// ContentHash generates a deterministic hash of a record's content.
//
// Formula: SHA256 over "path=json(value)" lines for every non-null scalar field,
// sorted by path. Nested objects are flattened to dotted paths. Arrays and nulls
// are not part of the hash.
//
// When fields is non-empty, only those paths contribute (the "computed fields"
// identity configuration). Missing paths are skipped.
//
// Examples:
//   - {"b": 1, "a": "x"} and {"a": "x", "b": 1} → same hash
//   - {"a": "x", "c": null} and {"a": "x"} → same hash
//   - {"a": 1} and {"a": "1"} → different hashes (type is part of the encoding)
//
// Returns: 64-character lowercase hex string (SHA256 output), or "" when the record
// has no hashable field.
func ContentHash(record map[string]any, fields ...string) string {
	flat := FlattenScalars(record)

	paths := HashFields(flat)
	if len(fields) > 0 {
		paths = selectFields(flat, fields)
	}

	if len(paths) == 0 {
		return ""
	}

	var b strings.Builder

	for _, path := range paths {
		encoded, err := json.Marshal(flat[path])
		if err != nil {
			encoded = []byte(fmt.Sprint(flat[path]))
		}

		b.WriteString(path)
		b.WriteByte('=')
		b.Write(encoded)
		b.WriteByte('\n')
	}

	return hashSHA256(b.String())
}

// HashFields returns the sorted paths of the non-null scalar fields in a flattened record.
func HashFields(flat map[string]any) []string {
	paths := make([]string, 0, len(flat))

	for path, value := range flat {
		if value == nil {
			continue
		}

		paths = append(paths, path)
	}

	sort.Strings(paths)

	return paths
}

// FlattenScalars flattens nested objects into dotted paths and keeps scalar leaves only.
//
// Examples:
//   - {"venue": {"name": "Hall"}} → {"venue.name": "Hall"}
//   - {"tags": ["a"]} → {} (arrays are not scalars)
func FlattenScalars(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	flattenInto(out, "", record)

	return out
}

func flattenInto(out map[string]any, prefix string, value map[string]any) {
	for key, v := range value {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		switch typed := v.(type) {
		case map[string]any:
			flattenInto(out, path, typed)
		case []any:
			continue
		case nil:
			continue
		default:
			if s, ok := typed.(string); ok && strings.TrimSpace(s) == "" {
				continue
			}

			out[path] = typed
		}
	}
}

func selectFields(flat map[string]any, fields []string) []string {
	paths := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))

	for _, field := range fields {
		if _, dup := seen[field]; dup {
			continue
		}

		seen[field] = struct{}{}

		if v, ok := flat[field]; ok && v != nil {
			paths = append(paths, field)
		}
	}

	sort.Strings(paths)

	return paths
}

// UniqueID generates the system-wide unique ID of an event.
//
// Formula: "{datasetID}:{kind}:{key}" where kind is KindExternal or KindHash.
// Keys that would push the ID past MaxUniqueIDLength are replaced by their SHA256.
//
// Examples:
//   - UniqueID("ds-1", KindExternal, "EV-42") → "ds-1:ext:EV-42"
//   - UniqueID("ds-1", KindHash, "9f86d0...") → "ds-1:hash:9f86d0..."
func UniqueID(datasetID, kind, key string) string {
	id := fmt.Sprintf("%s:%s:%s", datasetID, kind, key)
	if len(id) <= MaxUniqueIDLength {
		return id
	}

	return fmt.Sprintf("%s:%s:%s", datasetID, kind, hashSHA256(key))
}

// ParseUniqueID splits a unique ID into its dataset, kind and key components.
//
// Only the first two colons separate components, so keys may contain colons.
func ParseUniqueID(uniqueID string) (string, string, string, error) {
	uniqueID = strings.TrimSpace(uniqueID)
	if uniqueID == "" {
		return "", "", "", ErrEmptyUniqueID
	}

	parts := strings.SplitN(uniqueID, ":", uniqueIDParts)
	if len(parts) != uniqueIDParts {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidUniqueID, uniqueID)
	}

	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return "", "", "", fmt.Errorf("%w: %q", ErrInvalidUniqueID, uniqueID)
		}
	}

	return parts[0], parts[1], parts[2], nil
}

// Lookup resolves a dotted path against a record.
//
// Examples:
//   - Lookup({"a": {"b": 1}}, "a.b") → (1, true)
//   - Lookup({"a.b": 1}, "a.b") → (1, true) (literal keys win)
func Lookup(record map[string]any, path string) (any, bool) {
	if v, ok := record[path]; ok {
		return v, true
	}

	current := any(record)

	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// ScalarString renders a scalar record value as a string, returning false for
// nulls, blanks, objects and arrays.
func ScalarString(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(v)

		return s, s != ""
	case map[string]any, []any:
		return "", false
	case float64:
		encoded, _ := json.Marshal(v)

		return string(encoded), true
	default:
		return fmt.Sprint(v), true
	}
}

// hashSHA256 computes the SHA256 hash of the input string.
//
// Returns: 64-character lowercase hex string (SHA256 output).
func hashSHA256(input string) string {
	hash := sha256.Sum256([]byte(input))

	return hex.EncodeToString(hash[:])
}
