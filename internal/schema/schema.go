// Package schema infers the structure of import batches, compares it with a
// dataset's current schema and decides whether the change needs approval.
package schema

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldType is the inferred type of a field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeNull    FieldType = "null"
	TypeMixed   FieldType = "mixed"
)

// EnumMode selects how the enum cardinality threshold is interpreted.
type EnumMode string

const (
	EnumByCount      EnumMode = "count"
	EnumByPercentage EnumMode = "percentage"
)

const maxSafeInteger = 1 << 53

// dateLayouts are tried in order when a string value is classified.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Field describes one field path.
type Field struct {
	Path        string    `json:"path"`
	Type        FieldType `json:"type"`
	Nullable    bool      `json:"nullable"`
	Occurrences int       `json:"occurrences"`
	NullCount   int       `json:"nullCount"`
	IsEnum      bool      `json:"isEnum,omitempty"`
	EnumValues  []string  `json:"enumValues,omitempty"`
}

// Schema is the structural description of a batch or dataset.
type Schema struct {
	Fields     map[string]*Field `json:"fields"`
	SampleSize int               `json:"sampleSize"`
}

// Paths returns the field paths in sorted order.
func (s *Schema) Paths() []string {
	if s == nil {
		return nil
	}

	paths := make([]string, 0, len(s.Fields))
	for path := range s.Fields {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	return paths
}

// FieldCount returns the number of field paths, zero for a nil schema.
func (s *Schema) FieldCount() int {
	if s == nil {
		return 0
	}

	return len(s.Fields)
}

// Field returns the field at path or nil.
func (s *Schema) Field(path string) *Field {
	if s == nil {
		return nil
	}

	return s.Fields[path]
}

// DetectOptions tunes inference.
type DetectOptions struct {
	// SampleSize limits inference to the first N rows. Zero uses the full batch.
	SampleSize int
	// EnumMode decides whether EnumThreshold is a count or a fraction of non-null values.
	EnumMode EnumMode
	// EnumThreshold is the maximum cardinality (count) or distinct ratio (percentage).
	EnumThreshold float64
}

// DefaultDetectOptions returns count-mode enum detection with 50 distinct values.
func DefaultDetectOptions() DetectOptions {
	return DetectOptions{EnumMode: EnumByCount, EnumThreshold: 50}
}

type fieldStats struct {
	field    *Field
	distinct map[string]struct{}
	overflow bool
}

// Detect infers a schema from records.
func Detect(records []map[string]any, opts DetectOptions) *Schema {
	if opts.EnumMode == "" {
		opts = DefaultDetectOptions()
	}

	sample := records
	if opts.SampleSize > 0 && len(sample) > opts.SampleSize {
		sample = sample[:opts.SampleSize]
	}

	stats := make(map[string]*fieldStats)

	for _, record := range sample {
		observe(stats, "", record)
	}

	out := &Schema{Fields: make(map[string]*Field, len(stats)), SampleSize: len(sample)}

	for path, st := range stats {
		f := st.field
		f.NullCount = len(sample) - f.Occurrences
		f.Nullable = f.NullCount > 0

		if f.Type == "" {
			f.Type = TypeNull
		}

		if !st.overflow && isEnumCandidate(f, len(st.distinct), opts) {
			f.IsEnum = true
			f.EnumValues = make([]string, 0, len(st.distinct))

			for v := range st.distinct {
				f.EnumValues = append(f.EnumValues, v)
			}

			sort.Strings(f.EnumValues)
		}

		out.Fields[path] = f
	}

	return out
}

// enumTrackingLimit bounds the distinct values remembered per field.
const enumTrackingLimit = 1000

func observe(stats map[string]*fieldStats, prefix string, record map[string]any) {
	for key, value := range record {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		st, ok := stats[path]
		if !ok {
			st = &fieldStats{field: &Field{Path: path}, distinct: make(map[string]struct{})}
			stats[path] = st
		}

		t := TypeOf(value)
		if t == TypeNull {
			continue
		}

		st.field.Occurrences++
		st.field.Type = Merge(st.field.Type, t)

		switch typed := value.(type) {
		case map[string]any:
			observe(stats, path, typed)
		case string:
			if st.overflow {
				continue
			}

			st.distinct[strings.TrimSpace(typed)] = struct{}{}
			if len(st.distinct) > enumTrackingLimit {
				st.overflow = true
				st.distinct = nil
			}
		}
	}
}

func isEnumCandidate(f *Field, distinct int, opts DetectOptions) bool {
	if f.Type != TypeString || distinct == 0 || f.Occurrences < 2 {
		return false
	}

	// Values must repeat to look like categories.
	if distinct*2 > f.Occurrences {
		return false
	}

	switch opts.EnumMode {
	case EnumByPercentage:
		return float64(distinct)/float64(f.Occurrences) <= opts.EnumThreshold
	default:
		return float64(distinct) <= opts.EnumThreshold
	}
}

// TypeOf classifies a single decoded value. Strings holding numbers, booleans or
// dates are classified by their content, since CSV and XLSX cells arrive as text.
func TypeOf(value any) FieldType {
	switch v := value.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case int, int32, int64:
		return TypeInteger
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < maxSafeInteger {
			return TypeInteger
		}

		return TypeNumber
	case float32:
		return TypeOf(float64(v))
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	case time.Time:
		return TypeDate
	case string:
		return typeOfString(v)
	default:
		return TypeString
	}
}

func typeOfString(s string) FieldType {
	s = strings.TrimSpace(s)
	if s == "" {
		return TypeNull
	}

	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return TypeInteger
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return TypeNumber
	}

	switch strings.ToLower(s) {
	case "true", "false":
		return TypeBoolean
	}

	if _, ok := ParseDate(s, ""); ok {
		return TypeDate
	}

	return TypeString
}

// ParseDate parses s with layout, or with the known layouts when layout is empty.
func ParseDate(s, layout string) (time.Time, bool) {
	if layout != "" {
		t, err := time.Parse(layout, strings.TrimSpace(s))

		return t, err == nil
	}

	for _, l := range dateLayouts {
		if t, err := time.Parse(l, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

// Merge returns the narrowest type that accepts values of both a and b.
func Merge(a, b FieldType) FieldType {
	switch {
	case a == "" || a == TypeNull:
		return b
	case b == "" || b == TypeNull:
		return a
	case a == b:
		return a
	case isNumeric(a) && isNumeric(b):
		return TypeNumber
	case isScalar(a) && isScalar(b):
		return TypeString
	default:
		return TypeMixed
	}
}

// IsWidening reports whether every value valid for from is also valid for to.
func IsWidening(from, to FieldType) bool {
	switch {
	case from == to:
		return true
	case from == TypeNull, to == TypeMixed:
		return true
	case from == TypeInteger && to == TypeNumber:
		return true
	case to == TypeString && isScalar(from):
		return true
	default:
		return false
	}
}

func isNumeric(t FieldType) bool {
	return t == TypeInteger || t == TypeNumber
}

func isScalar(t FieldType) bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeDate:
		return true
	default:
		return false
	}
}
