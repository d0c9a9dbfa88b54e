package schema

import (
	"fmt"

	"github.com/geoevents/geoevents/internal/canonicalization"
)

// Violation is a row-level mismatch between a record and a schema.
type Violation struct {
	Row     int    `json:"row"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidateRecords checks records against s. rows maps each record to its row
// number in the source; when nil the slice position is used.
func ValidateRecords(records []map[string]any, rows []int, s *Schema) []Violation {
	if s == nil {
		return nil
	}

	paths := s.Paths()

	var out []Violation

	for i, record := range records {
		row := i
		if rows != nil {
			row = rows[i]
		}

		for _, path := range paths {
			f := s.Fields[path]

			v, ok := canonicalization.Lookup(record, path)
			actual := TypeOf(v)

			if !ok || actual == TypeNull {
				if !f.Nullable && f.Type != TypeNull {
					out = append(out, Violation{Row: row, Path: path, Message: "required field missing"})
				}

				continue
			}

			if !IsWidening(actual, f.Type) {
				out = append(out, Violation{
					Row:     row,
					Path:    path,
					Message: fmt.Sprintf("expected %s, got %s", f.Type, actual),
				})
			}
		}
	}

	return out
}
