// Package importfile parses uploaded or fetched source files into sheets of
// records. CSV, JSON, GeoJSON FeatureCollections and XLSX workbooks are supported;
// every format yields one or more Sheets whose records are flat or nested JSON-like
// maps.
package importfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Format is a supported source file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatGeoJSON Format = "geojson"
	FormatXLSX    Format = "xlsx"
)

// Sentinel errors.
var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyFile         = errors.New("file contains no records")
	ErrInvalidFile       = errors.New("invalid file")
	ErrTooManyRows       = errors.New("file exceeds the row limit")
)

// Sheet is one tabular unit of a file. CSV, JSON and GeoJSON files have exactly one.
type Sheet struct {
	Index   int
	Name    string
	Headers []string
	Records []map[string]any
}

// Info returns the sheet metadata stored on the Import File.
func (s *Sheet) Info() SheetInfo {
	return SheetInfo{Index: s.Index, Name: s.Name, RowCount: len(s.Records)}
}

// SheetInfo is the per-sheet metadata of an Import File.
type SheetInfo struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	RowCount int    `json:"rowCount"`
}

// Options bounds parsing.
type Options struct {
	// MaxRows caps records per sheet. Zero means unlimited.
	MaxRows int
	// Delimiter forces the CSV separator. Zero detects it from the header line.
	Delimiter rune
}

var contentTypes = map[string]Format{
	"text/csv":                 FormatCSV,
	"application/csv":          FormatCSV,
	"application/json":         FormatJSON,
	"application/geo+json":     FormatGeoJSON,
	"application/vnd.geo+json": FormatGeoJSON,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": FormatXLSX,
}

// xlsx files are zip archives.
var zipMagic = []byte("PK\x03\x04")

// DetectFormat picks the format from the file extension, then the content type,
// then the leading bytes.
func DetectFormat(filename, contentType string, head []byte) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV, nil
	case ".geojson":
		return FormatGeoJSON, nil
	case ".json":
		if looksLikeFeatureCollection(head) {
			return FormatGeoJSON, nil
		}

		return FormatJSON, nil
	case ".xlsx":
		return FormatXLSX, nil
	}

	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if f, ok := contentTypes[strings.ToLower(mediaType)]; ok {
		if f == FormatJSON && looksLikeFeatureCollection(head) {
			return FormatGeoJSON, nil
		}

		return f, nil
	}

	trimmed := bytes.TrimSpace(stripBOM(head))

	switch {
	case bytes.HasPrefix(head, zipMagic):
		return FormatXLSX, nil
	case len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{'):
		if looksLikeFeatureCollection(trimmed) {
			return FormatGeoJSON, nil
		}

		return FormatJSON, nil
	case len(trimmed) > 0:
		return FormatCSV, nil
	default:
		return "", ErrEmptyFile
	}
}

func looksLikeFeatureCollection(head []byte) bool {
	compact := bytes.ReplaceAll(head, []byte(" "), nil)

	return bytes.Contains(compact, []byte(`"type":"FeatureCollection"`))
}

// Parse reads every sheet of a file.
func Parse(r io.Reader, filename, contentType string, opts Options) ([]Sheet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	format, err := DetectFormat(filename, contentType, head(data))
	if err != nil {
		return nil, err
	}

	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if name == "" || name == "." {
		name = "data"
	}

	var sheets []Sheet

	switch format {
	case FormatCSV:
		sheet, err := ParseCSV(bytes.NewReader(data), name, opts)
		if err != nil {
			return nil, err
		}

		sheets = []Sheet{*sheet}
	case FormatJSON:
		sheet, err := ParseJSON(bytes.NewReader(data), name, opts)
		if err != nil {
			return nil, err
		}

		sheets = []Sheet{*sheet}
	case FormatGeoJSON:
		sheet, err := ParseGeoJSON(bytes.NewReader(data), name, opts)
		if err != nil {
			return nil, err
		}

		sheets = []Sheet{*sheet}
	case FormatXLSX:
		sheets, err = ParseXLSX(bytes.NewReader(data), opts)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return sheets, nil
}

func head(data []byte) []byte {
	const size = 512

	if len(data) < size {
		return data
	}

	return data[:size]
}

func stripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
}

// uniqueHeaders fills blank headers with column_N and suffixes duplicates.
func uniqueHeaders(raw []string) []string {
	out := make([]string, len(raw))
	seen := make(map[string]int, len(raw))

	for i, h := range raw {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}

		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}

		out[i] = name
	}

	return out
}

// rowRecord builds a record from cells. Blank cells become nil; a row with no
// non-blank cell yields nil.
func rowRecord(headers, cells []string) map[string]any {
	record := make(map[string]any, len(headers))
	empty := true

	for i, h := range headers {
		if i >= len(cells) {
			record[h] = nil

			continue
		}

		v := strings.TrimSpace(cells[i])
		if v == "" {
			record[h] = nil

			continue
		}

		record[h] = v
		empty = false
	}

	if empty {
		return nil
	}

	return record
}

func checkRows(n int, opts Options) error {
	if opts.MaxRows > 0 && n > opts.MaxRows {
		return fmt.Errorf("%w: more than %d rows", ErrTooManyRows, opts.MaxRows)
	}

	return nil
}
