package importfile

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

var candidateDelimiters = []rune{',', ';', '\t', '|'}

// ParseCSV reads a delimited text file. The first non-empty line is the header.
func ParseCSV(r io.Reader, name string, opts Options) (*Sheet, error) {
	br := bufio.NewReader(r)

	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte("\xef\xbb\xbf")) {
		_, _ = br.Discard(3)
	}

	delimiter := opts.Delimiter
	if delimiter == 0 {
		line, _ := br.Peek(4096)
		delimiter = detectDelimiter(line)
	}

	reader := csv.NewReader(br)
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = false

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}

	if err != nil {
		return nil, fmt.Errorf("%w: csv header: %w", ErrInvalidFile, err)
	}

	sheet := &Sheet{Name: name, Headers: uniqueHeaders(header)}

	for {
		cells, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: csv: %w", ErrInvalidFile, err)
		}

		record := rowRecord(sheet.Headers, cells)
		if record == nil {
			continue
		}

		sheet.Records = append(sheet.Records, record)

		if err := checkRows(len(sheet.Records), opts); err != nil {
			return nil, err
		}
	}

	if len(sheet.Records) == 0 {
		return nil, ErrEmptyFile
	}

	return sheet, nil
}

// detectDelimiter picks the candidate that occurs most often in the first line.
func detectDelimiter(sample []byte) rune {
	line := string(sample)
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}

	best, bestCount := ',', 0

	for _, d := range candidateDelimiters {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}

	return best
}

// ParseJSON reads an array of objects, an object wrapping such an array under a
// common key, or newline-delimited JSON objects.
func ParseJSON(r io.Reader, name string, opts Options) (*Sheet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}

	data = bytes.TrimSpace(stripBOM(data))
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	var items []any

	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: json: %w", ErrInvalidFile, err)
		}
	case '{':
		items, err = decodeObjectStream(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: json must be an array or object", ErrInvalidFile)
	}

	return recordsSheet(name, items, opts)
}

var wrapperKeys = []string{"data", "records", "items", "results", "events", "rows"}

func decodeObjectStream(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var objects []any

	for {
		var obj map[string]any

		err := dec.Decode(&obj)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: json: %w", ErrInvalidFile, err)
		}

		objects = append(objects, obj)
	}

	if len(objects) == 1 {
		obj, _ := objects[0].(map[string]any)
		for _, key := range wrapperKeys {
			if arr, ok := obj[key].([]any); ok {
				return arr, nil
			}
		}
	}

	return objects, nil
}

func recordsSheet(name string, items []any, opts Options) (*Sheet, error) {
	sheet := &Sheet{Name: name}
	seen := make(map[string]bool)

	for i, item := range items {
		record, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrInvalidFile, i)
		}

		keys := make([]string, 0, len(record))
		for key := range record {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		for _, key := range keys {
			if !seen[key] {
				seen[key] = true
				sheet.Headers = append(sheet.Headers, key)
			}
		}

		sheet.Records = append(sheet.Records, record)

		if err := checkRows(len(sheet.Records), opts); err != nil {
			return nil, err
		}
	}

	if len(sheet.Records) == 0 {
		return nil, ErrEmptyFile
	}

	return sheet, nil
}

// ParseGeoJSON reads a FeatureCollection. Each feature becomes a record holding its
// properties, its geometry under "geometry" and its id under "id" when present.
func ParseGeoJSON(r io.Reader, name string, opts Options) (*Sheet, error) {
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID         any            `json:"id"`
			Geometry   map[string]any `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}

	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, fmt.Errorf("%w: geojson: %w", ErrInvalidFile, err)
	}

	if !strings.EqualFold(fc.Type, "FeatureCollection") {
		return nil, fmt.Errorf("%w: geojson type must be FeatureCollection", ErrInvalidFile)
	}

	items := make([]any, 0, len(fc.Features))

	for _, f := range fc.Features {
		record := make(map[string]any, len(f.Properties)+2)
		for k, v := range f.Properties {
			record[k] = v
		}

		if f.Geometry != nil {
			record["geometry"] = f.Geometry
		}

		if f.ID != nil {
			if _, taken := record["id"]; !taken {
				record["id"] = f.ID
			}
		}

		items = append(items, record)
	}

	return recordsSheet(name, items, opts)
}

// ParseXLSX reads every non-empty worksheet of a workbook.
func ParseXLSX(r io.Reader, opts Options) ([]Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: xlsx: %w", ErrInvalidFile, err)
	}

	defer func() {
		_ = f.Close()
	}()

	var sheets []Sheet

	for index, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("%w: sheet %q: %w", ErrInvalidFile, name, err)
		}

		sheet, err := sheetFromRows(index, name, rows, opts)
		if err != nil {
			return nil, err
		}

		if sheet != nil {
			sheets = append(sheets, *sheet)
		}
	}

	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}

	return sheets, nil
}

func sheetFromRows(index int, name string, rows [][]string, opts Options) (*Sheet, error) {
	start := 0
	for start < len(rows) && blankRow(rows[start]) {
		start++
	}

	if start >= len(rows) {
		return nil, nil //nolint:nilnil // empty worksheet is skipped
	}

	sheet := &Sheet{Index: index, Name: name, Headers: uniqueHeaders(rows[start])}

	for _, cells := range rows[start+1:] {
		record := rowRecord(sheet.Headers, cells)
		if record == nil {
			continue
		}

		sheet.Records = append(sheet.Records, record)

		if err := checkRows(len(sheet.Records), opts); err != nil {
			return nil, fmt.Errorf("sheet %q: %w", name, err)
		}
	}

	if len(sheet.Records) == 0 {
		return nil, nil //nolint:nilnil // header-only worksheet is skipped
	}

	return sheet, nil
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}

	return true
}
