package refdata

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"reflect"
	"strings"

	"livestop/internal/transit"
)

// parseCSV decodes a CSV export into a slice of T using the struct's csv
// tags. The delimiter is sniffed from the header (';' for the operator's
// exports, ',' otherwise). Every column named in required must be present.
func parseCSV[T any](r io.Reader, required ...string) ([]T, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(1024)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: read header: %v", transit.ErrMalformedData, err)
	}

	reader := csv.NewReader(br)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	if line := firstLine(first); strings.Count(line, ";") > strings.Count(line, ",") {
		reader.Comma = ';'
	}

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", transit.ErrMalformedData, err)
	}

	// Strip BOM from first field if present
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\xef\xbb\xbf")
	}

	if missing := missingColumns(header, required); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns %s", transit.ErrMalformedData, strings.Join(missing, ", "))
	}

	// Build column-to-field index
	fieldMap := buildFieldMap[T](header)

	var results []T
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read record %d: %v", transit.ErrMalformedData, len(results)+1, err)
		}
		results = append(results, decodeRecord[T](record, fieldMap))
	}

	return results, nil
}

type fieldMapping struct {
	csvIndex   int
	fieldIndex int
}

// buildFieldMap creates a mapping from CSV column positions to struct field positions.
func buildFieldMap[T any](header []string) []fieldMapping {
	var t T
	typ := reflect.TypeOf(t)

	// Build a map of csv tag -> field index
	tagToField := make(map[string]int)
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("csv")
		if tag != "" {
			tagToField[tag] = i
		}
	}

	var mappings []fieldMapping
	for csvIdx, colName := range header {
		colName = strings.ToLower(strings.TrimSpace(colName))
		if fieldIdx, ok := tagToField[colName]; ok {
			mappings = append(mappings, fieldMapping{csvIndex: csvIdx, fieldIndex: fieldIdx})
		}
	}
	return mappings
}

// decodeRecord fills a struct T from a CSV record using the field mapping.
func decodeRecord[T any](record []string, fieldMap []fieldMapping) T {
	var t T
	v := reflect.ValueOf(&t).Elem()
	for _, fm := range fieldMap {
		if fm.csvIndex < len(record) {
			v.Field(fm.fieldIndex).SetString(strings.TrimSpace(record[fm.csvIndex]))
		}
	}
	return t
}

func missingColumns(header, required []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.ToLower(strings.TrimSpace(h))] = true
	}
	var missing []string
	for _, col := range required {
		if !have[col] {
			missing = append(missing, col)
		}
	}
	return missing
}

func firstLine(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
