package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/miradorstack/mirador-insights/internal/models"
)

// CSVOptions controls CSV decoding.
type CSVOptions struct {
	// Comma is the field delimiter; zero means ','.
	Comma rune
	// MaxRows caps data rows read; zero means no cap.
	MaxRows int
}

// ReadCSV decodes a header row plus data rows into a RawDataset. Blank or repeated header
// names are made unique, short rows read as nulls and malformed rows are skipped.
func ReadCSV(r io.Reader, opts CSVOptions) (models.RawDataset, int, error) {
	reader := csv.NewReader(r)
	if opts.Comma != 0 {
		reader.Comma = opts.Comma
	}
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return models.NewRawDataset(nil, nil), 0, nil
		}
		return models.RawDataset{}, 0, fmt.Errorf("read csv header: %w", err)
	}
	columns := uniqueHeaders(headers)

	var (
		records []models.RawRecord
		skipped int
	)
	for opts.MaxRows <= 0 || len(records) < opts.MaxRows {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				continue
			}
			return models.RawDataset{}, skipped, fmt.Errorf("read csv row: %w", err)
		}
		rec := make(models.RawRecord, len(columns))
		for i, col := range columns {
			if i < len(row) {
				rec[col] = models.StringValue(row[i])
			} else {
				rec[col] = models.NullValue()
			}
		}
		records = append(records, rec)
	}
	return models.NewRawDataset(columns, records), skipped, nil
}

// uniqueHeaders trims and de-duplicates headers. Names present in the file are reserved, so a
// generated suffix never collides with a later literal column.
func uniqueHeaders(headers []string) []string {
	out := make([]string, len(headers))
	reserved := make(map[string]bool, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		out[i] = h
		reserved[h] = true
	}
	used := make(map[string]bool, len(headers))
	for i, h := range out {
		if used[h] {
			name := h
			for n := 2; used[name] || reserved[name]; n++ {
				name = h + "_" + strconv.Itoa(n)
			}
			h = name
		}
		used[h] = true
		out[i] = h
	}
	return out
}

// FromRows builds a RawDataset from decoded rows (JSON objects, structpb maps). columns fixes
// the header order; when empty, the sorted union of row keys is used.
func FromRows(columns []string, rows []map[string]any) (models.RawDataset, error) {
	if len(columns) == 0 {
		set := make(map[string]struct{})
		for _, row := range rows {
			for k := range row {
				set[k] = struct{}{}
			}
		}
		for k := range set {
			columns = append(columns, k)
		}
		sort.Strings(columns)
	}
	records := make([]models.RawRecord, len(rows))
	for i, row := range rows {
		rec := make(models.RawRecord, len(columns))
		for _, col := range columns {
			v, err := rawValue(row[col])
			if err != nil {
				return models.RawDataset{}, fmt.Errorf("row %d column %q: %w", i, col, err)
			}
			rec[col] = v
		}
		records[i] = rec
	}
	return models.NewRawDataset(columns, records), nil
}

func rawValue(v any) (models.RawValue, error) {
	switch t := v.(type) {
	case nil:
		return models.NullValue(), nil
	case string:
		return models.StringValue(t), nil
	case float64:
		return models.NumberValue(t), nil
	case float32:
		return models.NumberValue(float64(t)), nil
	case int:
		return models.NumberValue(float64(t)), nil
	case int64:
		return models.NumberValue(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return models.StringValue(t.String()), nil
		}
		return models.NumberValue(f), nil
	case bool:
		return models.StringValue(strconv.FormatBool(t)), nil
	}
	return models.RawValue{}, fmt.Errorf("unsupported cell type %T", v)
}
