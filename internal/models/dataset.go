package models

import (
	"strconv"
	"strings"
)

// RawKind tags the variant held by a RawValue.
type RawKind int

const (
	RawNull RawKind = iota
	RawString
	RawNumber
)

// RawValue is a source cell: a string, a number, or null.
type RawValue struct {
	Kind RawKind
	Str  string
	Num  float64
}

// NullValue returns the null raw value.
func NullValue() RawValue { return RawValue{Kind: RawNull} }

// StringValue wraps a string cell.
func StringValue(s string) RawValue { return RawValue{Kind: RawString, Str: s} }

// NumberValue wraps a numeric cell.
func NumberValue(f float64) RawValue { return RawValue{Kind: RawNumber, Num: f} }

// IsNull reports whether the cell is null or a blank string.
func (v RawValue) IsNull() bool {
	switch v.Kind {
	case RawNull:
		return true
	case RawString:
		return strings.TrimSpace(v.Str) == ""
	}
	return false
}

// Text renders the cell as text; null renders as "".
func (v RawValue) Text() string {
	switch v.Kind {
	case RawString:
		return v.Str
	case RawNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	}
	return ""
}

// RawRecord maps source column names to cells.
type RawRecord map[string]RawValue

// RawDataset is an ordered, immutable set of source records. Columns keep header order.
type RawDataset struct {
	columns []string
	records []RawRecord
}

// NewRawDataset copies columns and records into an immutable dataset. Cells for columns
// not listed in the header are dropped; missing cells read as null.
func NewRawDataset(columns []string, records []RawRecord) RawDataset {
	cols := append([]string(nil), columns...)
	recs := make([]RawRecord, len(records))
	for i, rec := range records {
		cp := make(RawRecord, len(cols))
		for _, col := range cols {
			if v, ok := rec[col]; ok {
				cp[col] = v
			}
		}
		recs[i] = cp
	}
	return RawDataset{columns: cols, records: recs}
}

// Columns returns a copy of the header.
func (d RawDataset) Columns() []string { return append([]string(nil), d.columns...) }

// Len returns the number of records.
func (d RawDataset) Len() int { return len(d.records) }

// Value returns the cell at row i for column col.
func (d RawDataset) Value(i int, col string) RawValue {
	if i < 0 || i >= len(d.records) {
		return NullValue()
	}
	v, ok := d.records[i][col]
	if !ok {
		return NullValue()
	}
	return v
}

// Empty reports whether the dataset has no columns or no records.
func (d RawDataset) Empty() bool { return len(d.columns) == 0 || len(d.records) == 0 }
