package models

import (
	"strconv"
	"time"
)

// FieldType is the coarse semantic type of a column or canonical field.
type FieldType string

const (
	TypeUnknown     FieldType = "unknown"
	TypeNumeric     FieldType = "numeric"
	TypeCategorical FieldType = "categorical"
	TypeBoolean     FieldType = "boolean"
	TypeDatetime    FieldType = "datetime"
	TypeText        FieldType = "text"
	TypeGeo         FieldType = "geo"
)

// UnknownCategory replaces blank categorical cells.
const UnknownCategory = "unknown"

// Value is a typed canonical value. Missing is an explicit tag; the payload of a missing
// value is never read.
type Value struct {
	Type    FieldType
	Missing bool
	Num     float64
	Str     string
	Bool    bool
	Time    time.Time
	Lat     float64
	Lon     float64
}

// MissingValue returns the typed missing marker for t.
func MissingValue(t FieldType) Value { return Value{Type: t, Missing: true} }

// Numeric builds a numeric value.
func Numeric(f float64) Value { return Value{Type: TypeNumeric, Num: f} }

// Categorical builds a categorical value.
func Categorical(s string) Value { return Value{Type: TypeCategorical, Str: s} }

// Boolean builds a boolean value.
func Boolean(b bool) Value { return Value{Type: TypeBoolean, Bool: b} }

// Datetime builds a datetime value.
func Datetime(t time.Time) Value { return Value{Type: TypeDatetime, Time: t} }

// Text builds a free-text value.
func Text(s string) Value { return Value{Type: TypeText, Str: s} }

// GeoPoint builds a coordinate pair value.
func GeoPoint(lat, lon float64) Value { return Value{Type: TypeGeo, Lat: lat, Lon: lon} }

// String renders the value for logs and rule text.
func (v Value) String() string {
	if v.Missing {
		return "<missing>"
	}
	switch v.Type {
	case TypeNumeric:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case TypeBoolean:
		return strconv.FormatBool(v.Bool)
	case TypeDatetime:
		return v.Time.Format(time.RFC3339)
	case TypeGeo:
		return strconv.FormatFloat(v.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(v.Lon, 'f', -1, 64)
	default:
		return v.Str
	}
}

// RepairAction names what the normalizer did to a field.
type RepairAction string

const (
	RepairImputedMedian   RepairAction = "imputed_median"
	RepairMarkedMissing   RepairAction = "marked_missing"
	RepairUnknownCategory RepairAction = "unknown_category"
)

// Repair is one advisory repair log entry.
type Repair struct {
	Field    string
	Action   RepairAction
	Original string
}

// CanonicalRecord is one normalized input record. ID is the input position.
type CanonicalRecord struct {
	ID      int
	Fields  map[string]Value
	Repairs []Repair
}

// Get returns the field value, or a missing marker when the field is absent.
func (r CanonicalRecord) Get(field string) (Value, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// Num returns the numeric payload of field when present and not missing.
func (r CanonicalRecord) Num(field string) (float64, bool) {
	v, ok := r.Fields[field]
	if !ok || v.Missing || v.Type != TypeNumeric {
		return 0, false
	}
	return v.Num, true
}
