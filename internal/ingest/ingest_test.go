package ingest

import (
	"reflect"
	"strings"
	"testing"

	"github.com/miradorstack/mirador-insights/internal/models"
)

func TestReadCSV(t *testing.T) {
	data := "\ufeffTenure,Amount,,Amount\n1,29.85,x,1\n34\n"
	ds, skipped, err := ReadCSV(strings.NewReader(data), CSVOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("unexpected skipped rows %d", skipped)
	}
	want := []string{"Tenure", "Amount", "column_3", "Amount_2"}
	if !reflect.DeepEqual(ds.Columns(), want) {
		t.Fatalf("unexpected columns %v", ds.Columns())
	}
	if ds.Len() != 2 {
		t.Fatalf("expected two rows, got %d", ds.Len())
	}
	if got := ds.Value(0, "Amount").Text(); got != "29.85" {
		t.Fatalf("unexpected cell %q", got)
	}
	if !ds.Value(1, "Amount").IsNull() {
		t.Fatalf("short rows should read as null")
	}
}

func TestReadCSVSuffixSkipsLiteralColumns(t *testing.T) {
	ds, _, err := ReadCSV(strings.NewReader("a,a,a_2\n1,2,3\n"), CSVOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []string{"a", "a_3", "a_2"}
	if !reflect.DeepEqual(ds.Columns(), want) {
		t.Fatalf("unexpected columns %v", ds.Columns())
	}
	for col, cell := range map[string]string{"a": "1", "a_3": "2", "a_2": "3"} {
		if got := ds.Value(0, col).Text(); got != cell {
			t.Fatalf("column %s: got %q, want %q", col, got, cell)
		}
	}
}

func TestReadCSVEmpty(t *testing.T) {
	ds, _, err := ReadCSV(strings.NewReader(""), CSVOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ds.Columns()) != 0 || ds.Len() != 0 {
		t.Fatalf("expected empty dataset")
	}
}

func TestReadCSVMaxRows(t *testing.T) {
	ds, _, err := ReadCSV(strings.NewReader("a;b\n1;2\n3;4\n5;6\n"), CSVOptions{Comma: ';', MaxRows: 2})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ds.Len() != 2 || ds.Value(1, "b").Text() != "4" {
		t.Fatalf("unexpected dataset of %d rows", ds.Len())
	}
}

func TestFromRows(t *testing.T) {
	ds, err := FromRows(nil, []map[string]any{
		{"tenure": float64(3), "plan": "basic"},
		{"tenure": nil, "churn": true},
	})
	if err != nil {
		t.Fatalf("from rows: %v", err)
	}
	if !reflect.DeepEqual(ds.Columns(), []string{"churn", "plan", "tenure"}) {
		t.Fatalf("unexpected columns %v", ds.Columns())
	}
	if v := ds.Value(0, "tenure"); v.Kind != models.RawNumber || v.Num != 3 {
		t.Fatalf("unexpected cell %+v", v)
	}
	if v := ds.Value(1, "churn"); v.Str != "true" {
		t.Fatalf("unexpected cell %+v", v)
	}
	if !ds.Value(0, "churn").IsNull() {
		t.Fatalf("absent keys should read as null")
	}

	if _, err := FromRows([]string{"x"}, []map[string]any{{"x": []int{1}}}); err == nil {
		t.Fatalf("expected error for nested values")
	}
}
