package utils

import (
	"context"
	"fmt"
	"testing"
)

func TestValidationErrorNamesFieldsSorted(t *testing.T) {
	err := ValidationError("churn.Simulate", "unknown override fields", "zeta", "alpha", "zeta")
	wrapped := fmt.Errorf("simulate: %w", err)

	if KindOf(wrapped) != KindValidation {
		t.Fatalf("expected validation kind, got %s", KindOf(wrapped))
	}
	fields := FieldsOf(wrapped)
	if len(fields) != 2 || fields[0] != "alpha" || fields[1] != "zeta" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if Reason(wrapped) != "unknown override fields: alpha, zeta" {
		t.Fatalf("unexpected reason %q", Reason(wrapped))
	}
}

func TestReasonHidesInternalFaults(t *testing.T) {
	if got := Reason(fmt.Errorf("boom: nil map")); got != "analysis failed unexpectedly" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := Reason(fmt.Errorf("fit: %w", context.Canceled)); got != "analysis cancelled before completion" {
		t.Fatalf("unexpected reason %q", got)
	}
	if KindOf(DataError("fit", "labels")) != KindData {
		t.Fatalf("expected data kind")
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	for _, raw := range []string{"2024-03-01", "2024-03-01 10:00:00", "03/01/2024", "2024-03-01T10:00:00Z"} {
		ts, err := ParseTimestamp(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if ts.Year() != 2024 || ts.Month() != 3 || ts.Day() != 1 {
			t.Fatalf("parse %q: unexpected %v", raw, ts)
		}
	}
	if _, err := ParseTimestamp("not a date"); err == nil {
		t.Fatalf("expected error for garbage")
	}
}
