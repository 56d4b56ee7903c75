package gateway

import (
	"testing"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
)

func resolved(fields ...string) map[string]bool {
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

func decide(fields ...string) models.Decision {
	return Decide(profiler.EvaluateCapabilities(profiler.DefaultRegistry(), resolved(fields...)))
}

func TestDecideEmptyMapAdmitsNothing(t *testing.T) {
	d := Decide(profiler.EvaluateCapabilities(profiler.DefaultRegistry(), nil))
	if len(d.Admitted) != 0 {
		t.Fatalf("expected no admissions, got %+v", d.Admitted)
	}
	if len(d.Unavailable) != len(models.AllCapabilities) {
		t.Fatalf("expected every capability to carry a reason, got %+v", d.Unavailable)
	}
	if d := Decide(nil); len(d.Admitted) != 0 {
		t.Fatalf("nil map must admit nothing")
	}
}

func TestGeospatialNeverAdmittedAlone(t *testing.T) {
	d := decide(profiler.FieldCoordinates, profiler.FieldLatitude, profiler.FieldLongitude, profiler.FieldLocation,
		profiler.FieldAge, profiler.FieldSpendingScore)
	if d.IsAdmitted(models.CapabilityGeospatial) {
		t.Fatalf("geospatial admitted without churn or sentiment: %+v", d)
	}
	if !d.IsAdmitted(models.CapabilitySegmentation) {
		t.Fatalf("expected segmentation admitted")
	}
	found := false
	for _, u := range d.Unavailable {
		if u.Capability == models.CapabilityGeospatial && u.Reason == "requires an admitted churn or sentiment capability" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected piggyback reason, got %+v", d.Unavailable)
	}
}

func TestGeospatialPiggybacksOnSentiment(t *testing.T) {
	d := decide(profiler.FieldReviewText, profiler.FieldLocation)
	a, ok := d.Admission(models.CapabilityGeospatial)
	if !ok {
		t.Fatalf("expected geospatial admitted: %+v", d)
	}
	if a.Mode != models.ModeDegraded || a.Variant != "location" {
		t.Fatalf("expected degraded location-only admission, got %+v", a)
	}

	d = decide(profiler.FieldReviewText, profiler.FieldLocation, profiler.FieldLatitude, profiler.FieldLongitude)
	a, _ = d.Admission(models.CapabilityGeospatial)
	if a.Mode != models.ModeFull || a.Variant != "lat_lon" {
		t.Fatalf("expected full lat/lon admission, got %+v", a)
	}
}

func TestChurnOnlyDataset(t *testing.T) {
	d := decide(profiler.FieldTenureMonths, profiler.FieldTotalAmount, profiler.FieldContractType, profiler.FieldChurnLabel)
	if len(d.Admitted) != 1 || d.Admitted[0].Capability != models.CapabilityChurn {
		t.Fatalf("expected only churn admitted, got %+v", d.Admitted)
	}
	if d.Admitted[0].Mode != models.ModeFull {
		t.Fatalf("contract_type should make churn full, got %s", d.Admitted[0].Mode)
	}
	if len(d.Unavailable) != 3 {
		t.Fatalf("expected three unavailable capabilities, got %+v", d.Unavailable)
	}

	d = decide(profiler.FieldTenureMonths, profiler.FieldTotalAmount, profiler.FieldChurnLabel)
	if a, _ := d.Admission(models.CapabilityChurn); a.Mode != models.ModeDegraded {
		t.Fatalf("churn without optional fields should be degraded, got %+v", a)
	}
}

func TestSegmentationPrefersRFM(t *testing.T) {
	d := decide(profiler.FieldCustomerID, profiler.FieldInvoiceDate, profiler.FieldTotalAmount,
		profiler.FieldAge, profiler.FieldSpendingScore)
	a, ok := d.Admission(models.CapabilitySegmentation)
	if !ok || a.Variant != models.VariantRFM || a.Mode != models.ModeFull {
		t.Fatalf("expected full rfm segmentation, got %+v", a)
	}

	d = decide(profiler.FieldAge, profiler.FieldSpendingScore)
	a, _ = d.Admission(models.CapabilitySegmentation)
	if a.Variant != models.VariantDemographic || a.Mode != models.ModeDegraded {
		t.Fatalf("expected degraded demographic segmentation, got %+v", a)
	}
}

func TestDecisionOrder(t *testing.T) {
	d := decide(profiler.FieldReviewText, profiler.FieldLocation, profiler.FieldTenureMonths,
		profiler.FieldTotalAmount, profiler.FieldChurnLabel, profiler.FieldAge, profiler.FieldSpendingScore)
	want := []models.Capability{models.CapabilityChurn, models.CapabilitySegmentation, models.CapabilitySentiment, models.CapabilityGeospatial}
	if len(d.Admitted) != len(want) {
		t.Fatalf("expected %d admissions, got %+v", len(want), d.Admitted)
	}
	for i, c := range want {
		if d.Admitted[i].Capability != c {
			t.Fatalf("position %d: expected %s, got %s", i, c, d.Admitted[i].Capability)
		}
	}
}
