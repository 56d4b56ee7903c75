package geo

import (
	"context"
	"testing"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
)

type fakeGeocoder struct {
	calls int
}

func (f *fakeGeocoder) Geocode(ctx context.Context, location string) (float64, float64, bool, error) {
	f.calls++
	if location == "London" {
		return 51.5074, -0.1278, true, nil
	}
	return 0, 0, false, nil
}

func TestOrigin(t *testing.T) {
	cases := map[string]string{
		"London to Paris":   "London",
		"LHR-JFK":           "LHR",
		"Doha via Dubai":    "Doha",
		"New York TO Tokyo": "New York",
	}
	for in, want := range cases {
		if got, ok := Origin(in); !ok || got != want {
			t.Fatalf("Origin(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := Origin("Germany"); ok {
		t.Fatalf("plain region is not a route")
	}
}

func TestLocateAndResolve(t *testing.T) {
	records := []models.CanonicalRecord{
		{ID: 0, Fields: map[string]models.Value{profiler.FieldLocation: models.Text("London to Paris")}},
		{ID: 1, Fields: map[string]models.Value{profiler.FieldLocation: models.Text("London to Rome")}},
		{ID: 2, Fields: map[string]models.Value{profiler.FieldCoordinates: models.GeoPoint(40.7, -74)}},
		{ID: 3, Fields: map[string]models.Value{profiler.FieldLatitude: models.Numeric(10), profiler.FieldLongitude: models.MissingValue(models.TypeNumeric)}},
		{ID: 4, Fields: map[string]models.Value{profiler.FieldLocation: models.Text("Atlantis")}},
	}
	refs := Locate(records)
	if len(refs) != 4 {
		t.Fatalf("expected four located records, got %+v", refs)
	}
	if refs[0].Origin != "London" || refs[0].HasCoordinates {
		t.Fatalf("unexpected ref %+v", refs[0])
	}
	if !refs[2].HasCoordinates || refs[2].Lat != 40.7 {
		t.Fatalf("unexpected ref %+v", refs[2])
	}

	geocoder := &fakeGeocoder{}
	resolved, err := Resolve(context.Background(), geocoder, refs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if geocoder.calls != 2 {
		t.Fatalf("expected one call per distinct place, got %d", geocoder.calls)
	}
	if !resolved[1].HasCoordinates || resolved[3].HasCoordinates {
		t.Fatalf("unexpected resolution %+v", resolved)
	}
	if refs[0].HasCoordinates {
		t.Fatalf("resolve must not modify its input")
	}
}

func TestSummarize(t *testing.T) {
	refs := []models.LocationRef{
		{RecordID: 0, Raw: "London to Paris", Origin: "London"},
		{RecordID: 1, Raw: "London to Rome", Origin: "London"},
		{RecordID: 2, Raw: "Berlin"},
	}
	got := Summarize(refs, map[int]float64{0: 0.25, 1: 0.75, 2: 0.9})
	if len(got) != 2 || got[0].Location != "London" || got[0].Records != 2 || got[0].Mean != 0.5 {
		t.Fatalf("unexpected summary %+v", got)
	}
}
