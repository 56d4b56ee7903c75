package geo

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
)

// Geocoder resolves a location string to coordinates. Implementations live outside the core.
type Geocoder interface {
	Geocode(ctx context.Context, location string) (lat, lon float64, ok bool, err error)
}

// LocationSummary aggregates a per-record metric (churn probability, sentiment) by place.
type LocationSummary struct {
	Location string
	Records  int
	Mean     float64
}

var routePattern = regexp.MustCompile(`(?i)^(.*?)(?:\s+to\s+|\s*-\s*|\s+via\s+)`)

// Origin returns the first leg of a route string ("London to Paris", "LHR-JFK",
// "Doha via Dubai"); ok is false when s is not a route.
func Origin(s string) (string, bool) {
	m := routePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	origin := strings.TrimSpace(m[1])
	return origin, origin != ""
}

// Locate exposes the location of every record that has one. Coordinates come from the
// coordinates field or a latitude/longitude pair; Raw carries the location text.
func Locate(records []models.CanonicalRecord) []models.LocationRef {
	var out []models.LocationRef
	for _, rec := range records {
		ref := models.LocationRef{RecordID: rec.ID}
		if v, ok := rec.Fields[profiler.FieldCoordinates]; ok && !v.Missing && v.Type == models.TypeGeo {
			ref.Lat, ref.Lon, ref.HasCoordinates = v.Lat, v.Lon, true
		} else {
			lat, okLat := rec.Num(profiler.FieldLatitude)
			lon, okLon := rec.Num(profiler.FieldLongitude)
			if okLat && okLon && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 {
				ref.Lat, ref.Lon, ref.HasCoordinates = lat, lon, true
			}
		}
		if v, ok := rec.Fields[profiler.FieldLocation]; ok && !v.Missing {
			ref.Raw = strings.TrimSpace(v.Str)
			if origin, ok := Origin(ref.Raw); ok {
				ref.Origin = origin
			}
		}
		if ref.HasCoordinates || ref.Raw != "" {
			out = append(out, ref)
		}
	}
	return out
}

// Resolve fills coordinates for refs that only carry text, asking geocoder once per distinct
// place. Route strings are resolved by their origin. Unresolvable places are left as they are.
func Resolve(ctx context.Context, geocoder Geocoder, refs []models.LocationRef) ([]models.LocationRef, error) {
	out := append([]models.LocationRef(nil), refs...)
	if geocoder == nil {
		return out, nil
	}
	type point struct {
		lat, lon float64
		ok       bool
	}
	cache := make(map[string]point)
	for i := range out {
		if out[i].HasCoordinates {
			continue
		}
		place := Key(out[i])
		if place == "" {
			continue
		}
		p, seen := cache[place]
		if !seen {
			lat, lon, ok, err := geocoder.Geocode(ctx, place)
			if err != nil {
				return nil, fmt.Errorf("geocode %q: %w", place, err)
			}
			p = point{lat: lat, lon: lon, ok: ok}
			cache[place] = p
		}
		if p.ok {
			out[i].Lat, out[i].Lon, out[i].HasCoordinates = p.lat, p.lon, true
		}
	}
	return out, nil
}

// Key is the place a ref is grouped and geocoded by: the route origin when there is one,
// otherwise the raw text.
func Key(ref models.LocationRef) string {
	if ref.Origin != "" {
		return ref.Origin
	}
	return ref.Raw
}

// Summarize averages values (keyed by record ID) per place, busiest places first.
func Summarize(refs []models.LocationRef, values map[int]float64) []LocationSummary {
	type acc struct {
		n   int
		sum float64
	}
	byPlace := make(map[string]*acc)
	for _, ref := range refs {
		place := Key(ref)
		v, ok := values[ref.RecordID]
		if place == "" || !ok {
			continue
		}
		a := byPlace[place]
		if a == nil {
			a = &acc{}
			byPlace[place] = a
		}
		a.n++
		a.sum += v
	}
	out := make([]LocationSummary, 0, len(byPlace))
	for place, a := range byPlace {
		out = append(out, LocationSummary{Location: place, Records: a.n, Mean: a.sum / float64(a.n)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Records != out[j].Records {
			return out[i].Records > out[j].Records
		}
		return out[i].Location < out[j].Location
	})
	return out
}
