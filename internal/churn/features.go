package churn

import (
	"math"
	"sort"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/stats"
)

// BuildFeatureSpecs freezes the encoding of every usable candidate field. Numeric defaults
// are training medians; categorical codes follow ascending mean target (ties by name) and
// default to the most frequent category. Fields with no observed value are dropped. targets
// is parallel to records; for a churn label it holds 1 for churned and 0 otherwise.
func BuildFeatureSpecs(candidates []string, label string, records []models.CanonicalRecord, targets []float64) []models.FeatureSpec {
	var specs []models.FeatureSpec
	for _, name := range candidates {
		if name == label {
			continue
		}
		kind := models.TypeUnknown
		for _, rec := range records {
			if v, ok := rec.Fields[name]; ok && !v.Missing {
				kind = v.Type
				break
			}
		}
		switch kind {
		case models.TypeNumeric:
			if spec, ok := numericSpec(name, records); ok {
				specs = append(specs, spec)
			}
		case models.TypeCategorical:
			if spec, ok := categoricalSpec(name, records, targets); ok {
				specs = append(specs, spec)
			}
		}
	}
	return specs
}

func numericSpec(name string, records []models.CanonicalRecord) (models.FeatureSpec, bool) {
	var values []float64
	for _, rec := range records {
		if f, ok := rec.Num(name); ok {
			values = append(values, f)
		}
	}
	median, ok := stats.Median(values)
	if !ok {
		return models.FeatureSpec{}, false
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return models.FeatureSpec{Name: name, Kind: models.TypeNumeric, Default: median, Min: lo, Max: hi}, true
}

func categoricalSpec(name string, records []models.CanonicalRecord, targets []float64) (models.FeatureSpec, bool) {
	type tally struct {
		name  string
		total int
		sum   float64
	}
	counts := make(map[string]*tally)
	for i, rec := range records {
		v, ok := rec.Fields[name]
		if !ok || v.Missing || v.Type != models.TypeCategorical {
			continue
		}
		t := counts[v.Str]
		if t == nil {
			t = &tally{name: v.Str}
			counts[v.Str] = t
		}
		t.total++
		t.sum += targets[i]
	}
	if len(counts) == 0 {
		return models.FeatureSpec{}, false
	}
	tallies := make([]*tally, 0, len(counts))
	for _, t := range counts {
		tallies = append(tallies, t)
	}
	sort.Slice(tallies, func(i, j int) bool {
		ri := tallies[i].sum / float64(tallies[i].total)
		rj := tallies[j].sum / float64(tallies[j].total)
		if ri != rj {
			return ri < rj
		}
		return tallies[i].name < tallies[j].name
	})

	spec := models.FeatureSpec{Name: name, Kind: models.TypeCategorical, Min: 0, Max: float64(len(tallies) - 1)}
	mode := 0
	for i, t := range tallies {
		spec.Categories = append(spec.Categories, t.name)
		best := tallies[mode]
		if t.total > best.total || (t.total == best.total && t.name < best.name) {
			mode = i
		}
	}
	spec.Default = float64(mode)
	return spec, true
}

// EncodeFeatures encodes fields onto the numeric axes of specs in order.
func EncodeFeatures(specs []models.FeatureSpec, fields map[string]models.Value) []float64 {
	x := make([]float64, len(specs))
	for i, spec := range specs {
		v, ok := fields[spec.Name]
		x[i], _ = encode(spec, v, ok)
	}
	return x
}

// encode maps a canonical value onto the model's numeric axis for spec. Missing values,
// absent fields and unseen categories take the frozen default.
func encode(spec models.FeatureSpec, v models.Value, present bool) (float64, models.Value) {
	if present && !v.Missing {
		switch spec.Kind {
		case models.TypeNumeric:
			if v.Type == models.TypeNumeric {
				return v.Num, v
			}
		case models.TypeCategorical:
			if code := categoryCode(spec, v.Str); code >= 0 {
				return float64(code), v
			}
		}
	}
	return spec.Default, defaultValue(spec)
}

func defaultValue(spec models.FeatureSpec) models.Value {
	if spec.Kind == models.TypeCategorical {
		return models.Categorical(spec.Categories[int(spec.Default)])
	}
	return models.Numeric(spec.Default)
}

func categoryCode(spec models.FeatureSpec, s string) int {
	for i, c := range spec.Categories {
		if c == s {
			return i
		}
	}
	return -1
}
