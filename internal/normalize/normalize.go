package normalize

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
	"github.com/miradorstack/mirador-insights/internal/stats"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// Normalizer coerces raw cells into typed canonical values and repairs what it can.
type Normalizer struct {
	registry *profiler.Registry
	logger   *slog.Logger
}

// New builds a normalizer over the given vocabulary. A nil registry uses the defaults.
func New(reg *profiler.Registry, logger *slog.Logger) *Normalizer {
	if reg == nil {
		reg = profiler.DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{registry: reg, logger: logger}
}

// Normalize maps every record of ds through mapping (canonical field -> source column).
// The output has exactly ds.Len() records in input order; nothing is dropped. Numeric gaps
// are filled with the median of the field's valid values, categorical blanks become
// "unknown", and everything else unrepairable stays as a typed missing marker.
func (n *Normalizer) Normalize(ds models.RawDataset, mapping map[string]string) []models.CanonicalRecord {
	records := make([]models.CanonicalRecord, ds.Len())
	for i := range records {
		records[i] = models.CanonicalRecord{ID: i, Fields: make(map[string]models.Value, len(mapping))}
	}

	fields := make([]string, 0, len(mapping))
	for field := range mapping {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	repaired := 0
	for _, field := range fields {
		spec, ok := n.registry.Field(field)
		if !ok {
			n.logger.Warn("skipping unknown canonical field", "field", field)
			continue
		}
		col := mapping[field]
		switch spec.Expected {
		case models.TypeNumeric:
			repaired += n.numeric(ds, col, spec, records)
		default:
			for i := range records {
				raw := ds.Value(i, col)
				v, repair := coerce(spec, raw)
				records[i].Fields[field] = v
				if repair != "" {
					records[i].Repairs = append(records[i].Repairs, models.Repair{Field: field, Action: repair, Original: raw.Text()})
					repaired++
				}
			}
		}
	}
	n.logger.Debug("dataset normalized", "records", len(records), "fields", len(fields), "repairs", repaired)
	return records
}

// numeric runs the two-pass repair: parse and collect valid values, then fill from their median.
func (n *Normalizer) numeric(ds models.RawDataset, col string, spec profiler.FieldSpec, records []models.CanonicalRecord) int {
	parsed := make([]float64, len(records))
	valid := make([]bool, len(records))
	var observed []float64
	for i := range records {
		if f, ok := parseNumeric(spec, ds.Value(i, col)); ok {
			parsed[i], valid[i] = f, true
			observed = append(observed, f)
		}
	}

	median, haveMedian := stats.Median(observed)
	impute := haveMedian && !spec.NoImpute
	repaired := 0
	for i := range records {
		if valid[i] {
			records[i].Fields[spec.Name] = models.Numeric(parsed[i])
			continue
		}
		action := models.RepairMarkedMissing
		value := models.MissingValue(models.TypeNumeric)
		if impute {
			action = models.RepairImputedMedian
			value = models.Numeric(median)
		}
		records[i].Fields[spec.Name] = value
		records[i].Repairs = append(records[i].Repairs, models.Repair{Field: spec.Name, Action: action, Original: ds.Value(i, col).Text()})
		repaired++
	}
	return repaired
}

func parseNumeric(spec profiler.FieldSpec, raw models.RawValue) (float64, bool) {
	switch raw.Kind {
	case models.RawNumber:
		return raw.Num, true
	case models.RawString:
		if spec.Ordinal != nil {
			if f, ok := spec.Ordinal[strings.ToLower(strings.TrimSpace(raw.Str))]; ok {
				return f, true
			}
		}
		return profiler.ParseNumber(raw.Str)
	}
	return 0, false
}

// coerce converts one non-numeric cell. The returned action is empty when no repair happened.
func coerce(spec profiler.FieldSpec, raw models.RawValue) (models.Value, models.RepairAction) {
	blank := raw.IsNull() || (raw.Kind == models.RawString && profiler.IsNullToken(raw.Str))
	text := strings.TrimSpace(raw.Text())

	switch spec.Expected {
	case models.TypeCategorical:
		if blank {
			return models.Categorical(models.UnknownCategory), models.RepairUnknownCategory
		}
		return models.Categorical(text), ""
	case models.TypeBoolean:
		if !blank {
			if b, ok := profiler.ParseBool(text); ok {
				return models.Boolean(b), ""
			}
		}
	case models.TypeDatetime:
		if !blank {
			if t, err := utils.ParseTimestamp(text); err == nil {
				return models.Datetime(t), ""
			}
		}
	case models.TypeText:
		if !blank {
			return models.Text(text), ""
		}
	case models.TypeGeo:
		if !blank {
			if lat, lon, ok := profiler.ParseGeoPair(text); ok {
				return models.GeoPoint(lat, lon), ""
			}
		}
	}
	return models.MissingValue(spec.Expected), models.RepairMarkedMissing
}
