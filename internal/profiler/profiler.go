package profiler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// DefaultSampleSize bounds how many non-null cells per column are inspected.
const DefaultSampleSize = 500

// A type wins when at least matchNum/matchDen of the sampled values agree on it.
const (
	matchNum = 4
	matchDen = 5
)

// Options controls profiling.
type Options struct {
	SampleSize int
}

// Profiler resolves source columns onto canonical fields and evaluates capability requirements.
type Profiler struct {
	registry *Registry
	opts     Options
	logger   *slog.Logger
}

// New builds a profiler. A nil registry uses DefaultRegistry.
func New(reg *Registry, opts Options, logger *slog.Logger) *Profiler {
	if reg == nil {
		reg = DefaultRegistry()
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiler{registry: reg, opts: opts, logger: logger}
}

// Registry exposes the vocabulary used by this profiler.
func (p *Profiler) Registry() *Registry { return p.registry }

// Profile inspects ds read-only. An empty dataset is not a failure: it yields an
// all-unadmitted capability map plus a schema diagnostic. ctx is checked between columns.
func (p *Profiler) Profile(ctx context.Context, ds models.RawDataset) (models.Profile, error) {
	profile := models.Profile{Resolutions: make(map[string]models.FieldResolution)}
	columns := ds.Columns()
	if len(columns) == 0 || ds.Len() == 0 {
		err := utils.SchemaError("profiler.Profile", "dataset has no usable columns")
		profile.Diagnostics = append(profile.Diagnostics, err.Error())
		profile.Capabilities = EvaluateCapabilities(p.registry, nil)
		p.logger.Warn("empty dataset profiled", "columns", len(columns), "records", ds.Len())
		return profile, nil
	}

	// candidates per canonical field, in source order
	candidates := make(map[string][]models.ColumnProfile)
	for _, col := range columns {
		if err := ctx.Err(); err != nil {
			return models.Profile{}, err
		}
		cp := p.profileColumn(ds, col)
		profile.Columns = append(profile.Columns, cp)
		if field, ok := p.registry.byAlias[cp.Normalized]; ok {
			candidates[field] = append(candidates[field], cp)
		}
	}

	// walk fields in registry order so diagnostics are stable
	for _, spec := range p.registry.Fields {
		cands := candidates[spec.Name]
		if len(cands) == 0 {
			continue
		}
		chosen := 0
		for i, c := range cands {
			if compatible(spec, c.Inferred) {
				chosen = i
				break
			}
		}
		winner := cands[chosen]
		profile.Resolutions[spec.Name] = models.FieldResolution{
			Field:        spec.Name,
			Column:       winner.Column,
			Expected:     spec.Expected,
			Inferred:     winner.Inferred,
			TypeMismatch: !compatible(spec, winner.Inferred),
		}
		for i, c := range cands {
			if i == chosen {
				continue
			}
			reason := "later in source order"
			if !compatible(spec, c.Inferred) && compatible(spec, winner.Inferred) {
				reason = fmt.Sprintf("inferred type %s does not match expected %s", c.Inferred, spec.Expected)
			}
			profile.Ignored = append(profile.Ignored, models.IgnoredDuplicate{
				Field:  spec.Name,
				Column: c.Column,
				Chosen: winner.Column,
				Reason: reason,
			})
		}
	}

	resolved := make(map[string]bool, len(profile.Resolutions))
	for field := range profile.Resolutions {
		resolved[field] = true
	}
	profile.Capabilities = EvaluateCapabilities(p.registry, resolved)
	if len(profile.Resolutions) == 0 {
		profile.Diagnostics = append(profile.Diagnostics,
			utils.SchemaError("profiler.Profile", "no column matched a canonical field").Error())
	}
	for _, ig := range profile.Ignored {
		profile.Diagnostics = append(profile.Diagnostics,
			fmt.Sprintf("column %q ignored for %s in favour of %q: %s", ig.Column, ig.Field, ig.Chosen, ig.Reason))
	}
	p.logger.Debug("dataset profiled",
		"columns", len(columns),
		"resolved", len(profile.Resolutions),
		"ignored", len(profile.Ignored))
	return profile, nil
}

func (p *Profiler) profileColumn(ds models.RawDataset, col string) models.ColumnProfile {
	cp := models.ColumnProfile{Column: col, Normalized: NormalizeColumn(col)}
	var values []string
	distinct := make(map[string]struct{})
	for i := 0; i < ds.Len() && len(values) < p.opts.SampleSize; i++ {
		v := ds.Value(i, col)
		if v.IsNull() || (v.Kind == models.RawString && IsNullToken(v.Str)) {
			cp.Nulls++
			continue
		}
		text := strings.TrimSpace(v.Text())
		values = append(values, text)
		distinct[text] = struct{}{}
	}
	cp.Sampled = len(values)
	cp.Distinct = len(distinct)
	cp.Inferred = inferType(values)
	return cp
}

// inferType classifies sampled non-null values: boolean, geo pair, numeric, datetime, then
// text or categorical.
func inferType(values []string) models.FieldType {
	n := len(values)
	if n == 0 {
		return models.TypeUnknown
	}
	need := func(count int) bool { return count*matchDen >= n*matchNum }

	var bools, geos, nums, dates, withSpace, totalLen int
	distinct := make(map[string]struct{}, n)
	for _, v := range values {
		if _, ok := ParseBool(v); ok {
			bools++
		}
		if _, _, ok := ParseGeoPair(v); ok {
			geos++
		}
		if _, ok := ParseNumber(v); ok {
			nums++
		}
		if _, err := utils.ParseTimestamp(v); err == nil {
			dates++
		}
		if strings.ContainsAny(v, " \t") {
			withSpace++
		}
		totalLen += len([]rune(v))
		distinct[v] = struct{}{}
	}

	switch {
	case need(bools):
		return models.TypeBoolean
	case need(geos):
		return models.TypeGeo
	case need(nums):
		return models.TypeNumeric
	case need(dates):
		return models.TypeDatetime
	}
	meanLen := float64(totalLen) / float64(n)
	uniqueRatio := float64(len(distinct)) / float64(n)
	if meanLen > 32 || (len(distinct) > 20 && uniqueRatio > 0.6 && float64(withSpace) > 0.5*float64(n)) {
		return models.TypeText
	}
	return models.TypeCategorical
}

// compatible reports whether a column of the inferred type can feed a field.
func compatible(spec FieldSpec, inferred models.FieldType) bool {
	if inferred == spec.Expected {
		return true
	}
	switch spec.Expected {
	case models.TypeCategorical:
		return inferred == models.TypeBoolean || inferred == models.TypeNumeric
	case models.TypeText:
		return inferred == models.TypeCategorical
	case models.TypeBoolean:
		return inferred == models.TypeCategorical
	case models.TypeNumeric:
		return spec.Ordinal != nil && inferred == models.TypeCategorical
	}
	return false
}

// EvaluateCapabilities builds the capability map for a set of resolved canonical fields.
// Admitted means the required fields (of the capability or one of its variants) are resolved;
// cross-capability dependencies are left to the gateway.
func EvaluateCapabilities(reg *Registry, resolved map[string]bool) models.CapabilityMap {
	out := make(models.CapabilityMap, len(reg.Capabilities))
	for _, spec := range reg.Capabilities {
		status := models.CapabilityStatus{
			Capability: spec.Capability,
			Required:   append([]string(nil), spec.Required...),
			Optional:   append([]string(nil), spec.Optional...),
			DependsOn:  append([]models.Capability(nil), spec.DependsOn...),
		}
		if len(spec.Variants) == 0 {
			status.Resolved, status.Missing = split(resolved, spec.Required, spec.Optional)
			status.Admitted = allResolved(resolved, spec.Required)
		} else {
			seenResolved := make(map[string]bool)
			seenMissing := make(map[string]bool)
			for _, v := range spec.Variants {
				vs := models.VariantStatus{
					Name:     v.Name,
					Required: append([]string(nil), v.Required...),
					Optional: append([]string(nil), v.Optional...),
					Ready:    allResolved(resolved, v.Required),
					Degraded: v.Degraded,
				}
				vs.Resolved, vs.Missing = split(resolved, v.Required, v.Optional)
				for _, f := range vs.Resolved {
					if !seenResolved[f] {
						seenResolved[f] = true
						status.Resolved = append(status.Resolved, f)
					}
				}
				for _, f := range vs.Missing {
					if !seenMissing[f] {
						seenMissing[f] = true
						status.Missing = append(status.Missing, f)
					}
				}
				status.Variants = append(status.Variants, vs)
				status.Admitted = status.Admitted || vs.Ready
			}
		}
		out[spec.Capability] = status
	}
	return out
}

func split(resolved map[string]bool, groups ...[]string) (have, missing []string) {
	for _, g := range groups {
		for _, f := range g {
			if resolved[f] {
				have = append(have, f)
			} else {
				missing = append(missing, f)
			}
		}
	}
	return have, missing
}

func allResolved(resolved map[string]bool, fields []string) bool {
	for _, f := range fields {
		if !resolved[f] {
			return false
		}
	}
	return true
}
