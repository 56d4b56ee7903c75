package churn

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/stats"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// ArtifactKind tags exported churn models.
const ArtifactKind = "churn.gbdt"

// Risk group cut points on the churn probability.
const (
	MediumRiskThreshold = 0.4
	HighRiskThreshold   = 0.7
)

// Model is a fitted boosted-tree churn classifier. It is immutable once built; retraining
// produces a new Model.
type Model struct {
	version        string
	labelField     string
	trainedAt      time.Time
	features       []models.FeatureSpec
	ensemble       *Ensemble
	expectedMargin float64
	topK           int
}

// Version returns the model version tag.
func (m *Model) Version() string { return m.version }

// LabelField returns the canonical label the model was trained on.
func (m *Model) LabelField() string { return m.labelField }

// TrainedAt returns the fit timestamp.
func (m *Model) TrainedAt() time.Time { return m.trainedAt }

// Features returns a copy of the ordered feature specs.
func (m *Model) Features() []models.FeatureSpec {
	out := make([]models.FeatureSpec, len(m.features))
	for i, f := range m.features {
		f.Categories = append([]string(nil), f.Categories...)
		out[i] = f
	}
	return out
}

// ExpectedProbability is the probability of the model's expected margin.
func (m *Model) ExpectedProbability() float64 { return stats.Sigmoid(m.expectedMargin) }

// GroupFor buckets a probability.
func GroupFor(p float64) models.RiskGroup {
	switch {
	case p >= HighRiskThreshold:
		return models.RiskHigh
	case p >= MediumRiskThreshold:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// vectorize encodes the model's features from rec. Fields unknown to the model are ignored.
func (m *Model) vectorize(fields map[string]models.Value) ([]float64, map[string]models.Value) {
	x := make([]float64, len(m.features))
	used := make(map[string]models.Value, len(m.features))
	for i, spec := range m.features {
		v, ok := fields[spec.Name]
		x[i], used[spec.Name] = encode(spec, v, ok)
	}
	return x, used
}

func (m *Model) margin(x []float64) float64 { return m.ensemble.Predict(x) }

func (m *Model) contributions(x []float64) []float64 {
	return m.ensemble.Contributions(x, len(m.features))
}

// Score assesses every record.
func (m *Model) Score(records []models.CanonicalRecord) []models.RiskAssessment {
	out := make([]models.RiskAssessment, len(records))
	for i, rec := range records {
		out[i] = m.assess(rec.ID, rec.Fields)
	}
	return out
}

// Assess scores a single record with its top-k attributions.
func (m *Model) Assess(rec models.CanonicalRecord) models.RiskAssessment {
	return m.assess(rec.ID, rec.Fields)
}

func (m *Model) assess(id int, fields map[string]models.Value) models.RiskAssessment {
	x, used := m.vectorize(fields)
	p := stats.Sigmoid(m.margin(x))
	attrs := m.rank(m.contributions(x))
	if m.topK > 0 && len(attrs) > m.topK {
		attrs = attrs[:m.topK]
	}
	return models.RiskAssessment{
		RecordID:     id,
		Probability:  p,
		Group:        GroupFor(p),
		Attributions: attrs,
		Features:     used,
		ModelVersion: m.version,
	}
}

// Attribute returns every feature's signed log-odds contribution for rec, largest magnitude
// first with ties in feature order. Contributions sum to the record's margin minus the
// model's expected margin.
func (m *Model) Attribute(rec models.CanonicalRecord) []models.Attribution {
	x, _ := m.vectorize(rec.Fields)
	return m.rank(m.contributions(x))
}

func (m *Model) rank(phi []float64) []models.Attribution {
	attrs := make([]models.Attribution, len(phi))
	for i, c := range phi {
		attrs[i] = models.Attribution{
			Feature:      m.features[i].Name,
			Contribution: c,
			Direction:    directionOf(c),
			Magnitude:    math.Abs(c),
		}
	}
	sort.SliceStable(attrs, func(i, j int) bool { return attrs[i].Magnitude > attrs[j].Magnitude })
	return attrs
}

func directionOf(v float64) models.Direction {
	switch {
	case v > 0:
		return models.DirectionIncreases
	case v < 0:
		return models.DirectionDecreases
	default:
		return models.DirectionNeutral
	}
}

// Simulate re-scores rec as if overrides were applied. Neither rec nor the model changes.
// Overrides naming fields outside the model, categories outside the trained domain or values
// of the wrong type are rejected together in one ValidationError.
func (m *Model) Simulate(rec models.CanonicalRecord, overrides map[string]models.Value) (models.RiskAssessment, error) {
	if err := m.ValidateOverrides(overrides); err != nil {
		return models.RiskAssessment{}, err
	}
	fields := make(map[string]models.Value, len(rec.Fields)+len(overrides))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	for k, v := range overrides {
		fields[k] = v
	}
	return m.assess(rec.ID, fields), nil
}

// ValidateOverrides checks a what-if override set against the model's feature domains.
func (m *Model) ValidateOverrides(overrides map[string]models.Value) error {
	var invalid []string
	for name, v := range overrides {
		spec, ok := m.feature(name)
		if !ok || v.Missing {
			invalid = append(invalid, name)
			continue
		}
		switch spec.Kind {
		case models.TypeNumeric:
			if v.Type != models.TypeNumeric || math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
				invalid = append(invalid, name)
			}
		case models.TypeCategorical:
			if v.Type != models.TypeCategorical || categoryCode(spec, v.Str) < 0 {
				invalid = append(invalid, name)
			}
		}
	}
	if len(invalid) > 0 {
		return utils.ValidationError("churn.Simulate", "overrides outside the model's feature domain", invalid...)
	}
	return nil
}

func (m *Model) feature(name string) (models.FeatureSpec, bool) {
	for _, f := range m.features {
		if f.Name == name {
			return f, true
		}
	}
	return models.FeatureSpec{}, false
}

// Baseline returns the model's "average customer": every feature at its frozen default.
func (m *Model) Baseline() models.CanonicalRecord {
	rec := models.CanonicalRecord{ID: -1, Fields: make(map[string]models.Value, len(m.features))}
	for _, spec := range m.features {
		rec.Fields[spec.Name] = defaultValue(spec)
	}
	return rec
}

// DirectionalImportance averages absolute contributions per feature over records. Direction
// follows the sign of the correlation between a feature's encoded value and its contribution,
// so a feature whose higher values push risk up reads as "increases".
func (m *Model) DirectionalImportance(records []models.CanonicalRecord) []models.FeatureImportance {
	if len(records) == 0 {
		return nil
	}
	xs := make([][]float64, len(m.features))
	phis := make([][]float64, len(m.features))
	sums := make([]float64, len(m.features))
	for _, rec := range records {
		x, _ := m.vectorize(rec.Fields)
		phi := m.contributions(x)
		for j := range m.features {
			xs[j] = append(xs[j], x[j])
			phis[j] = append(phis[j], phi[j])
			sums[j] += math.Abs(phi[j])
		}
	}
	out := make([]models.FeatureImportance, len(m.features))
	for j, spec := range m.features {
		out[j] = models.FeatureImportance{
			Feature:      spec.Name,
			MeanAbsolute: sums[j] / float64(len(records)),
			Direction:    directionOf(stats.Correlation(xs[j], phis[j])),
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MeanAbsolute > out[j].MeanAbsolute })
	return out
}

// Export returns the logical artifact of the model.
func (m *Model) Export() models.ChurnArtifact {
	return models.ChurnArtifact{
		Kind:           ArtifactKind,
		Version:        m.version,
		LabelField:     m.labelField,
		TrainedAt:      m.trainedAt,
		Features:       m.Features(),
		BaseMargin:     m.ensemble.Base,
		ExpectedMargin: m.expectedMargin,
		Trees:          m.ensemble.ExportTrees(),
	}
}

// ImportModel rebuilds a model from an artifact, checking its structure.
func ImportModel(art models.ChurnArtifact, topK int) (*Model, error) {
	if art.Kind != ArtifactKind {
		return nil, fmt.Errorf("import churn model: unexpected artifact kind %q", art.Kind)
	}
	if len(art.Features) == 0 || len(art.Features) > 64 {
		return nil, fmt.Errorf("import churn model: invalid feature count %d", len(art.Features))
	}
	for _, f := range art.Features {
		if f.Kind == models.TypeCategorical {
			if d := int(f.Default); d < 0 || d >= len(f.Categories) {
				return nil, fmt.Errorf("import churn model: feature %s default outside its categories", f.Name)
			}
		}
	}
	ens, err := ImportEnsemble(art.BaseMargin, art.Trees, len(art.Features))
	if err != nil {
		return nil, fmt.Errorf("import churn model: %w", err)
	}
	m := &Model{
		version:    art.Version,
		labelField: art.LabelField,
		trainedAt:  art.TrainedAt,
		ensemble:   ens,
		topK:       topK,
	}
	m.features = make([]models.FeatureSpec, len(art.Features))
	for i, f := range art.Features {
		f.Categories = append([]string(nil), f.Categories...)
		m.features[i] = f
	}
	m.expectedMargin = ens.Expectation()
	return m, nil
}
