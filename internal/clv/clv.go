// Package clv estimates customer value with a squared-error boosted regressor over the same
// trees the churn classifier grows.
package clv

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-insights/internal/churn"
	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
	"github.com/miradorstack/mirador-insights/internal/stats"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// ArtifactKind tags exported value models.
const ArtifactKind = "clv.gbdt"

// minTrainingRecords is the fewest records with a known target a fit accepts.
const minTrainingRecords = 10

// Config holds the regressor's hyperparameters.
type Config struct {
	Trees          int
	MaxDepth       int
	LearningRate   float64
	Lambda         float64
	MinChildWeight float64
	// Target is the canonical numeric field being predicted.
	Target string
	// Features lists candidate canonical fields in declaration order. The target and the churn
	// label are never used as inputs.
	Features []string
}

// DefaultFeatures are the value candidates in declaration order.
var DefaultFeatures = []string{
	profiler.FieldTenureMonths,
	profiler.FieldMonthlyCharges,
	profiler.FieldContractType,
	profiler.FieldPaymentMethod,
	profiler.FieldGender,
	profiler.FieldAge,
	profiler.FieldFamilySize,
	profiler.FieldSpendingScore,
}

// DefaultConfig returns the standard regression setup.
func DefaultConfig() Config {
	return Config{
		Trees:          50,
		MaxDepth:       3,
		LearningRate:   0.3,
		Lambda:         1,
		MinChildWeight: 1,
		Target:         profiler.FieldTotalAmount,
		Features:       append([]string(nil), DefaultFeatures...),
	}
}

// Engine fits value models.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine constructs an engine; zero config values fall back to DefaultConfig.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Trees <= 0 {
		cfg.Trees = def.Trees
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.Lambda < 0 {
		cfg.Lambda = def.Lambda
	}
	if cfg.MinChildWeight < 0 {
		cfg.MinChildWeight = def.MinChildWeight
	}
	if cfg.Target == "" {
		cfg.Target = def.Target
	}
	if len(cfg.Features) == 0 {
		cfg.Features = def.Features
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger, now: time.Now}
}

// Fit regresses the target on the configured features using records where the target is a
// finite number. The ensemble starts from the target mean and each round fits the residuals.
func (e *Engine) Fit(ctx context.Context, records []models.CanonicalRecord) (*Model, error) {
	var (
		train []models.CanonicalRecord
		y     []float64
	)
	for _, rec := range records {
		v, ok := rec.Num(e.cfg.Target)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		train = append(train, rec)
		y = append(y, v)
	}
	if len(train) < minTrainingRecords {
		return nil, utils.DataError("clv.Fit", fmt.Sprintf("need at least %d records with %s, have %d", minTrainingRecords, e.cfg.Target, len(train)))
	}

	var candidates []string
	for _, f := range e.cfg.Features {
		if f != profiler.FieldChurnLabel {
			candidates = append(candidates, f)
		}
	}
	features := churn.BuildFeatureSpecs(candidates, e.cfg.Target, train, y)
	if len(features) == 0 {
		return nil, utils.DataError("clv.Fit", "no usable value features in the training records")
	}

	x := make([][]float64, len(train))
	for i, rec := range train {
		x[i] = churn.EncodeFeatures(features, rec.Fields)
	}
	mean, _ := stats.MeanStd(y)
	squaredError := func(pred, grad, hess []float64) {
		for i := range pred {
			grad[i] = pred[i] - y[i]
			hess[i] = 1
		}
	}
	started := e.now()
	boosting := churn.Boosting{
		Rounds:         e.cfg.Trees,
		MaxDepth:       e.cfg.MaxDepth,
		LearningRate:   e.cfg.LearningRate,
		Lambda:         e.cfg.Lambda,
		MinChildWeight: e.cfg.MinChildWeight,
	}
	ens, err := boosting.Fit(ctx, x, mean, squaredError)
	if err != nil {
		return nil, fmt.Errorf("clv fit: %w", err)
	}

	m := &Model{
		version:   uuid.NewString(),
		target:    e.cfg.Target,
		trainedAt: e.now().UTC(),
		features:  features,
		ensemble:  ens,
	}
	var sq float64
	for i := range x {
		d := ens.Predict(x[i]) - y[i]
		sq += d * d
	}
	m.trainingRMSE = math.Sqrt(sq / float64(len(x)))

	e.logger.Info("value model trained",
		"version", m.version,
		"target", m.target,
		"records", len(train),
		"features", len(features),
		"rmse", m.trainingRMSE,
		"duration", e.now().Sub(started))
	return m, nil
}

// Model is a fitted value regressor. It is immutable once built.
type Model struct {
	version      string
	target       string
	trainedAt    time.Time
	features     []models.FeatureSpec
	ensemble     *churn.Ensemble
	trainingRMSE float64
}

// Version returns the model version tag.
func (m *Model) Version() string { return m.version }

// Target returns the canonical field the model predicts.
func (m *Model) Target() string { return m.target }

// TrainingRMSE is the root mean squared error on the training records; zero for imported models.
func (m *Model) TrainingRMSE() float64 { return m.trainingRMSE }

// Features returns a copy of the ordered feature specs.
func (m *Model) Features() []models.FeatureSpec {
	out := make([]models.FeatureSpec, len(m.features))
	for i, f := range m.features {
		f.Categories = append([]string(nil), f.Categories...)
		out[i] = f
	}
	return out
}

// Predict estimates the value of rec. Absent fields take their frozen defaults and negative
// estimates floor at zero.
func (m *Model) Predict(rec models.CanonicalRecord) float64 {
	return math.Max(0, m.ensemble.Predict(churn.EncodeFeatures(m.features, rec.Fields)))
}

// Score predicts every record, carrying the observed target where one is present.
func (m *Model) Score(records []models.CanonicalRecord) []models.ValuePrediction {
	out := make([]models.ValuePrediction, len(records))
	for i, rec := range records {
		out[i] = models.ValuePrediction{
			RecordID:     rec.ID,
			Predicted:    m.Predict(rec),
			ModelVersion: m.version,
		}
		if v, ok := rec.Num(m.target); ok {
			out[i].Actual, out[i].HasActual = v, true
		}
	}
	return out
}

// Export returns the logical artifact of the model.
func (m *Model) Export() models.ValueArtifact {
	return models.ValueArtifact{
		Kind:        ArtifactKind,
		Version:     m.version,
		TargetField: m.target,
		TrainedAt:   m.trainedAt,
		Features:    m.Features(),
		Base:        m.ensemble.Base,
		Trees:       m.ensemble.ExportTrees(),
	}
}

// ImportModel rebuilds a model from an artifact, checking its structure.
func ImportModel(art models.ValueArtifact) (*Model, error) {
	if art.Kind != ArtifactKind {
		return nil, fmt.Errorf("import value model: unexpected artifact kind %q", art.Kind)
	}
	if art.TargetField == "" || len(art.Features) == 0 {
		return nil, fmt.Errorf("import value model: target and features are required")
	}
	for _, f := range art.Features {
		if f.Kind == models.TypeCategorical {
			if d := int(f.Default); d < 0 || d >= len(f.Categories) {
				return nil, fmt.Errorf("import value model: feature %s default outside its categories", f.Name)
			}
		}
	}
	ens, err := churn.ImportEnsemble(art.Base, art.Trees, len(art.Features))
	if err != nil {
		return nil, fmt.Errorf("import value model: %w", err)
	}
	m := &Model{
		version:   art.Version,
		target:    art.TargetField,
		trainedAt: art.TrainedAt,
		ensemble:  ens,
	}
	m.features = make([]models.FeatureSpec, len(art.Features))
	for i, f := range art.Features {
		f.Categories = append([]string(nil), f.Categories...)
		m.features[i] = f
	}
	return m, nil
}
