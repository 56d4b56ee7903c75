package churn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
	"github.com/miradorstack/mirador-insights/internal/stats"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// Config holds boosting hyperparameters.
type Config struct {
	Trees          int
	MaxDepth       int
	LearningRate   float64
	Lambda         float64
	MinChildWeight float64
	BalanceClasses bool
	TopK           int
	// Features lists candidate canonical fields in declaration order.
	Features []string
}

// DefaultFeatures are the churn candidates in declaration order.
var DefaultFeatures = []string{
	profiler.FieldTenureMonths,
	profiler.FieldTotalAmount,
	profiler.FieldMonthlyCharges,
	profiler.FieldContractType,
	profiler.FieldPaymentMethod,
	profiler.FieldGender,
	profiler.FieldAge,
	profiler.FieldFamilySize,
}

// DefaultConfig returns the standard boosting setup.
func DefaultConfig() Config {
	return Config{
		Trees:          100,
		MaxDepth:       3,
		LearningRate:   0.1,
		Lambda:         1,
		MinChildWeight: 1,
		BalanceClasses: true,
		TopK:           5,
		Features:       append([]string(nil), DefaultFeatures...),
	}
}

// Engine fits churn models.
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
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if len(cfg.Features) == 0 {
		cfg.Features = def.Features
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger, now: time.Now}
}

// boosting projects the tree hyperparameters.
func (c Config) boosting() Boosting {
	return Boosting{
		Rounds:         c.Trees,
		MaxDepth:       c.MaxDepth,
		LearningRate:   c.LearningRate,
		Lambda:         c.Lambda,
		MinChildWeight: c.MinChildWeight,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Fit trains a model on records whose label is present. It fails with a DataError when fewer
// than two distinct labels or no usable feature remain. ctx is checked between boosting rounds;
// a cancelled fit returns no model.
func (e *Engine) Fit(ctx context.Context, records []models.CanonicalRecord, label string) (*Model, error) {
	var (
		train  []models.CanonicalRecord
		labels []bool
	)
	positives := 0
	for _, rec := range records {
		v, ok := rec.Fields[label]
		if !ok || v.Missing || v.Type != models.TypeBoolean {
			continue
		}
		train = append(train, rec)
		labels = append(labels, v.Bool)
		if v.Bool {
			positives++
		}
	}
	negatives := len(train) - positives
	if positives == 0 || negatives == 0 {
		return nil, utils.DataError("churn.Fit", fmt.Sprintf("insufficient label diversity: %d positive and %d negative records", positives, negatives))
	}

	y := make([]float64, len(train))
	w := make([]float64, len(train))
	posWeight := 1.0
	if e.cfg.BalanceClasses {
		posWeight = float64(negatives) / float64(positives)
	}
	var wy, wsum float64
	for i, l := range labels {
		w[i] = 1
		if l {
			y[i] = 1
			w[i] = posWeight
		}
		wy += w[i] * y[i]
		wsum += w[i]
	}

	features := BuildFeatureSpecs(e.cfg.Features, label, train, y)
	if len(features) == 0 {
		return nil, utils.DataError("churn.Fit", "no usable churn features in the training records")
	}

	m := &Model{
		version:    uuid.NewString(),
		labelField: label,
		features:   features,
		topK:       e.cfg.TopK,
	}
	x := make([][]float64, len(train))
	for i, rec := range train {
		x[i], _ = m.vectorize(rec.Fields)
	}

	started := e.now()
	logLoss := func(margins, grad, hess []float64) {
		for i, margin := range margins {
			p := stats.Sigmoid(margin)
			grad[i] = w[i] * (p - y[i])
			hess[i] = w[i] * p * (1 - p)
		}
	}
	ens, err := e.cfg.boosting().Fit(ctx, x, stats.Logit(wy/wsum), logLoss)
	if err != nil {
		return nil, fmt.Errorf("churn fit: %w", err)
	}
	m.ensemble = ens
	m.expectedMargin = ens.Expectation()
	m.trainedAt = e.now().UTC()

	e.logger.Info("churn model trained",
		"version", m.version,
		"records", len(train),
		"positives", positives,
		"features", len(features),
		"trees", ens.Len(),
		"duration", e.now().Sub(started))
	return m, nil
}
