package segment

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// Config controls clustering and rule extraction.
type Config struct {
	Seed            int64
	NInit           int
	MaxIter         int
	MaxK            int
	KTolerance      float64
	RuleDepth       int
	PurityThreshold float64
}

// DefaultConfig returns the standard clustering setup.
func DefaultConfig() Config {
	return Config{
		Seed:            42,
		NInit:           10,
		MaxIter:         300,
		MaxK:            6,
		KTolerance:      0.02,
		RuleDepth:       DefaultRuleDepth,
		PurityThreshold: DefaultPurityThreshold,
	}
}

// Request selects the clustering mode and cluster count. K == 0 picks k by silhouette.
// RetainScaler keeps the standardization parameters for later Assign calls.
type Request struct {
	Mode         string
	K            int
	RetainScaler bool
}

// Result is one clustering run. The cluster set is replaced wholesale by the next run.
type Result struct {
	Mode       string
	K          int
	Features   []string
	Clusters   []models.Cluster
	Unassigned []int
	Inertia    float64
	Silhouette float64
	// Candidates holds silhouette per k when k was chosen automatically.
	Candidates map[int]float64
	Table      UnitTable
	// Scaler and Centroids are set only when the request retained them.
	Scaler    *Scaler
	Centroids [][]float64
}

// Assignment places one unit of new data into a prior cluster; Cluster is -1 when the unit
// could not be built.
type Assignment struct {
	Unit    string
	Records []int
	Cluster int
}

// Engine clusters canonical records and explains the clusters.
type Engine struct {
	cfg      Config
	personas *PersonaTable
	logger   *slog.Logger
}

// NewEngine constructs an engine; zero config values fall back to DefaultConfig and a nil
// persona table to DefaultPersonas.
func NewEngine(cfg Config, personas *PersonaTable, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.NInit <= 0 {
		cfg.NInit = def.NInit
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = def.MaxIter
	}
	if cfg.MaxK < 2 {
		cfg.MaxK = def.MaxK
	}
	if cfg.KTolerance < 0 {
		cfg.KTolerance = def.KTolerance
	}
	if cfg.RuleDepth <= 0 {
		cfg.RuleDepth = def.RuleDepth
	}
	if cfg.PurityThreshold <= 0 || cfg.PurityThreshold > 1 {
		cfg.PurityThreshold = def.PurityThreshold
	}
	if personas == nil {
		personas = DefaultPersonas()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, personas: personas, logger: logger}
}

// Cluster standardizes the unit table once, runs k-means and attaches a rule and persona to
// every cluster. The same seed and k always give the same clusters. ctx is checked between
// candidate k values and before rule extraction; a cancelled run returns nothing.
func (e *Engine) Cluster(ctx context.Context, records []models.CanonicalRecord, req Request) (*Result, error) {
	table, err := BuildUnits(records, req.Mode)
	if err != nil {
		return nil, err
	}
	n := len(table.Units)
	if n < 2 {
		return nil, utils.DataError("segment.Cluster", fmt.Sprintf("need at least 2 complete units to cluster, have %d", n))
	}
	if req.K != 0 && (req.K < 2 || req.K > n) {
		return nil, utils.ValidationError("segment.Cluster", fmt.Sprintf("cluster count must be between 2 and %d", n), "k")
	}

	scaler := FitScaler(table.Features, table.rows())
	points := make([][]float64, n)
	for i, u := range table.Units {
		points[i] = scaler.Transform(u.Values)
	}

	result := &Result{Mode: req.Mode, Features: append([]string(nil), table.Features...), Table: table, Unassigned: table.Unassigned}
	var fit kmeansResult
	if req.K == 0 {
		k, res, scores, err := e.chooseK(ctx, points)
		if err != nil {
			return nil, err
		}
		result.K, fit, result.Candidates = k, res, scores
	} else {
		result.K = req.K
		fit = kmeans(points, req.K, e.cfg.NInit, e.cfg.MaxIter, rand.New(rand.NewSource(e.cfg.Seed)))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result.Inertia = fit.inertia
	result.Silhouette = silhouette(points, fit.labels, result.K)

	result.Clusters = make([]models.Cluster, result.K)
	for c := range result.Clusters {
		result.Clusters[c] = models.Cluster{
			ID:       c,
			Centroid: clone(fit.centroids[c]),
			Profile:  make(map[string]float64, len(table.Features)),
		}
		for j, v := range scaler.Inverse(fit.centroids[c]) {
			result.Clusters[c].Profile[table.Features[j]] = v
		}
	}
	for i, u := range table.Units {
		c := &result.Clusters[fit.labels[i]]
		c.Units = append(c.Units, u.Key)
		c.Members = append(c.Members, u.Records...)
	}
	for c := range result.Clusters {
		cl := &result.Clusters[c]
		sort.Ints(cl.Members)
		cl.Rule = e.ExtractRule(*cl, table, nil)
		cl.Persona = e.LabelPersona(*cl, cl.Rule)
	}

	if req.RetainScaler {
		result.Scaler = scaler
		result.Centroids = make([][]float64, result.K)
		for c := range fit.centroids {
			result.Centroids[c] = clone(fit.centroids[c])
		}
	}
	e.logger.Info("segmentation complete",
		"mode", req.Mode,
		"units", n,
		"k", result.K,
		"silhouette", result.Silhouette,
		"unassigned", len(result.Unassigned))
	return result, nil
}

// chooseK scores k in [2, min(MaxK, n-1)] by silhouette and takes the smallest k within
// KTolerance of the best score.
func (e *Engine) chooseK(ctx context.Context, points [][]float64) (int, kmeansResult, map[int]float64, error) {
	maxK := e.cfg.MaxK
	if maxK > len(points)-1 {
		maxK = len(points) - 1
	}
	if maxK < 2 {
		maxK = 2
	}
	fits := make(map[int]kmeansResult)
	scores := make(map[int]float64)
	best := math.Inf(-1)
	for k := 2; k <= maxK; k++ {
		if err := ctx.Err(); err != nil {
			return 0, kmeansResult{}, nil, err
		}
		fit := kmeans(points, k, e.cfg.NInit, e.cfg.MaxIter, rand.New(rand.NewSource(e.cfg.Seed)))
		fits[k] = fit
		scores[k] = silhouette(points, fit.labels, k)
		best = math.Max(best, scores[k])
	}
	for k := 2; k <= maxK; k++ {
		if scores[k] >= best-e.cfg.KTolerance {
			return k, fits[k], scores, nil
		}
	}
	return 2, fits[2], scores, nil
}

// ExtractRule explains cluster against the other units of table using the engine's depth
// and purity threshold.
func (e *Engine) ExtractRule(cluster models.Cluster, table UnitTable, pool []string) models.Rule {
	return ExtractRule(cluster, table, pool, e.cfg.RuleDepth, e.cfg.PurityThreshold)
}

// LabelPersona names a cluster from its rule.
func (e *Engine) LabelPersona(cluster models.Cluster, rule models.Rule) string {
	return e.personas.Label(cluster, rule)
}

// Assign places units built from records into the clusters of a prior run that retained its
// scaler. Records are standardized with the prior parameters, never refit.
func (e *Engine) Assign(prior *Result, records []models.CanonicalRecord) ([]Assignment, error) {
	if prior == nil || prior.Scaler == nil {
		return nil, utils.ValidationError("segment.Assign", "clustering run did not retain its scaler", "retain_scaler")
	}
	table, err := BuildUnits(records, prior.Mode)
	if err != nil {
		return nil, err
	}
	cols := make([]int, len(prior.Scaler.Features))
	for i, f := range prior.Scaler.Features {
		if cols[i] = table.index(f); cols[i] < 0 {
			return nil, utils.ValidationError("segment.Assign", "records lack a clustering feature", f)
		}
	}

	out := make([]Assignment, 0, len(table.Units)+len(table.Unassigned))
	for _, u := range table.Units {
		row := make([]float64, len(cols))
		for i, j := range cols {
			row[i] = u.Values[j]
		}
		c, _ := nearest(prior.Scaler.Transform(row), prior.Centroids)
		out = append(out, Assignment{Unit: u.Key, Records: u.Records, Cluster: c})
	}
	for _, id := range table.Unassigned {
		out = append(out, Assignment{Records: []int{id}, Cluster: -1})
	}
	return out, nil
}
