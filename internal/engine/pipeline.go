package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-insights/internal/churn"
	"github.com/miradorstack/mirador-insights/internal/clv"
	"github.com/miradorstack/mirador-insights/internal/gateway"
	"github.com/miradorstack/mirador-insights/internal/geo"
	"github.com/miradorstack/mirador-insights/internal/metrics"
	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/normalize"
	"github.com/miradorstack/mirador-insights/internal/patterns"
	"github.com/miradorstack/mirador-insights/internal/profiler"
	"github.com/miradorstack/mirador-insights/internal/segment"
	"github.com/miradorstack/mirador-insights/internal/sentiment"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// ArtifactStore persists what the engines fit. Implementations must be safe for concurrent use.
type ArtifactStore interface {
	patterns.Store
	SaveChurn(ctx context.Context, art models.ChurnArtifact) error
	LoadChurn(ctx context.Context, version string) (models.ChurnArtifact, error)
	SaveScaler(ctx context.Context, art models.ScalerArtifact) error
	SaveValueModel(ctx context.Context, art models.ValueArtifact) error
}

// Dependencies wires the engines into a Pipeline. Nil members get defaults; Geocoder and
// Artifacts stay optional.
type Dependencies struct {
	Profiler   *profiler.Profiler
	Normalizer *normalize.Normalizer
	Churn      *churn.Engine
	Value      *clv.Engine
	Segments   *segment.Engine
	Sentiment  *sentiment.Analyzer
	Geocoder   geo.Geocoder
	Artifacts  ArtifactStore
}

// Pipeline orchestrates profiling, gating, normalization and the analytical engines.
type Pipeline struct {
	logger     *slog.Logger
	profiler   *profiler.Profiler
	normalizer *normalize.Normalizer
	churn      *churn.Engine
	value      *clv.Engine
	segments   *segment.Engine
	sentiment  *sentiment.Analyzer
	miner      *patterns.Miner
	geocoder   geo.Geocoder
	artifacts  ArtifactStore
}

// NewPipeline constructs a pipeline from deps.
func NewPipeline(logger *slog.Logger, deps Dependencies) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Profiler == nil {
		deps.Profiler = profiler.New(profiler.DefaultRegistry(), profiler.Options{}, logger)
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New(deps.Profiler.Registry(), logger)
	}
	if deps.Churn == nil {
		deps.Churn = churn.NewEngine(churn.DefaultConfig(), logger)
	}
	if deps.Value == nil {
		deps.Value = clv.NewEngine(clv.DefaultConfig(), logger)
	}
	if deps.Segments == nil {
		deps.Segments = segment.NewEngine(segment.DefaultConfig(), segment.DefaultPersonas(), logger)
	}
	if deps.Sentiment == nil {
		deps.Sentiment = sentiment.NewAnalyzer(logger)
	}

	var store patterns.Store
	if deps.Artifacts != nil {
		store = deps.Artifacts
	}

	return &Pipeline{
		logger:     logger,
		profiler:   deps.Profiler,
		normalizer: deps.Normalizer,
		churn:      deps.Churn,
		value:      deps.Value,
		segments:   deps.Segments,
		sentiment:  deps.Sentiment,
		miner:      patterns.NewMiner(logger, store),
		geocoder:   deps.Geocoder,
		artifacts:  deps.Artifacts,
	}
}

// Registry exposes the canonical vocabulary in use.
func (p *Pipeline) Registry() *profiler.Registry { return p.profiler.Registry() }

// Open profiles ds, runs the capability gate and normalizes the fields admitted capabilities
// need. A dataset with no usable columns still opens; its session simply admits nothing.
func (p *Pipeline) Open(ctx context.Context, ds models.RawDataset) (*Session, error) {
	profile, err := p.profiler.Profile(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("profile dataset: %w", err)
	}
	decision := gateway.Decide(profile.Capabilities)
	for _, a := range decision.Admitted {
		metrics.ObserveCapability(string(a.Capability), string(a.Mode))
	}
	for _, u := range decision.Unavailable {
		metrics.ObserveCapability(string(u.Capability), "unavailable")
	}

	records := p.normalizer.Normalize(ds, admittedMapping(profile, decision))
	s := newSession(ds, profile, decision, records)

	p.logger.Info("session opened",
		slog.String("session_id", s.ID),
		slog.Int("records", ds.Len()),
		slog.Int("columns", len(ds.Columns())),
		slog.Int("admitted", len(decision.Admitted)),
	)
	return s, nil
}

// admittedMapping keeps the resolutions of fields some admitted capability can use.
func admittedMapping(profile models.Profile, decision models.Decision) map[string]string {
	wanted := make(map[string]struct{})
	for _, a := range decision.Admitted {
		status := profile.Capabilities[a.Capability]
		for _, f := range append(append([]string(nil), status.Required...), status.Optional...) {
			wanted[f] = struct{}{}
		}
		for _, v := range status.Variants {
			for _, f := range append(append([]string(nil), v.Required...), v.Optional...) {
				wanted[f] = struct{}{}
			}
		}
	}
	out := make(map[string]string, len(wanted))
	for field, col := range profile.Mapping() {
		if _, ok := wanted[field]; ok {
			out[field] = col
		}
	}
	return out
}

// Request selects what Analyze runs. An empty Capabilities list runs everything admitted.
type Request struct {
	Capabilities []models.Capability
	// SegmentMode overrides the admitted segmentation variant when that variant is ready.
	SegmentMode  string
	K            int
	RetainScaler bool
}

// ChurnReport is the churn section of a Report.
type ChurnReport struct {
	ModelVersion        string
	ExpectedProbability float64
	Assessments         []models.RiskAssessment
	Groups              map[models.RiskGroup]int
	Importance          []models.FeatureImportance
	Retention           []models.RetentionOption
	// Value is nil when no value model could be fitted on the same records.
	Value *ValueReport
}

// ValueReport is the customer value estimate that accompanies a churn run.
type ValueReport struct {
	ModelVersion string
	Target       string
	TrainingRMSE float64
	Predictions  []models.ValuePrediction
}

// GeoReport is the geospatial section of a Report.
type GeoReport struct {
	Mode        models.Mode
	Locations   []models.LocationRef
	ByRisk      []geo.LocationSummary
	BySentiment []geo.LocationSummary
}

// Report is everything one Analyze call produced. Sections are nil for capabilities that did
// not run.
type Report struct {
	SessionID    string
	Admitted     []models.Admission
	Unavailable  []models.Unavailable
	Churn        *ChurnReport
	Segmentation *segment.Result
	Sentiment    *models.SentimentReport
	Geo          *GeoReport
	Diagnostics  []string
	GeneratedAt  time.Time
}

type outcome[T any] struct {
	value T
	err   error
	took  time.Duration
}

// Analyze runs the requested capabilities on the session's records. Churn, segmentation and
// sentiment run concurrently on the same immutable records and write disjoint results.
// Engine failures mark the capability unavailable for the session without affecting the
// others. A cancelled context yields no report at all.
func (p *Pipeline) Analyze(ctx context.Context, s *Session, req Request) (*Report, error) {
	if s == nil {
		return nil, utils.NotFound("engine.Analyze", "session not found")
	}
	start := time.Now()
	report, err := p.analyze(ctx, s, req)
	switch {
	case err == nil:
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeSuccess)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeCancelled)
	default:
		metrics.ObserveAnalysis(time.Since(start), metrics.OutcomeError)
	}
	return report, err
}

func (p *Pipeline) analyze(ctx context.Context, s *Session, req Request) (*Report, error) {
	wanted, err := p.selectCapabilities(s, req)
	if err != nil {
		return nil, err
	}
	segReq, err := p.segmentRequest(s, req, wanted)
	if err != nil {
		return nil, err
	}

	var (
		wg        sync.WaitGroup
		churnOut  outcome[*churn.Model]
		valueOut  outcome[*clv.Model]
		segOut    outcome[*segment.Result]
		sentOut   outcome[models.SentimentReport]
		sentField = profiler.FieldReviewText
	)
	if wanted[models.CapabilityChurn] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			began := time.Now()
			churnOut.value, churnOut.err = p.churn.Fit(ctx, s.Records, profiler.FieldChurnLabel)
			churnOut.took = time.Since(began)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			valueOut.value, valueOut.err = p.value.Fit(ctx, s.Records)
		}()
	}
	if wanted[models.CapabilitySegmentation] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			began := time.Now()
			segOut.value, segOut.err = p.segments.Cluster(ctx, s.Records, segReq)
			segOut.took = time.Since(began)
		}()
	}
	if wanted[models.CapabilitySentiment] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			began := time.Now()
			sentOut.value, sentOut.err = p.sentiment.Analyze(ctx, s.Records, sentField)
			sentOut.took = time.Since(began)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		p.logger.Info("analysis cancelled", slog.String("session_id", s.ID), slog.Any("error", err))
		return nil, fmt.Errorf("analyze session %s: %w", s.ID, err)
	}
	for _, err := range []error{churnOut.err, segOut.err, sentOut.err} {
		if utils.KindOf(err) == utils.KindValidation {
			return nil, err
		}
	}

	report := &Report{SessionID: s.ID, Admitted: s.Decision.Admitted, Diagnostics: s.Profile.Diagnostics}

	if wanted[models.CapabilityChurn] {
		metrics.ObserveFit(string(models.CapabilityChurn), churnOut.took)
		if p.fail(s, models.CapabilityChurn, churnOut.err) {
			s.setModel(churnOut.value)
			report.Churn = p.churnReport(ctx, s, churnOut.value)
			p.saveChurn(ctx, churnOut.value)
			report.Churn.Value = p.valueReport(ctx, s, valueOut.value, valueOut.err)
		}
	}
	if wanted[models.CapabilitySegmentation] {
		metrics.ObserveFit(string(models.CapabilitySegmentation), segOut.took)
		if p.fail(s, models.CapabilitySegmentation, segOut.err) {
			s.setClusters(segOut.value)
			report.Segmentation = segOut.value
			p.saveScaler(ctx, segOut.value)
		}
	}
	if wanted[models.CapabilitySentiment] {
		if p.fail(s, models.CapabilitySentiment, sentOut.err) {
			sent := sentOut.value
			report.Sentiment = &sent
		}
	}
	var skipped []models.Unavailable
	if wanted[models.CapabilityGeospatial] && report.Churn == nil && report.Sentiment == nil {
		skipped = append(skipped, models.Unavailable{
			Capability: models.CapabilityGeospatial,
			Reason:     "requires churn or sentiment results in the same run",
		})
	} else if wanted[models.CapabilityGeospatial] {
		geoReport, err := p.geoReport(ctx, s, report)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, fmt.Errorf("analyze session %s: %w", s.ID, err)
		}
		if p.fail(s, models.CapabilityGeospatial, err) {
			report.Geo = geoReport
		}
	}

	report.Unavailable = append(s.Unavailable(), skipped...)
	report.GeneratedAt = time.Now().UTC()
	p.logger.Info("analysis completed",
		slog.String("session_id", s.ID),
		slog.Int("unavailable", len(report.Unavailable)),
	)
	return report, nil
}

// fail records err against c and reports whether the engine succeeded.
func (p *Pipeline) fail(s *Session, c models.Capability, err error) bool {
	if err == nil {
		return true
	}
	reason := utils.Reason(err)
	s.markFailed(c, reason)
	p.logger.Warn("capability failed",
		slog.String("session_id", s.ID),
		slog.String("capability", string(c)),
		slog.String("reason", reason),
		slog.Any("error", err),
	)
	return false
}

func (p *Pipeline) selectCapabilities(s *Session, req Request) (map[models.Capability]bool, error) {
	wanted := make(map[models.Capability]bool)
	if len(req.Capabilities) == 0 {
		for _, a := range s.Decision.Admitted {
			if s.Runnable(a.Capability) {
				wanted[a.Capability] = true
			}
		}
		if len(wanted) == 0 {
			return nil, utils.CapabilityUnavailable("engine.Analyze", "analysis", "no capability is runnable for this dataset")
		}
		return wanted, nil
	}

	for _, c := range req.Capabilities {
		if !s.Runnable(c) {
			return nil, utils.CapabilityUnavailable("engine.Analyze", string(c), unavailableReason(s, c))
		}
		wanted[c] = true
	}
	return wanted, nil
}

func unavailableReason(s *Session, c models.Capability) string {
	for _, u := range s.Unavailable() {
		if u.Capability == c {
			return u.Reason
		}
	}
	return "not admitted for this dataset"
}

func (p *Pipeline) segmentRequest(s *Session, req Request, wanted map[models.Capability]bool) (segment.Request, error) {
	out := segment.Request{K: req.K, RetainScaler: req.RetainScaler}
	if !wanted[models.CapabilitySegmentation] {
		return out, nil
	}
	admission, _ := s.Decision.Admission(models.CapabilitySegmentation)
	out.Mode = admission.Variant
	if req.SegmentMode != "" && req.SegmentMode != admission.Variant {
		found := false
		for _, v := range s.Profile.Capabilities[models.CapabilitySegmentation].Variants {
			if v.Name != req.SegmentMode {
				continue
			}
			if !v.Ready {
				return out, utils.ValidationError("engine.Analyze", "segmentation mode is not runnable on this dataset", "segment_mode")
			}
			out.Mode = v.Name
			found = true
			break
		}
		if !found {
			return out, utils.ValidationError("engine.Analyze", "unknown segmentation mode", "segment_mode")
		}
	}
	return out, checkClusterCount(s.Records, out)
}

// checkClusterCount rejects a requested k outside [2, units] before any engine starts, so a
// caller mistake never discards sibling results. Too few units is left to the engine, which
// reports it as a data failure.
func checkClusterCount(records []models.CanonicalRecord, req segment.Request) error {
	if req.K == 0 {
		return nil
	}
	table, err := segment.BuildUnits(records, req.Mode)
	if err != nil {
		return err
	}
	n := len(table.Units)
	if n < 2 {
		return nil
	}
	if req.K < 2 || req.K > n {
		return utils.ValidationError("engine.Analyze", fmt.Sprintf("cluster count must be between 2 and %d", n), "k")
	}
	return nil
}

func (p *Pipeline) churnReport(ctx context.Context, s *Session, model *churn.Model) *ChurnReport {
	assessments := model.Score(s.Records)
	groups := map[models.RiskGroup]int{models.RiskLow: 0, models.RiskMedium: 0, models.RiskHigh: 0}
	for _, a := range assessments {
		groups[a.Group]++
	}

	var categorical []string
	for _, f := range model.Features() {
		if f.Kind == models.TypeCategorical {
			categorical = append(categorical, f.Name)
		}
	}
	retention, err := p.miner.Mine(ctx, s.ID, s.Records, model.LabelField(), categorical)
	if err != nil {
		p.logger.Warn("retention mining failed", slog.String("session_id", s.ID), slog.Any("error", err))
	}

	return &ChurnReport{
		ModelVersion:        model.Version(),
		ExpectedProbability: model.ExpectedProbability(),
		Assessments:         assessments,
		Groups:              groups,
		Importance:          model.DirectionalImportance(s.Records),
		Retention:           retention,
	}
}

func (p *Pipeline) geoReport(ctx context.Context, s *Session, report *Report) (*GeoReport, error) {
	admission, _ := s.Decision.Admission(models.CapabilityGeospatial)

	refs, err := geo.Resolve(ctx, p.geocoder, geo.Locate(s.Records))
	if err != nil {
		return nil, fmt.Errorf("resolve locations: %w", err)
	}
	out := &GeoReport{Mode: admission.Mode, Locations: refs}
	if report.Churn != nil {
		risk := make(map[int]float64, len(report.Churn.Assessments))
		for _, a := range report.Churn.Assessments {
			risk[a.RecordID] = a.Probability
		}
		out.ByRisk = geo.Summarize(refs, risk)
	}
	if report.Sentiment != nil {
		tone := make(map[int]float64, len(report.Sentiment.Scores))
		for _, sc := range report.Sentiment.Scores {
			tone[sc.RecordID] = sc.Compound
		}
		out.BySentiment = geo.Summarize(refs, tone)
	}
	return out, nil
}

func (p *Pipeline) saveChurn(ctx context.Context, model *churn.Model) {
	if p.artifacts == nil {
		return
	}
	if err := p.artifacts.SaveChurn(ctx, model.Export()); err != nil {
		p.logger.Warn("churn artifact not stored", slog.String("version", model.Version()), slog.Any("error", err))
	}
}

// valueReport scores the session with the value model. A failed fit only drops the section.
func (p *Pipeline) valueReport(ctx context.Context, s *Session, model *clv.Model, err error) *ValueReport {
	if err != nil {
		p.logger.Warn("value model not fitted", slog.String("session_id", s.ID), slog.Any("error", err))
		return nil
	}
	if p.artifacts != nil {
		if err := p.artifacts.SaveValueModel(ctx, model.Export()); err != nil {
			p.logger.Warn("value artifact not stored", slog.String("version", model.Version()), slog.Any("error", err))
		}
	}
	return &ValueReport{
		ModelVersion: model.Version(),
		Target:       model.Target(),
		TrainingRMSE: model.TrainingRMSE(),
		Predictions:  model.Score(s.Records),
	}
}

func (p *Pipeline) saveScaler(ctx context.Context, result *segment.Result) {
	if p.artifacts == nil || result.Scaler == nil {
		return
	}
	art := result.Scaler.Export(result.Mode, result.Centroids)
	art.Version = uuid.NewString()
	if err := p.artifacts.SaveScaler(ctx, art); err != nil {
		p.logger.Warn("scaler artifact not stored", slog.String("version", art.Version), slog.Any("error", err))
	}
}

// Simulate re-scores one record of the session with overrides applied. recordID -1 scores the
// model's baseline record. Neither the session nor the model is modified.
func (p *Pipeline) Simulate(s *Session, recordID int, overrides map[string]models.Value) (models.RiskAssessment, error) {
	res, err := p.simulate(s, recordID, overrides)
	if err != nil {
		metrics.ObserveSimulation(metrics.OutcomeError)
		return models.RiskAssessment{}, err
	}
	metrics.ObserveSimulation(metrics.OutcomeSuccess)
	return res, nil
}

func (p *Pipeline) simulate(s *Session, recordID int, overrides map[string]models.Value) (models.RiskAssessment, error) {
	if s == nil {
		return models.RiskAssessment{}, utils.NotFound("engine.Simulate", "session not found")
	}
	model := s.Model()
	if model == nil {
		return models.RiskAssessment{}, utils.CapabilityUnavailable("engine.Simulate", string(models.CapabilityChurn), "no churn model has been fitted for this session")
	}
	if recordID == -1 {
		return model.Simulate(model.Baseline(), overrides)
	}
	if recordID < 0 || recordID >= len(s.Records) {
		return models.RiskAssessment{}, utils.NotFound("engine.Simulate", fmt.Sprintf("record %d not found", recordID))
	}
	return model.Simulate(s.Records[recordID], overrides)
}

// Explain returns the full attribution of one record, ordered by magnitude.
func (p *Pipeline) Explain(s *Session, recordID int) ([]models.Attribution, error) {
	if s == nil {
		return nil, utils.NotFound("engine.Explain", "session not found")
	}
	model := s.Model()
	if model == nil {
		return nil, utils.CapabilityUnavailable("engine.Explain", string(models.CapabilityChurn), "no churn model has been fitted for this session")
	}
	if recordID < 0 || recordID >= len(s.Records) {
		return nil, utils.NotFound("engine.Explain", fmt.Sprintf("record %d not found", recordID))
	}
	return model.Attribute(s.Records[recordID]), nil
}

// Assign places the records of ds into the session's last clusters. The clustering run must
// have retained its scaler, and ds is normalized with the session's column mapping.
func (p *Pipeline) Assign(s *Session, ds models.RawDataset) ([]segment.Assignment, error) {
	if s == nil {
		return nil, utils.NotFound("engine.Assign", "session not found")
	}
	prior := s.Clusters()
	if prior == nil {
		return nil, utils.CapabilityUnavailable("engine.Assign", string(models.CapabilitySegmentation), "no clustering run for this session")
	}
	records := p.normalizer.Normalize(ds, admittedMapping(s.Profile, s.Decision))
	return p.segments.Assign(prior, records)
}

// AttachModel loads a stored churn model into the session in place of a freshly fitted one.
// The model's features must resolve on the session's dataset.
func (p *Pipeline) AttachModel(ctx context.Context, s *Session, version string) (*churn.Model, error) {
	if s == nil {
		return nil, utils.NotFound("engine.AttachModel", "session not found")
	}
	if p.artifacts == nil {
		return nil, utils.NotFound("engine.AttachModel", "artifact store not configured")
	}
	art, err := p.artifacts.LoadChurn(ctx, version)
	if err != nil {
		return nil, err
	}
	model, err := churn.ImportModel(art, p.churn.Config().TopK)
	if err != nil {
		return nil, err
	}
	mapping := s.Profile.Mapping()
	var missing []string
	for _, f := range model.Features() {
		if _, ok := mapping[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, utils.ValidationError("engine.AttachModel", "model features are not present in this dataset", missing...)
	}
	s.setModel(model)
	return model, nil
}
