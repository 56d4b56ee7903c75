package engine

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

type fakeArtifacts struct {
	mu        sync.Mutex
	churn     map[string]models.ChurnArtifact
	scalers   int
	values    map[string]models.ValueArtifact
	retention map[string][]models.RetentionOption
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{
		churn:     map[string]models.ChurnArtifact{},
		values:    map[string]models.ValueArtifact{},
		retention: map[string][]models.RetentionOption{},
	}
}

func (f *fakeArtifacts) SaveChurn(ctx context.Context, art models.ChurnArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.churn[art.Version] = art
	return nil
}

func (f *fakeArtifacts) LoadChurn(ctx context.Context, version string) (models.ChurnArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	art, ok := f.churn[version]
	if !ok {
		return models.ChurnArtifact{}, utils.NotFound("fake.LoadChurn", "missing")
	}
	return art, nil
}

func (f *fakeArtifacts) SaveScaler(ctx context.Context, art models.ScalerArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scalers++
	return nil
}

func (f *fakeArtifacts) SaveValueModel(ctx context.Context, art models.ValueArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[art.Version] = art
	return nil
}

func (f *fakeArtifacts) StoreRetention(ctx context.Context, sessionID string, options []models.RetentionOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retention[sessionID] = options
	return nil
}

func dataset(cols []string, rows [][]string) models.RawDataset {
	records := make([]models.RawRecord, len(rows))
	for i, row := range rows {
		rec := make(models.RawRecord, len(cols))
		for j, col := range cols {
			rec[col] = models.StringValue(row[j])
		}
		records[i] = rec
	}
	return models.NewRawDataset(cols, records)
}

// telcoRows has only tenure, amount, contract_type and churn_label.
func telcoRows(n int, seed int64, churnable bool) [][]string {
	rng := rand.New(rand.NewSource(seed))
	contracts := []string{"Month-to-month", "One year", "Two year"}
	rows := make([][]string, n)
	for i := range rows {
		tenure := 1 + rng.Intn(72)
		c := rng.Intn(3)
		amount := float64(tenure) * (30 + rng.Float64()*60)
		label := "No"
		if churnable && (c == 0 && tenure < 24 || rng.Float64() < 0.1) {
			label = "Yes"
		}
		rows[i] = []string{strconv.Itoa(tenure), strconv.FormatFloat(amount, 'f', 2, 64), contracts[c], label}
	}
	return rows
}

func telcoColumns() []string {
	return []string{"tenure", "amount", "contract_type", "churn_label"}
}

func TestEndToEndChurnOnlyDataset(t *testing.T) {
	store := newFakeArtifacts()
	p := NewPipeline(nil, Dependencies{Artifacts: store})
	s, err := p.Open(context.Background(), dataset(telcoColumns(), telcoRows(150, 3, true)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(s.Decision.Admitted) != 1 || s.Decision.Admitted[0].Capability != models.CapabilityChurn {
		t.Fatalf("expected only churn admitted, got %+v", s.Decision.Admitted)
	}
	if len(s.Records) != 150 {
		t.Fatalf("expected 150 records, got %d", len(s.Records))
	}

	report, err := p.Analyze(context.Background(), s, Request{})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if report.Churn == nil || report.Segmentation != nil || report.Sentiment != nil || report.Geo != nil {
		t.Fatalf("unexpected report sections %+v", report)
	}
	if len(report.Churn.Assessments) != 150 {
		t.Fatalf("expected an assessment per record, got %d", len(report.Churn.Assessments))
	}
	unavailable := map[models.Capability]bool{}
	for _, u := range report.Unavailable {
		unavailable[u.Capability] = true
		if u.Reason == "" {
			t.Fatalf("unavailable capability %s without reason", u.Capability)
		}
	}
	for _, c := range []models.Capability{models.CapabilitySegmentation, models.CapabilitySentiment, models.CapabilityGeospatial} {
		if !unavailable[c] {
			t.Fatalf("expected %s unavailable, got %+v", c, report.Unavailable)
		}
	}

	if _, ok := store.churn[report.Churn.ModelVersion]; !ok {
		t.Fatalf("expected churn artifact to be stored")
	}
	value := report.Churn.Value
	if value == nil || value.Target != profiler.FieldTotalAmount || len(value.Predictions) != 150 {
		t.Fatalf("expected a value estimate per record, got %+v", value)
	}
	if _, ok := store.values[value.ModelVersion]; !ok {
		t.Fatalf("expected value artifact to be stored")
	}
	if len(report.Churn.Retention) != 1 || report.Churn.Retention[0].Field != profiler.FieldContractType {
		t.Fatalf("expected contract retention option, got %+v", report.Churn.Retention)
	}
	if len(store.retention[s.ID]) != 1 {
		t.Fatalf("expected retention options persisted for the session")
	}
}

func TestSimulateLeavesSessionUntouched(t *testing.T) {
	p := NewPipeline(nil, Dependencies{})
	s, err := p.Open(context.Background(), dataset(telcoColumns(), telcoRows(120, 5, true)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := p.Simulate(s, 0, nil); utils.KindOf(err) != utils.KindCapabilityUnavailable {
		t.Fatalf("expected capability unavailable before fitting, got %v", err)
	}
	if _, err := p.Analyze(context.Background(), s, Request{Capabilities: []models.Capability{models.CapabilityChurn}}); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	before := s.Model().Assess(s.Records[0])
	original := s.Records[1].Fields[profiler.FieldTenureMonths]
	sim, err := p.Simulate(s, 1, map[string]models.Value{profiler.FieldTenureMonths: models.Numeric(70)})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if sim.RecordID != 1 {
		t.Fatalf("unexpected record id %d", sim.RecordID)
	}
	after := s.Model().Assess(s.Records[0])
	if before.Probability != after.Probability {
		t.Fatalf("simulate changed scoring: %v vs %v", before.Probability, after.Probability)
	}
	if s.Records[1].Fields[profiler.FieldTenureMonths] != original {
		t.Fatalf("simulate mutated the session record")
	}

	if _, err := p.Simulate(s, 999, nil); utils.KindOf(err) != utils.KindNotFound {
		t.Fatalf("expected not found for unknown record, got %v", err)
	}
	if _, err := p.Simulate(s, -1, nil); err != nil {
		t.Fatalf("baseline simulate: %v", err)
	}
	_, err = p.Simulate(s, 0, map[string]models.Value{"favourite_colour": models.Categorical("red")})
	if utils.KindOf(err) != utils.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	attrs, err := p.Explain(s, 0)
	if err != nil || len(attrs) == 0 {
		t.Fatalf("explain: %v %v", attrs, err)
	}
}

// demographicRows adds age and spending score blobs to a telco frame.
func demographicRows(churnable bool) ([]string, [][]string) {
	cols := append(telcoColumns(), "age", "spending_score")
	base := telcoRows(60, 11, churnable)
	centres := [][2]int{{25, 80}, {60, 20}, {40, 50}}
	for i := range base {
		c := centres[i%3]
		jitter := i%5 - 2
		base[i] = append(base[i], strconv.Itoa(c[0]+jitter), strconv.Itoa(c[1]-jitter))
	}
	return cols, base
}

func TestEngineFailureDoesNotAffectSiblings(t *testing.T) {
	cols, rows := demographicRows(false)
	p := NewPipeline(nil, Dependencies{})
	s, err := p.Open(context.Background(), dataset(cols, rows))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !s.Decision.IsAdmitted(models.CapabilityChurn) || !s.Decision.IsAdmitted(models.CapabilitySegmentation) {
		t.Fatalf("expected churn and segmentation admitted, got %+v", s.Decision)
	}

	report, err := p.Analyze(context.Background(), s, Request{})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if report.Churn != nil {
		t.Fatalf("single-class labels must not produce a churn model")
	}
	if report.Segmentation == nil || len(report.Segmentation.Clusters) == 0 {
		t.Fatalf("segmentation should have run despite churn failure")
	}
	var churnReason string
	for _, u := range report.Unavailable {
		if u.Capability == models.CapabilityChurn {
			churnReason = u.Reason
		}
	}
	if !strings.Contains(churnReason, "label diversity") {
		t.Fatalf("expected churn marked unavailable with a reason, got %q", churnReason)
	}

	_, err = p.Analyze(context.Background(), s, Request{Capabilities: []models.Capability{models.CapabilityChurn}})
	if utils.KindOf(err) != utils.KindCapabilityUnavailable {
		t.Fatalf("failed capability should stay unavailable for the session, got %v", err)
	}
}

func TestAnalyzeRejectsOutOfDomainK(t *testing.T) {
	cols, rows := demographicRows(true)
	p := NewPipeline(nil, Dependencies{})
	s, err := p.Open(context.Background(), dataset(cols, rows))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = p.Analyze(context.Background(), s, Request{Capabilities: []models.Capability{models.CapabilitySegmentation}, K: 1000})
	if utils.KindOf(err) != utils.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !s.Runnable(models.CapabilitySegmentation) {
		t.Fatalf("caller mistakes must not disable the capability")
	}
	_, err = p.Analyze(context.Background(), s, Request{Capabilities: []models.Capability{models.CapabilitySegmentation}, SegmentMode: "rfm"})
	if utils.KindOf(err) != utils.KindValidation {
		t.Fatalf("expected validation error for unrunnable mode, got %v", err)
	}
}

func TestBadClusterCountRejectedBeforeFitting(t *testing.T) {
	cols, rows := demographicRows(true)
	store := newFakeArtifacts()
	p := NewPipeline(nil, Dependencies{Artifacts: store})
	s, err := p.Open(context.Background(), dataset(cols, rows))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, k := range []int{1, -3, len(rows) + 1} {
		report, err := p.Analyze(context.Background(), s, Request{K: k})
		if report != nil || utils.KindOf(err) != utils.KindValidation {
			t.Fatalf("k=%d: expected a validation error and no report, got %v %v", k, report, err)
		}
	}
	if s.Model() != nil || len(store.churn) != 0 {
		t.Fatalf("a rejected request must not fit or persist a churn model")
	}
	if !s.Runnable(models.CapabilityChurn) || !s.Runnable(models.CapabilitySegmentation) {
		t.Fatalf("caller mistakes must not disable any capability")
	}

	report, err := p.Analyze(context.Background(), s, Request{K: 3})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if report.Churn == nil || report.Segmentation == nil || len(report.Segmentation.Clusters) != 3 {
		t.Fatalf("valid k should produce churn and three clusters, got %+v", report)
	}
}

func TestAnalyzeCancelledReturnsNothing(t *testing.T) {
	p := NewPipeline(nil, Dependencies{})
	s, err := p.Open(context.Background(), dataset(telcoColumns(), telcoRows(80, 2, true)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := p.Analyze(ctx, s, Request{})
	if report != nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected no report and a cancellation error, got %v %v", report, err)
	}
	if s.Model() != nil {
		t.Fatalf("cancelled run must not leave a model on the session")
	}
}

func TestOpenEmptyDatasetAdmitsNothing(t *testing.T) {
	p := NewPipeline(nil, Dependencies{})
	s, err := p.Open(context.Background(), models.NewRawDataset(nil, nil))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(s.Decision.Admitted) != 0 {
		t.Fatalf("expected nothing admitted")
	}
	_, err = p.Analyze(context.Background(), s, Request{})
	if utils.KindOf(err) != utils.KindCapabilityUnavailable {
		t.Fatalf("expected capability unavailable, got %v", err)
	}
	if _, err := p.Analyze(context.Background(), nil, Request{}); utils.KindOf(err) != utils.KindNotFound {
		t.Fatalf("expected not found for nil session, got %v", err)
	}
}

func TestGeospatialPiggybacksOnSentiment(t *testing.T) {
	reviews := []string{
		"The staff were wonderful and the flight was great, would fly again",
		"Terrible delay and the seats were awful, never booking this again",
		"Great service and friendly crew, really happy with the experience",
		"The food was bad and the lounge was dirty, very disappointing trip",
	}
	routes := []string{"London to Paris", "Berlin - Rome", "London via Dubai", "Madrid to Lisbon"}
	var rows [][]string
	for i := 0; i < 12; i++ {
		rows = append(rows, []string{reviews[i%4], routes[i%4]})
	}
	p := NewPipeline(nil, Dependencies{})
	s, err := p.Open(context.Background(), dataset([]string{"review", "route"}, rows))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	admission, ok := s.Decision.Admission(models.CapabilityGeospatial)
	if !ok || admission.Mode != models.ModeDegraded {
		t.Fatalf("expected degraded geospatial admission, got %+v", s.Decision)
	}

	report, err := p.Analyze(context.Background(), s, Request{})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if report.Sentiment == nil || report.Geo == nil {
		t.Fatalf("expected sentiment and geo sections, got %+v", report)
	}
	if len(report.Geo.Locations) != 12 || len(report.Geo.BySentiment) == 0 || report.Geo.ByRisk != nil {
		t.Fatalf("unexpected geo report %+v", report.Geo)
	}
	if report.Geo.Locations[0].Origin != "London" {
		t.Fatalf("expected route origin, got %+v", report.Geo.Locations[0])
	}

	_, err = p.Analyze(context.Background(), s, Request{Capabilities: []models.Capability{models.CapabilityGeospatial}})
	if err != nil {
		t.Fatalf("analyze geo only: %v", err)
	}
}

func TestAssignAndAttachModel(t *testing.T) {
	cols, rows := demographicRows(true)
	store := newFakeArtifacts()
	p := NewPipeline(nil, Dependencies{Artifacts: store})
	s, err := p.Open(context.Background(), dataset(cols, rows))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := p.Assign(s, dataset(cols, rows[:3])); utils.KindOf(err) != utils.KindCapabilityUnavailable {
		t.Fatalf("expected assign to need a clustering run, got %v", err)
	}
	report, err := p.Analyze(context.Background(), s, Request{K: 3, RetainScaler: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if store.scalers != 1 {
		t.Fatalf("expected retained scaler to be stored, got %d", store.scalers)
	}
	assignments, err := p.Assign(s, dataset(cols, rows[:6]))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(assignments) != 6 {
		t.Fatalf("expected 6 assignments, got %d", len(assignments))
	}
	for i, a := range assignments {
		if a.Cluster < 0 || a.Cluster >= report.Segmentation.K {
			t.Fatalf("assignment %d outside clusters: %+v", i, a)
		}
	}

	other, err := p.Open(context.Background(), dataset(cols, rows))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	model, err := p.AttachModel(context.Background(), other, report.Churn.ModelVersion)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if other.Model() != model || model.Version() != report.Churn.ModelVersion {
		t.Fatalf("attached model not on session")
	}
	if _, err := p.AttachModel(context.Background(), other, "missing"); utils.KindOf(err) != utils.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	demographicOnly, err := p.Open(context.Background(), dataset([]string{"age", "spending_score"}, [][]string{{"30", "40"}, {"50", "60"}}))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = p.AttachModel(context.Background(), demographicOnly, report.Churn.ModelVersion)
	if utils.KindOf(err) != utils.KindValidation {
		t.Fatalf("expected validation error for missing features, got %v", err)
	}
}
