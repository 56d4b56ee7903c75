package churn

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/profiler"
	"github.com/miradorstack/mirador-insights/internal/stats"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

var contracts = []string{"Month-to-month", "One year", "Two year"}

// syntheticCustomers draws records where churn rises with monthly charges, falls with tenure
// and is highest on month-to-month contracts.
func syntheticCustomers(n int, seed int64) []models.CanonicalRecord {
	rng := rand.New(rand.NewSource(seed))
	contractEffect := []float64{1.0, -0.5, -1.5}
	out := make([]models.CanonicalRecord, n)
	for i := range out {
		tenure := float64(1 + rng.Intn(72))
		monthly := 20 + rng.Float64()*100
		c := rng.Intn(len(contracts))
		p := stats.Sigmoid(0.08*(monthly-70) - 0.08*(tenure-36) + contractEffect[c])
		out[i] = models.CanonicalRecord{
			ID: i,
			Fields: map[string]models.Value{
				profiler.FieldTenureMonths:   models.Numeric(tenure),
				profiler.FieldMonthlyCharges: models.Numeric(monthly),
				profiler.FieldTotalAmount:    models.Numeric(100 + rng.Float64()*4900),
				profiler.FieldContractType:   models.Categorical(contracts[c]),
				profiler.FieldChurnLabel:     models.Boolean(rng.Float64() < p),
			},
		}
	}
	return out
}

func fitSynthetic(t *testing.T) (*Model, []models.CanonicalRecord) {
	t.Helper()
	records := syntheticCustomers(300, 7)
	m, err := NewEngine(DefaultConfig(), nil).Fit(context.Background(), records, profiler.FieldChurnLabel)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	return m, records
}

func TestFitRequiresLabelDiversity(t *testing.T) {
	records := syntheticCustomers(40, 1)
	for i := range records {
		records[i].Fields[profiler.FieldChurnLabel] = models.Boolean(false)
	}
	records[0].Fields[profiler.FieldChurnLabel] = models.MissingValue(models.TypeBoolean)

	m, err := NewEngine(DefaultConfig(), nil).Fit(context.Background(), records, profiler.FieldChurnLabel)
	if err == nil || m != nil {
		t.Fatalf("expected data error, got model %v err %v", m, err)
	}
	if utils.KindOf(err) != utils.KindData {
		t.Fatalf("expected data kind, got %s", utils.KindOf(err))
	}
}

func TestFitCancelledReturnsNoModel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := NewEngine(DefaultConfig(), nil).Fit(ctx, syntheticCustomers(50, 3), profiler.FieldChurnLabel)
	if m != nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got model %v err %v", m, err)
	}
}

func TestFitSelectsPresentFeaturesInOrder(t *testing.T) {
	m, _ := fitSynthetic(t)
	var names []string
	for _, f := range m.Features() {
		names = append(names, f.Name)
	}
	want := []string{profiler.FieldTenureMonths, profiler.FieldTotalAmount, profiler.FieldMonthlyCharges, profiler.FieldContractType}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("unexpected features %v", names)
	}
	contract := m.Features()[3]
	if contract.Categories[0] != "Two year" || contract.Categories[2] != "Month-to-month" {
		t.Fatalf("categories should be ordered by churn rate, got %v", contract.Categories)
	}
}

func TestAttributionSumsToMarginDelta(t *testing.T) {
	m, records := fitSynthetic(t)
	for _, rec := range records[:25] {
		x, _ := m.vectorize(rec.Fields)
		sum := 0.0
		for _, a := range m.Attribute(rec) {
			sum += a.Contribution
		}
		if delta := m.margin(x) - m.expectedMargin; math.Abs(sum-delta) > 1e-9 {
			t.Fatalf("record %d: contributions sum %f, margin delta %f", rec.ID, sum, delta)
		}
	}
}

func TestTreeShapleyHandComputed(t *testing.T) {
	tr := tree{nodes: []node{
		{feature: 0, threshold: 0.5, left: 1, right: 2, cover: 10},
		{feature: -1, value: 1, cover: 4},
		{feature: 1, threshold: 0.5, left: 3, right: 4, cover: 6},
		{feature: -1, value: 2, cover: 3},
		{feature: -1, value: 4, cover: 3},
	}}
	phi := make([]float64, 2)
	tr.shapley([]float64{1, 1}, phi)
	if math.Abs(phi[0]-1.0) > 1e-12 || math.Abs(phi[1]-0.8) > 1e-12 {
		t.Fatalf("unexpected shapley values %v", phi)
	}
	if math.Abs(tr.expectation()-2.2) > 1e-12 {
		t.Fatalf("unexpected expectation %f", tr.expectation())
	}
}

func TestTopKOrderedByMagnitude(t *testing.T) {
	m, records := fitSynthetic(t)
	a := m.Assess(records[0])
	if len(a.Attributions) != len(m.Features()) {
		t.Fatalf("expected every feature within top-k, got %d", len(a.Attributions))
	}
	for i := 1; i < len(a.Attributions); i++ {
		if a.Attributions[i].Magnitude > a.Attributions[i-1].Magnitude {
			t.Fatalf("attributions not ranked: %+v", a.Attributions)
		}
	}
	if a.Probability < 0 || a.Probability > 1 || a.Group != GroupFor(a.Probability) {
		t.Fatalf("unexpected assessment %+v", a)
	}
}

func TestSimulateDoesNotMutate(t *testing.T) {
	m, records := fitSynthetic(t)
	before := m.Assess(records[0])
	fieldsBefore := make(map[string]models.Value)
	for k, v := range records[1].Fields {
		fieldsBefore[k] = v
	}

	if _, err := m.Simulate(records[1], map[string]models.Value{
		profiler.FieldContractType: models.Categorical("Two year"),
		profiler.FieldTenureMonths: models.Numeric(70),
	}); err != nil {
		t.Fatalf("simulate: %v", err)
	}

	if after := m.Assess(records[0]); !reflect.DeepEqual(before, after) {
		t.Fatalf("scoring changed after simulate: %+v vs %+v", before, after)
	}
	if !reflect.DeepEqual(fieldsBefore, records[1].Fields) {
		t.Fatalf("simulate mutated the record")
	}
}

func TestSimulateRejectsOutOfDomainOverrides(t *testing.T) {
	m, records := fitSynthetic(t)
	_, err := m.Simulate(records[0], map[string]models.Value{
		"favourite_colour":           models.Categorical("blue"),
		profiler.FieldContractType:   models.Categorical("Ten year"),
		profiler.FieldMonthlyCharges: models.Categorical("lots"),
		profiler.FieldTenureMonths:   models.Numeric(12),
	})
	if utils.KindOf(err) != utils.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := []string{profiler.FieldContractType, "favourite_colour", profiler.FieldMonthlyCharges}
	if got := utils.FieldsOf(err); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected fields %v, got %v", want, got)
	}
}

func TestSimulateDirectionMatchesAttribution(t *testing.T) {
	m, records := fitSynthetic(t)

	var chargeDelta, tenureDelta float64
	for _, rec := range records {
		base := m.Assess(rec).Probability
		monthly, _ := rec.Num(profiler.FieldMonthlyCharges)
		tenure, _ := rec.Num(profiler.FieldTenureMonths)

		up, err := m.Simulate(rec, map[string]models.Value{profiler.FieldMonthlyCharges: models.Numeric(monthly + 30)})
		if err != nil {
			t.Fatalf("simulate: %v", err)
		}
		chargeDelta += up.Probability - base

		longer, err := m.Simulate(rec, map[string]models.Value{profiler.FieldTenureMonths: models.Numeric(tenure + 24)})
		if err != nil {
			t.Fatalf("simulate: %v", err)
		}
		tenureDelta += longer.Probability - base
	}
	if chargeDelta < 0 {
		t.Fatalf("raising monthly charges lowered risk on average: %f", chargeDelta)
	}
	if tenureDelta > 0 {
		t.Fatalf("raising tenure increased risk on average: %f", tenureDelta)
	}

	dirs := make(map[string]models.Direction)
	for _, imp := range m.DirectionalImportance(records) {
		dirs[imp.Feature] = imp.Direction
	}
	if dirs[profiler.FieldMonthlyCharges] != models.DirectionIncreases {
		t.Fatalf("monthly charges should increase risk, got %s", dirs[profiler.FieldMonthlyCharges])
	}
	if dirs[profiler.FieldTenureMonths] != models.DirectionDecreases {
		t.Fatalf("tenure should decrease risk, got %s", dirs[profiler.FieldTenureMonths])
	}
}

func TestScoreImputesAbsentAndUnseenValues(t *testing.T) {
	m, _ := fitSynthetic(t)
	rec := models.CanonicalRecord{ID: 99, Fields: map[string]models.Value{
		profiler.FieldContractType: models.Categorical("Lifetime"),
		"unrelated":                models.Numeric(1),
	}}
	got := m.Score([]models.CanonicalRecord{rec})[0]
	want := m.Assess(m.Baseline())
	if got.Probability != want.Probability {
		t.Fatalf("expected baseline probability %f, got %f", want.Probability, got.Probability)
	}
	if _, ok := got.Features["unrelated"]; ok {
		t.Fatalf("fields outside the model must be ignored")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	m, records := fitSynthetic(t)
	restored, err := ImportModel(m.Export(), DefaultConfig().TopK)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if restored.Version() != m.Version() || math.Abs(restored.expectedMargin-m.expectedMargin) > 1e-12 {
		t.Fatalf("restored model differs")
	}
	for _, rec := range records[:10] {
		if a, b := m.Assess(rec).Probability, restored.Assess(rec).Probability; a != b {
			t.Fatalf("record %d: %f vs %f", rec.ID, a, b)
		}
	}

	bad := m.Export()
	bad.Kind = "other"
	if _, err := ImportModel(bad, 5); err == nil {
		t.Fatalf("expected kind mismatch error")
	}
}

func TestGroupFor(t *testing.T) {
	cases := map[float64]models.RiskGroup{0: models.RiskLow, 0.39: models.RiskLow, 0.4: models.RiskMedium, 0.69: models.RiskMedium, 0.7: models.RiskHigh, 1: models.RiskHigh}
	for p, want := range cases {
		if got := GroupFor(p); got != want {
			t.Fatalf("GroupFor(%v) = %s, want %s", p, got, want)
		}
	}
}

func TestBoostingSquaredErrorFitsStep(t *testing.T) {
	x := make([][]float64, 40)
	y := make([]float64, 40)
	for i := range x {
		x[i] = []float64{float64(i)}
		if i >= 20 {
			y[i] = 10
		}
	}
	residuals := func(pred, grad, hess []float64) {
		for i := range pred {
			grad[i] = pred[i] - y[i]
			hess[i] = 1
		}
	}
	b := Boosting{Rounds: 30, MaxDepth: 2, LearningRate: 0.5, Lambda: 0, MinChildWeight: 1}
	ens, err := b.Fit(context.Background(), x, 5, residuals)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if ens.Len() != 30 {
		t.Fatalf("expected 30 trees, got %d", ens.Len())
	}
	if lo, hi := ens.Predict([]float64{3}), ens.Predict([]float64{35}); math.Abs(lo) > 0.01 || math.Abs(hi-10) > 0.01 {
		t.Fatalf("step not recovered: %f %f", lo, hi)
	}

	restored, err := ImportEnsemble(ens.Base, ens.ExportTrees(), 1)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if restored.Predict([]float64{25}) != ens.Predict([]float64{25}) {
		t.Fatalf("restored ensemble differs")
	}
	if _, err := ImportEnsemble(0, ens.ExportTrees(), 0); err == nil {
		t.Fatalf("expected feature range error")
	}
}
