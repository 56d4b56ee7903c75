package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}

	ObserveAnalysis(-time.Second, "weird")
	ObserveCapability("churn", "full")
	ObserveFit("churn", 20*time.Millisecond)
	ObserveSimulation(OutcomeError)
	SetActiveSessions(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"mirador_insights_analyses_total",
		"mirador_insights_capability_decisions_total",
		"mirador_insights_active_sessions",
	} {
		if !names[want] {
			t.Fatalf("expected %s to be gathered, got %v", want, names)
		}
	}
}

func TestNormalizeOutcome(t *testing.T) {
	if normalizeOutcome("anything") != OutcomeSuccess {
		t.Fatalf("unknown outcomes should fold to success")
	}
	if normalizeOutcome(OutcomeCancelled) != OutcomeCancelled {
		t.Fatalf("cancelled should be preserved")
	}
}
