package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful pipeline runs.
	OutcomeSuccess = "success"
	// OutcomeError labels failed runs.
	OutcomeError = "error"
	// OutcomeCancelled labels runs abandoned because the caller went away.
	OutcomeCancelled = "cancelled"
)

var (
	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_insights",
			Name:      "analyses_total",
			Help:      "Total number of analysis runs handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_insights",
			Name:      "analysis_seconds",
			Help:      "Analysis latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	capabilityDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_insights",
			Name:      "capability_decisions_total",
			Help:      "Capability gateway decisions, partitioned by capability and mode.",
		},
		[]string{"capability", "mode"},
	)

	modelFitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_insights",
			Name:      "model_fit_seconds",
			Help:      "Engine fit latency in seconds, partitioned by engine.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	simulationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_insights",
			Name:      "simulations_total",
			Help:      "What-if simulations handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_insights",
			Name:      "active_sessions",
			Help:      "Number of analysis sessions currently held in memory.",
		},
	)
)

// Register attaches mirador-insights collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		analysesTotal,
		analysisDurationSeconds,
		capabilityDecisionsTotal,
		modelFitSeconds,
		simulationsTotal,
		activeSessions,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func normalizeOutcome(outcome string) string {
	switch outcome {
	case OutcomeError, OutcomeCancelled:
		return outcome
	default:
		return OutcomeSuccess
	}
}

// ObserveAnalysis records an analysis duration and outcome label.
func ObserveAnalysis(duration time.Duration, outcome string) {
	analysesTotal.WithLabelValues(normalizeOutcome(outcome)).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}

// ObserveCapability counts one gateway decision.
func ObserveCapability(capability, mode string) {
	capabilityDecisionsTotal.WithLabelValues(capability, mode).Inc()
}

// ObserveFit records how long an engine took to fit.
func ObserveFit(engine string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	modelFitSeconds.WithLabelValues(engine).Observe(duration.Seconds())
}

// ObserveSimulation counts a what-if request.
func ObserveSimulation(outcome string) {
	simulationsTotal.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

// SetActiveSessions publishes the live session count.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}
