package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	Calculations       *prometheus.CounterVec
	CalculationLatency *prometheus.HistogramVec
	FinalScore         prometheus.Histogram
	Failures           *prometheus.CounterVec
	BatchSize          prometheus.Histogram
	InFlight           prometheus.Gauge
}

// NewMetrics registers the engine collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "alphascore"
	}
	factory := promauto.With(reg)

	return &Metrics{
		Calculations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "calculations_total",
			Help:      "Total score calculations by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		CalculationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "calculation_duration_seconds",
			Help:      "Duration of a single score calculation",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"trigger"}),
		FinalScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "final_score",
			Help:      "Distribution of computed AlphaScores",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "failures_total",
			Help:      "Failures by stage (load, audit, write)",
		}, []string{"stage"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "batch_signals",
			Help:      "Distinct signals per batch request",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "in_flight",
			Help:      "Calculations currently running",
		}),
	}
}

func (m *Metrics) observe(r Result, seconds float64) {
	if m == nil {
		return
	}
	trigger := string(r.Trigger)
	m.CalculationLatency.WithLabelValues(trigger).Observe(seconds)

	switch {
	case r.Err != nil:
		m.Calculations.WithLabelValues(trigger, "error").Inc()
		m.Failures.WithLabelValues("load").Inc()
		return
	case r.AuditErr != nil || r.WriteErr != nil:
		m.Calculations.WithLabelValues(trigger, "degraded").Inc()
	default:
		m.Calculations.WithLabelValues(trigger, "ok").Inc()
	}
	if r.AuditErr != nil {
		m.Failures.WithLabelValues("audit").Inc()
	}
	if r.WriteErr != nil {
		m.Failures.WithLabelValues("write").Inc()
	}
	m.FinalScore.Observe(r.Score)
}

func (m *Metrics) batch(n int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(n))
}

func (m *Metrics) inFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}
