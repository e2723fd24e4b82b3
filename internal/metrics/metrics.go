package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels cycles that published a fresh evaluation.
	OutcomeSuccess = "success"
	// OutcomeStale labels cycles whose telemetry fetch failed or came back empty.
	OutcomeStale = "stale"
	// OutcomeError labels cycles that fetched telemetry but could not evaluate it.
	OutcomeError = "error"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devhops_engine",
			Name:      "cycles_total",
			Help:      "Total number of evaluation cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "devhops_engine",
			Name:      "cycle_seconds",
			Help:      "Evaluation cycle latency in seconds, fetch included.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	fetchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devhops_engine",
			Name:      "fetch_failures_total",
			Help:      "Upstream fetch failures, partitioned by source.",
		},
		[]string{"source"},
	)

	outOfOrderSamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devhops_engine",
			Name:      "out_of_order_samples_total",
			Help:      "Samples rejected because they were older than the newest stored sample.",
		},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devhops_engine",
			Name:      "anomalies_total",
			Help:      "Newly opened anomalies, partitioned by type and severity.",
		},
		[]string{"type", "severity"},
	)

	healthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devhops_engine",
			Name:      "health_score",
			Help:      "Latest health score per service.",
		},
		[]string{"service_id"},
	)
)

// Register attaches the engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		fetchFailuresTotal,
		outOfOrderSamplesTotal,
		anomaliesTotal,
		healthScore,
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

// ObserveCycle records a cycle duration and outcome label.
func ObserveCycle(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeStale, OutcomeError:
	default:
		outcome = OutcomeSuccess
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// FetchFailed counts one failed upstream call.
func FetchFailed(source string) {
	fetchFailuresTotal.WithLabelValues(source).Inc()
}

// OutOfOrderSamples counts n rejected samples.
func OutOfOrderSamples(n int) {
	if n > 0 {
		outOfOrderSamplesTotal.Add(float64(n))
	}
}

// AnomalyOpened counts a newly created anomaly.
func AnomalyOpened(anomalyType, severity string) {
	anomaliesTotal.WithLabelValues(anomalyType, severity).Inc()
}

// SetHealthScore publishes the latest score of serviceID.
func SetHealthScore(serviceID string, score float64) {
	healthScore.WithLabelValues(serviceID).Set(score)
}

// ForgetService drops the per-service series of serviceID.
func ForgetService(serviceID string) {
	healthScore.DeleteLabelValues(serviceID)
}
