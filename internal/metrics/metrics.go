package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed correlation passes.
	OutcomeSuccess = "success"
	// OutcomePartial labels passes degraded by upstream timeouts.
	OutcomePartial = "partial"
	// OutcomeError labels failed passes.
	OutcomeError = "error"
)

var (
	signalsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "signals_ingested_total",
			Help:      "Total signals accepted at the ingestion boundary, by kind.",
		},
		[]string{"kind"},
	)

	signalsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "signals_rejected_total",
			Help:      "Total signals rejected by validation.",
		},
	)

	correlationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "correlations_total",
			Help:      "Total correlation passes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	correlationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "incident_engine",
			Name:      "correlation_seconds",
			Help:      "Correlation pass latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10},
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "lifecycle_transitions_total",
			Help:      "Total applied lifecycle transitions, by target status.",
		},
		[]string{"to"},
	)

	transitionsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "incident_engine",
			Name:      "lifecycle_transitions_rejected_total",
			Help:      "Transitions rejected by lifecycle preconditions.",
		},
	)
)

// Register attaches incident-engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		signalsIngestedTotal,
		signalsRejectedTotal,
		correlationsTotal,
		correlationDurationSeconds,
		transitionsTotal,
		transitionsRejectedTotal,
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

// ObserveSignal records an accepted signal.
func ObserveSignal(kind string) {
	signalsIngestedTotal.WithLabelValues(kind).Inc()
}

// ObserveSignalRejected records a validation rejection.
func ObserveSignalRejected() {
	signalsRejectedTotal.Inc()
}

// ObserveCorrelation records a correlation pass duration and outcome label.
func ObserveCorrelation(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomePartial, OutcomeError:
	default:
		outcome = OutcomeSuccess
	}
	correlationsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	correlationDurationSeconds.Observe(duration.Seconds())
}

// ObserveTransition records an applied lifecycle transition.
func ObserveTransition(to string) {
	transitionsTotal.WithLabelValues(to).Inc()
}

// ObserveTransitionRejected records a precondition rejection.
func ObserveTransitionRejected() {
	transitionsRejectedTotal.Inc()
}
