package saga

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the coordinator.
type Metrics struct {
	Started          *prometheus.CounterVec
	Finished         *prometheus.CounterVec
	StepRetries      prometheus.Counter
	Compensations    prometheus.Counter
	CompensationSkip prometheus.Counter
	Duration         *prometheus.HistogramVec
}

// NewMetrics registers the saga metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Started: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lims_saga_started_total",
			Help: "Saga instances started, by definition.",
		}, []string{"definition"}),
		Finished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lims_saga_finished_total",
			Help: "Saga instances finished, by definition and terminal state.",
		}, []string{"definition", "state"}),
		StepRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "lims_saga_step_retries_total",
			Help: "Forward step retry attempts.",
		}),
		Compensations: factory.NewCounter(prometheus.CounterOpts{
			Name: "lims_saga_compensations_total",
			Help: "Compensation executions.",
		}),
		CompensationSkip: factory.NewCounter(prometheus.CounterOpts{
			Name: "lims_saga_compensations_skipped_total",
			Help: "Best-effort compensations skipped after exhausting retries.",
		}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lims_saga_duration_seconds",
			Help:    "Wall time from start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"definition"}),
	}
}

// NewNopMetrics returns metrics bound to a throwaway registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
