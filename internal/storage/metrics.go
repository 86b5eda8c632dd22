package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the storage engine.
type Metrics struct {
	Allocations prometheus.Counter
	Releases    prometheus.Counter
	Moves       prometheus.Counter
	Rejections  *prometheus.CounterVec
	Utilization *prometheus.GaugeVec
}

// NewMetrics registers the storage metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Allocations: factory.NewCounter(prometheus.CounterOpts{
			Name: "lims_storage_allocations_total",
			Help: "Successful sample allocations.",
		}),
		Releases: factory.NewCounter(prometheus.CounterOpts{
			Name: "lims_storage_releases_total",
			Help: "Sample releases.",
		}),
		Moves: factory.NewCounter(prometheus.CounterOpts{
			Name: "lims_storage_moves_total",
			Help: "Sample moves between locations.",
		}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lims_storage_rejections_total",
			Help: "Rejected storage operations by reason.",
		}, []string{"reason"}),
		Utilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lims_storage_location_utilization",
			Help: "Per-location used/capacity ratio.",
		}, []string{"location_id", "zone"}),
	}
}

// NewNopMetrics returns metrics bound to a throwaway registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
