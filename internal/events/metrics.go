package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for bus dispatch.
type Metrics struct {
	Published       *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	Dropped         prometheus.Counter
	DepthCapHits    prometheus.Counter
}

// NewMetrics registers the bus metrics against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lims_events_published_total",
				Help: "Events published to the bus, by event type",
			},
			[]string{"type"},
		),
		HandlerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lims_events_handler_failures_total",
				Help: "Handler invocations that returned an error",
			},
			[]string{"handler"},
		),
		Dropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lims_events_subscriber_drops_total",
				Help: "Envelopes dropped because a subscriber channel was full",
			},
		),
		DepthCapHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lims_events_depth_cap_hits_total",
				Help: "Dispatch chains truncated by the recursion depth cap",
			},
		),
	}
}

// NewNopMetrics returns metrics bound to a throwaway registry, for tests and
// callers that do not scrape.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
