package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the worker's Prometheus metrics
type Metrics struct {
	Lookups            *prometheus.CounterVec
	Stores             *prometheus.CounterVec
	NetworkFailures    prometheus.Counter
	Installs           *prometheus.CounterVec
	OptionalFailures   prometheus.Counter
	GenerationsDeleted prometheus.Counter
}

// NewMetrics creates the worker metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecache_lookups_total",
				Help: "Cache lookups by result (hit, miss, error)",
			},
			[]string{"result"},
		),
		Stores: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecache_stores_total",
				Help: "Network responses by storage decision (stored, skipped, failed)",
			},
			[]string{"result"},
		),
		NetworkFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecache_network_failures_total",
				Help: "Intercepted requests answered with the offline placeholder",
			},
		),
		Installs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecache_installs_total",
				Help: "Install attempts by result (success, failure)",
			},
			[]string{"result"},
		),
		OptionalFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecache_optional_failures_total",
				Help: "Optional resources that could not be cached during install",
			},
		),
		GenerationsDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pagecache_generations_deleted_total",
				Help: "Superseded cache generations deleted on activation",
			},
		),
	}
}
