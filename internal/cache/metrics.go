package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the artifact cache.
type Metrics struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Writes        prometheus.Counter
	SweepsRun     prometheus.Counter
	Quarantined   prometheus.Counter
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers cache metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capibara",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total cache lookups that returned a usable artifact.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capibara",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total cache lookups that missed (including corrupted entries).",
		}),
		Writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capibara",
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Total artifacts written to the cache.",
		}),
		SweepsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capibara",
			Subsystem: "cache",
			Name:      "sweeps_total",
			Help:      "Total integrity sweeps executed.",
		}),
		Quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capibara",
			Subsystem: "cache",
			Name:      "quarantined_total",
			Help:      "Total entries quarantined by the integrity sweep.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capibara",
			Subsystem: "cache",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each cache integrity sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Hits,
		m.Misses,
		m.Writes,
		m.SweepsRun,
		m.Quarantined,
		m.SweepDuration,
	)

	return m
}
