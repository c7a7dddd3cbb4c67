package generator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for script generation.
type Metrics struct {
	Generations *prometheus.CounterVec
	Fallbacks   prometheus.Counter
	Failures    prometheus.Counter
}

// NewMetrics creates and registers generator metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capibara",
			Subsystem: "generator",
			Name:      "generations_total",
			Help:      "Total scripts generated, labeled by generator.",
		}, []string{"generator"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capibara",
			Subsystem: "generator",
			Name:      "fallbacks_total",
			Help:      "Total generations served by the fallback generator after a provider failure.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capibara",
			Subsystem: "generator",
			Name:      "failures_total",
			Help:      "Total generations that failed entirely.",
		}),
	}

	reg.MustRegister(m.Generations, m.Fallbacks, m.Failures)
	return m
}

func (m *Metrics) countGeneration(name string) {
	if m != nil {
		m.Generations.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) countFallback() {
	if m != nil {
		m.Fallbacks.Inc()
	}
}

func (m *Metrics) countFailure() {
	if m != nil {
		m.Failures.Inc()
	}
}
