package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvothesson/capibara/internal/domain"
)

// Metrics holds Prometheus metrics for the run pipeline.
type Metrics struct {
	Runs     *prometheus.CounterVec
	Errors   *prometheus.CounterVec
	Duration prometheus.Histogram
}

// NewMetrics creates and registers run metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capibara",
			Subsystem: "run",
			Name:      "total",
			Help:      "Total runs, labeled by status and cache outcome.",
		}, []string{"status", "cache"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capibara",
			Subsystem: "run",
			Name:      "errors_total",
			Help:      "Total failed runs, labeled by error kind.",
		}, []string{"kind"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capibara",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "End-to-end run duration including generation and execution.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}

	reg.MustRegister(m.Runs, m.Errors, m.Duration)
	return m
}

func (m *Metrics) observeRun(result *domain.RunResult) {
	if m == nil {
		return
	}
	cache := "miss"
	if result.CacheHit {
		cache = "hit"
	}
	m.Runs.WithLabelValues(string(result.Status), cache).Inc()
	if result.Status == domain.StatusError {
		m.Errors.WithLabelValues(string(result.ErrorKind)).Inc()
	}
	m.Duration.Observe(result.Duration.Seconds())
}
