package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness over the dependencies a run needs
// (the Python interpreter, the history database). Checks are registered
// during wiring and probed together on each readiness request.
type HealthChecker struct {
	mu     sync.Mutex
	checks []healthCheck
	logger *slog.Logger
}

type healthCheck struct {
	name  string
	probe func(ctx context.Context) error
}

// HealthStatus is the JSON body of the health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult reports one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Failure reason.
	LatencyMS int64  `json:"latency_ms"`
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named dependency probe.
func (h *HealthChecker) AddCheck(name string, probe func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, healthCheck{name: name, probe: probe})
}

// CheckHealth is liveness: the process is up, so it reports ok.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady probes every registered dependency concurrently under a
// shared timeout. Readiness is "ok" only when all probes pass; a single
// failure degrades the whole status.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]healthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func(c healthCheck) {
			defer wg.Done()
			start := time.Now()
			err := c.probe(probeCtx)
			result := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				result.Status = "fail"
				result.Message = err.Error()
				if h.logger != nil {
					h.logger.Warn("readiness check failed",
						slog.String("check", c.name),
						slog.String("error", err.Error()),
					)
				}
			}

			mu.Lock()
			if result.Status == "fail" {
				status.Status = "degraded"
			}
			status.Checks[c.name] = result
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	return status
}
