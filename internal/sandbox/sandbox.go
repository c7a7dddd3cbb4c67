// Package sandbox executes generated scripts as isolated subprocesses.
// Each run gets an ephemeral working directory, the advisory
// CAPIBARA_* environment contract, resource limits and a wall-clock
// timeout with process-group kill.
package sandbox

import (
	"context"
	"time"

	"github.com/kvothesson/capibara/internal/domain"
)

// Executor runs a script artifact and normalizes its output.
type Executor interface {
	Run(ctx context.Context, req RunRequest) (*domain.RunResult, error)
}

// RunRequest defines what to execute and under what constraints.
type RunRequest struct {
	// Artifact is the validated script bundle to execute.
	Artifact *domain.Artifact

	// Context is the JSON object passed to the script as argv[1].
	Context map[string]any

	// Timeout overrides the executor default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use executor defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}
