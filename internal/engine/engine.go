// Package engine orchestrates the run pipeline: fingerprint the request,
// look up the artifact cache, generate and validate on a miss, persist,
// then execute in the sandbox. Pipeline failures never surface as Go
// errors from Run; they come back as an error RunResult carrying the
// taxonomy kind, so callers handle one shape.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kvothesson/capibara/internal/domain"
	"github.com/kvothesson/capibara/internal/fingerprint"
	"github.com/kvothesson/capibara/internal/generator"
	"github.com/kvothesson/capibara/internal/sandbox"
)

// Validator statically checks a script before it is cached.
type Validator interface {
	Check(ctx context.Context, source string, deps []string) error
}

// ArtifactCache stores script bundles keyed by fingerprint.
type ArtifactCache interface {
	Get(fingerprint string) (*domain.Artifact, bool)
	Put(art *domain.Artifact) error
}

// HistoryRecorder persists run records. Recording failures are logged,
// never fatal to the run.
type HistoryRecorder interface {
	RecordRun(ctx context.Context, rec *domain.RunRecord) error
}

// Options tunes a single run.
type Options struct {
	// Select narrows the result output to these field names. Missing
	// names project to null; selection never fails.
	Select []string

	// Refresh skips the cache lookup and forces regeneration.
	Refresh bool

	// Timeout bounds script execution. Zero = executor default.
	Timeout time.Duration
}

// Engine wires the pipeline collaborators together.
type Engine struct {
	gen      generator.Generator
	checker  Validator
	cache    ArtifactCache
	executor sandbox.Executor
	history  HistoryRecorder
	logger   *slog.Logger
	metrics  *Metrics
}

func New(gen generator.Generator, checker Validator, cache ArtifactCache, executor sandbox.Executor, logger *slog.Logger) *Engine {
	return &Engine{
		gen:      gen,
		checker:  checker,
		cache:    cache,
		executor: executor,
		logger:   logger,
	}
}

// WithHistory attaches a run history recorder. Nil disables history.
func (e *Engine) WithHistory(h HistoryRecorder) *Engine {
	e.history = h
	return e
}

// WithMetrics attaches run metrics. Nil is allowed.
func (e *Engine) WithMetrics(m *Metrics) *Engine {
	e.metrics = m
	return e
}

// Run executes the pipeline for one request. The returned result always
// has a status; inspect Status and ErrorKind rather than an error value.
func (e *Engine) Run(ctx context.Context, req domain.Request, opts Options) *domain.RunResult {
	started := time.Now()
	req = req.Normalized()

	result := e.run(ctx, req, opts)
	result.Duration = time.Since(started)

	e.metrics.observeRun(result)
	e.record(ctx, req, result)

	e.logger.InfoContext(ctx, "run finished",
		slog.String("fingerprint", result.Fingerprint),
		slog.String("status", string(result.Status)),
		slog.Bool("cache_hit", result.CacheHit),
		slog.Duration("duration", result.Duration),
	)
	return result
}

func (e *Engine) run(ctx context.Context, req domain.Request, opts Options) *domain.RunResult {
	if req.Prompt == "" {
		return errorResult(domain.NewRunError(domain.KindContext, "prompt is required", nil))
	}

	fp, err := fingerprint.Generate(req.Prompt, req.Context, req.Language, req.TemplateVersion)
	if err != nil {
		return errorResult(domain.NewRunError(domain.KindContext, "request context is not serializable", err))
	}

	if !opts.Refresh {
		if art, ok := e.cache.Get(fp); ok {
			e.logger.InfoContext(ctx, "cache hit", slog.String("fingerprint", fp))
			return e.execute(ctx, art, req, opts, true)
		}
	}

	bundle, err := e.gen.Generate(ctx, req)
	if err != nil {
		return withFingerprint(errorResult(classify(domain.KindGeneration, "script generation failed", err)), fp)
	}

	if err := e.checker.Check(ctx, bundle.Script, bundle.Deps); err != nil {
		return withFingerprint(errorResult(classify(domain.KindPolicy, "Security validation failed", err)), fp)
	}

	art := e.buildArtifact(req, fp, bundle)
	if err := e.cache.Put(art); err != nil {
		return withFingerprint(errorResult(fmt.Errorf("persisting artifact: %w", err)), fp)
	}

	return e.execute(ctx, art, req, opts, false)
}

func (e *Engine) execute(ctx context.Context, art *domain.Artifact, req domain.Request, opts Options, cacheHit bool) *domain.RunResult {
	result, err := e.executor.Run(ctx, sandbox.RunRequest{
		Artifact: art,
		Context:  req.Context,
		Timeout:  opts.Timeout,
	})
	if err != nil {
		result = errorResult(err)
		result.Fingerprint = art.Manifest.Fingerprint
	}
	result.CacheHit = cacheHit
	applySelect(result, opts.Select)
	return result
}

func (e *Engine) buildArtifact(req domain.Request, fp string, bundle *generator.Bundle) *domain.Artifact {
	contextSHA, _ := fingerprint.ContextSHA(req.Context)

	entry := bundle.Entry
	if entry == "" {
		entry = domain.DefaultEntry
	}

	return &domain.Artifact{
		Manifest: domain.Manifest{
			Fingerprint:     fp,
			PromptSHA:       fingerprint.PromptSHA(req.Prompt),
			ContextSHA:      contextSHA,
			Language:        req.Language,
			Entry:           entry,
			Runtime:         domain.Runtime{Python: domain.DefaultPythonVersion},
			Deps:            bundle.Deps,
			Allow:           bundle.Allow,
			TemplateVersion: req.TemplateVersion,
			CreatedAt:       time.Now().UTC(),
			Outputs:         bundle.Outputs,
		},
		Script:       bundle.Script,
		Requirements: bundle.Requirements,
		Readme:       bundle.Readme,
	}
}

func (e *Engine) record(ctx context.Context, req domain.Request, result *domain.RunResult) {
	if e.history == nil {
		return
	}
	rec := &domain.RunRecord{
		ID:          uuid.New(),
		Fingerprint: result.Fingerprint,
		Prompt:      req.Prompt,
		Status:      string(result.Status),
		ErrorKind:   string(result.ErrorKind),
		Error:       result.Message,
		CacheHit:    result.CacheHit,
		DurationMS:  result.Duration.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.history.RecordRun(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "recording run history failed",
			slog.String("fingerprint", result.Fingerprint),
			slog.String("error", err.Error()),
		)
	}
}

// applySelect narrows output to the selected field names. A name absent
// from the output projects to null. Selection only narrows; it never
// turns a successful run into a failure.
func applySelect(result *domain.RunResult, selected []string) {
	if result.Status != domain.StatusOK || len(selected) == 0 || len(result.Output) == 0 {
		return
	}
	projected := make(map[string]any, len(selected))
	for _, name := range selected {
		projected[name] = result.Output[name]
	}
	result.Output = projected
}

// classify wraps err in a RunError of the given kind unless it already
// carries a taxonomy kind.
func classify(kind domain.ErrorKind, msg string, err error) error {
	var runErr *domain.RunError
	if errors.As(err, &runErr) {
		return err
	}
	return domain.NewRunError(kind, msg, err)
}

func errorResult(err error) *domain.RunResult {
	result := &domain.RunResult{
		Status:    domain.StatusError,
		Message:   err.Error(),
		ErrorKind: domain.KindOf(err),
	}
	var runErr *domain.RunError
	if errors.As(err, &runErr) {
		result.Message = runErr.Message()
	}
	return result
}

func withFingerprint(result *domain.RunResult, fp string) *domain.RunResult {
	result.Fingerprint = fp
	return result
}
