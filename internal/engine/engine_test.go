package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kvothesson/capibara/internal/domain"
	"github.com/kvothesson/capibara/internal/generator"
	"github.com/kvothesson/capibara/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubGenerator returns a fixed bundle or error and counts calls.
type stubGenerator struct {
	bundle *generator.Bundle
	err    error
	calls  int
}

func (s *stubGenerator) Generate(context.Context, domain.Request) (*generator.Bundle, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.bundle, nil
}

func (s *stubGenerator) Name() string { return "stub" }

// stubChecker accepts or rejects everything.
type stubChecker struct{ err error }

func (s stubChecker) Check(context.Context, string, []string) error { return s.err }

// memCache is an in-memory ArtifactCache.
type memCache struct {
	entries map[string]*domain.Artifact
	putErr  error
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]*domain.Artifact{}}
}

func (c *memCache) Get(fp string) (*domain.Artifact, bool) {
	art, ok := c.entries[fp]
	return art, ok
}

func (c *memCache) Put(art *domain.Artifact) error {
	if c.putErr != nil {
		return c.putErr
	}
	c.entries[art.Manifest.Fingerprint] = art
	return nil
}

// stubExecutor returns a canned result or error and captures the request.
type stubExecutor struct {
	result  *domain.RunResult
	err     error
	lastReq sandbox.RunRequest
}

func (s *stubExecutor) Run(_ context.Context, req sandbox.RunRequest) (*domain.RunResult, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	result := *s.result
	result.Fingerprint = req.Artifact.Manifest.Fingerprint
	return &result, nil
}

// stubRecorder captures run records.
type stubRecorder struct {
	records []*domain.RunRecord
	err     error
}

func (s *stubRecorder) RecordRun(_ context.Context, rec *domain.RunRecord) error {
	s.records = append(s.records, rec)
	return s.err
}

func okExecutor(output map[string]any) *stubExecutor {
	return &stubExecutor{result: &domain.RunResult{
		Status: domain.StatusOK,
		Output: output,
	}}
}

func testBundle() *generator.Bundle {
	return &generator.Bundle{
		Script:  "print('hi')",
		Entry:   "script.py",
		Outputs: map[string]string{"output": "dict"},
	}
}

func newEngine(gen *stubGenerator, checker stubChecker, cache *memCache, exec *stubExecutor) *Engine {
	return New(gen, checker, cache, exec, testLogger())
}

func TestRunGeneratesValidatesCachesExecutes(t *testing.T) {
	gen := &stubGenerator{bundle: testBundle()}
	cache := newMemCache()
	exec := okExecutor(map[string]any{"result": float64(8)})
	e := newEngine(gen, stubChecker{}, cache, exec)

	result := e.Run(context.Background(), domain.Request{
		Prompt:  "add two numbers",
		Context: map[string]any{"a": 5, "b": 3},
	}, Options{})

	if result.Status != domain.StatusOK {
		t.Fatalf("status = %s, message = %s", result.Status, result.Message)
	}
	if result.CacheHit {
		t.Error("first run must be a cache miss")
	}
	if result.Fingerprint == "" {
		t.Error("fingerprint not set")
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls)
	}

	art, ok := cache.Get(result.Fingerprint)
	if !ok {
		t.Fatal("artifact not persisted")
	}
	if art.Manifest.Language != domain.DefaultLanguage {
		t.Errorf("manifest language = %q", art.Manifest.Language)
	}
	if art.Manifest.PromptSHA == "" || art.Manifest.ContextSHA == "" {
		t.Error("manifest hashes not set")
	}
	if art.Manifest.Runtime.Python != domain.DefaultPythonVersion {
		t.Errorf("runtime = %+v", art.Manifest.Runtime)
	}

	// The execution request must carry the caller's context object.
	if exec.lastReq.Context["a"] != 5 {
		t.Errorf("context not passed to executor: %v", exec.lastReq.Context)
	}
}

func TestRunCacheHitSkipsGeneration(t *testing.T) {
	gen := &stubGenerator{bundle: testBundle()}
	cache := newMemCache()
	exec := okExecutor(map[string]any{"x": float64(1)})
	e := newEngine(gen, stubChecker{}, cache, exec)

	req := domain.Request{Prompt: "add two numbers"}

	first := e.Run(context.Background(), req, Options{})
	if first.Status != domain.StatusOK || first.CacheHit {
		t.Fatalf("first run: status=%s hit=%v", first.Status, first.CacheHit)
	}

	second := e.Run(context.Background(), req, Options{})
	if !second.CacheHit {
		t.Error("second run must be a cache hit")
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1 (hit must not regenerate)", gen.calls)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("fingerprints differ: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
}

func TestRunRefreshForcesRegeneration(t *testing.T) {
	gen := &stubGenerator{bundle: testBundle()}
	cache := newMemCache()
	e := newEngine(gen, stubChecker{}, cache, okExecutor(nil))

	req := domain.Request{Prompt: "add two numbers"}
	e.Run(context.Background(), req, Options{})

	result := e.Run(context.Background(), req, Options{Refresh: true})
	if result.CacheHit {
		t.Error("refresh run must not report a cache hit")
	}
	if gen.calls != 2 {
		t.Errorf("generator calls = %d, want 2", gen.calls)
	}
}

func TestRunEmptyPrompt(t *testing.T) {
	e := newEngine(&stubGenerator{}, stubChecker{}, newMemCache(), okExecutor(nil))

	result := e.Run(context.Background(), domain.Request{}, Options{})
	if result.Status != domain.StatusError {
		t.Fatal("expected error result")
	}
	if result.ErrorKind != domain.KindContext {
		t.Errorf("kind = %s, want %s", result.ErrorKind, domain.KindContext)
	}
}

func TestRunGeneratorFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("provider down")}
	cache := newMemCache()
	e := newEngine(gen, stubChecker{}, cache, okExecutor(nil))

	result := e.Run(context.Background(), domain.Request{Prompt: "x"}, Options{})
	if result.Status != domain.StatusError {
		t.Fatal("expected error result")
	}
	if result.ErrorKind != domain.KindGeneration {
		t.Errorf("kind = %s, want %s", result.ErrorKind, domain.KindGeneration)
	}
	if len(cache.entries) != 0 {
		t.Error("generation failure must not touch the cache")
	}
}

func TestRunPolicyRejection(t *testing.T) {
	gen := &stubGenerator{bundle: testBundle()}
	cache := newMemCache()
	e := newEngine(gen, stubChecker{err: errors.New("os.system is denied")}, cache, okExecutor(nil))

	result := e.Run(context.Background(), domain.Request{Prompt: "x"}, Options{})
	if result.ErrorKind != domain.KindPolicy {
		t.Errorf("kind = %s, want %s", result.ErrorKind, domain.KindPolicy)
	}
	if len(cache.entries) != 0 {
		t.Error("rejected script must not be cached")
	}
}

func TestRunExecutorErrorKindPreserved(t *testing.T) {
	gen := &stubGenerator{bundle: testBundle()}
	exec := &stubExecutor{err: domain.NewRunError(domain.KindTimeout, "execution timed out after 30s", nil)}
	e := newEngine(gen, stubChecker{}, newMemCache(), exec)

	result := e.Run(context.Background(), domain.Request{Prompt: "x"}, Options{})
	if result.Status != domain.StatusError {
		t.Fatal("expected error result")
	}
	if result.ErrorKind != domain.KindTimeout {
		t.Errorf("kind = %s, want %s", result.ErrorKind, domain.KindTimeout)
	}
	if result.Message != "execution timed out after 30s" {
		t.Errorf("message = %q", result.Message)
	}
	if result.Fingerprint == "" {
		t.Error("fingerprint must be set even on execution failure")
	}
}

func TestRunSelectProjection(t *testing.T) {
	gen := &stubGenerator{bundle: testBundle()}
	exec := okExecutor(map[string]any{"title": "x", "price": float64(10), "currency": "ARS"})
	e := newEngine(gen, stubChecker{}, newMemCache(), exec)

	result := e.Run(context.Background(), domain.Request{Prompt: "item"}, Options{
		Select: []string{"title", "price"},
	})
	if result.Status != domain.StatusOK {
		t.Fatalf("status = %s", result.Status)
	}
	if len(result.Output) != 2 {
		t.Fatalf("output = %v, want exactly title and price", result.Output)
	}
	if result.Output["title"] != "x" || result.Output["price"] != float64(10) {
		t.Errorf("output = %v", result.Output)
	}
}

func TestRunSelectMissingKeyProjectsNull(t *testing.T) {
	gen := &stubGenerator{bundle: testBundle()}
	exec := okExecutor(map[string]any{"title": "x"})
	e := newEngine(gen, stubChecker{}, newMemCache(), exec)

	result := e.Run(context.Background(), domain.Request{Prompt: "item"}, Options{
		Select: []string{"title", "missing"},
	})
	v, present := result.Output["missing"]
	if !present || v != nil {
		t.Errorf("missing key should project to null, got %v (present=%v)", v, present)
	}
}

func TestRunRecordsHistory(t *testing.T) {
	gen := &stubGenerator{bundle: testBundle()}
	recorder := &stubRecorder{}
	e := newEngine(gen, stubChecker{}, newMemCache(), okExecutor(nil)).WithHistory(recorder)

	result := e.Run(context.Background(), domain.Request{Prompt: "add two numbers"}, Options{})

	if len(recorder.records) != 1 {
		t.Fatalf("records = %d, want 1", len(recorder.records))
	}
	rec := recorder.records[0]
	if rec.Fingerprint != result.Fingerprint {
		t.Errorf("record fingerprint = %q, want %q", rec.Fingerprint, result.Fingerprint)
	}
	if rec.Status != string(domain.StatusOK) {
		t.Errorf("record status = %q", rec.Status)
	}
	if rec.Prompt != "add two numbers" {
		t.Errorf("record prompt = %q", rec.Prompt)
	}
}

func TestRunHistoryFailureDoesNotFailRun(t *testing.T) {
	gen := &stubGenerator{bundle: testBundle()}
	recorder := &stubRecorder{err: errors.New("db locked")}
	e := newEngine(gen, stubChecker{}, newMemCache(), okExecutor(nil)).WithHistory(recorder)

	result := e.Run(context.Background(), domain.Request{Prompt: "x"}, Options{})
	if result.Status != domain.StatusOK {
		t.Errorf("history failure leaked into run result: %s", result.Message)
	}
}

func TestRunTimeoutOptionReachesExecutor(t *testing.T) {
	gen := &stubGenerator{bundle: testBundle()}
	exec := okExecutor(nil)
	e := newEngine(gen, stubChecker{}, newMemCache(), exec)

	e.Run(context.Background(), domain.Request{Prompt: "x"}, Options{Timeout: 7 * time.Second})
	if exec.lastReq.Timeout != 7*time.Second {
		t.Errorf("executor timeout = %v", exec.lastReq.Timeout)
	}
}
