// Package httpapi implements the HTTP API gateway for Capibara.
//
// Security:
//   - Optional bearer token authentication (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/kvothesson/capibara/internal/domain"
	"github.com/kvothesson/capibara/internal/engine"
	"github.com/kvothesson/capibara/internal/observability"
	"github.com/kvothesson/capibara/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Runner executes the generate/validate/execute pipeline.
type Runner interface {
	Run(ctx context.Context, req domain.Request, opts engine.Options) *domain.RunResult
}

// ScriptStore exposes the cached script artifacts to the API.
type ScriptStore interface {
	List() ([]domain.Manifest, error)
	Get(fingerprint string) (*domain.Artifact, bool)
	Delete(fingerprint string) error
	Clear() error
}

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	Token          string // Bearer token for /v1 routes. Empty = no auth.
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	runner  Runner
	scripts ScriptStore
	history storage.RunStore // nil = history endpoint disabled.
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
	group   *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runner Runner, scripts ScriptStore, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize == 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		runner:  runner,
		scripts: scripts,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithHistory attaches the run history store to the gateway.
func (g *Gateway) WithHistory(store storage.RunStore) *Gateway {
	g.history = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Capibara",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/run", g.handleRun,
		okapi.DocSummary("Run a natural-language script request"),
		okapi.DocTags("Run"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(domain.RunResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	g.group.Get("/scripts", g.handleScriptList,
		okapi.DocSummary("List cached script artifacts"),
		okapi.DocTags("Scripts"),
		okapi.DocResponse([]domain.Manifest{}),
	)
	g.group.Get("/scripts/{fingerprint}", g.handleScriptGet,
		okapi.DocSummary("Get a cached script artifact by fingerprint"),
		okapi.DocTags("Scripts"),
		okapi.DocPathParam("fingerprint", "string", "Script fingerprint (16 hex chars)"),
		okapi.DocResponse(ScriptResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/scripts/{fingerprint}", g.handleScriptDelete,
		okapi.DocSummary("Delete a cached script artifact"),
		okapi.DocTags("Scripts"),
		okapi.DocPathParam("fingerprint", "string", "Script fingerprint (16 hex chars)"),
		okapi.DocResponse(map[string]string{}),
	)
	g.group.Delete("/scripts", g.handleScriptClear,
		okapi.DocSummary("Clear the entire script cache"),
		okapi.DocTags("Scripts"),
		okapi.DocResponse(map[string]string{}),
	)

	if g.history != nil {
		g.group.Get("/runs", g.handleRunHistory,
			okapi.DocSummary("List recent runs, optionally filtered by fingerprint"),
			okapi.DocTags("Runs"),
			okapi.DocResponse([]domain.RunRecord{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	Prompt          string         `json:"prompt"`
	Context         map[string]any `json:"context,omitempty"`
	Language        string         `json:"language,omitempty"`
	TemplateVersion string         `json:"template_version,omitempty"`
	Select          []string       `json:"select,omitempty"`
	Refresh         bool           `json:"refresh,omitempty"`
	TimeoutSeconds  int            `json:"timeout_seconds,omitempty"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return c.AbortBadRequest("prompt is required")
	}
	if req.TimeoutSeconds < 0 {
		return c.AbortBadRequest("timeout_seconds must not be negative")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http run",
		slog.String("correlation_id", correlationID),
		slog.Bool("refresh", req.Refresh),
	)

	result := g.runner.Run(c.Context(), domain.Request{
		Prompt:          req.Prompt,
		Context:         req.Context,
		Language:        req.Language,
		TemplateVersion: req.TemplateVersion,
	}, engine.Options{
		Select:  req.Select,
		Refresh: req.Refresh,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})

	if result.Status != domain.StatusOK {
		g.logger.Warn("run failed",
			slog.String("correlation_id", correlationID),
			slog.String("error_kind", string(result.ErrorKind)),
		)
	}

	// Pipeline failures are part of the result contract, not HTTP errors.
	return c.OK(result)
}

// ScriptResponse is the JSON response for GET /v1/scripts/{fingerprint}.
type ScriptResponse struct {
	Manifest     domain.Manifest `json:"manifest"`
	Script       string          `json:"script"`
	Requirements string          `json:"requirements,omitempty"`
	Readme       string          `json:"readme,omitempty"`
}

func (g *Gateway) handleScriptList(c *okapi.Context) error {
	manifests, err := g.scripts.List()
	if err != nil {
		g.logger.Error("listing scripts failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing scripts failed")
	}
	if manifests == nil {
		manifests = []domain.Manifest{}
	}
	return c.OK(manifests)
}

func (g *Gateway) handleScriptGet(c *okapi.Context) error {
	fp := c.Param("fingerprint")
	art, ok := g.scripts.Get(fp)
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "script not found"})
	}
	return c.OK(ScriptResponse{
		Manifest:     art.Manifest,
		Script:       art.Script,
		Requirements: art.Requirements,
		Readme:       art.Readme,
	})
}

func (g *Gateway) handleScriptDelete(c *okapi.Context) error {
	fp := c.Param("fingerprint")
	if err := g.scripts.Delete(fp); err != nil {
		g.logger.Error("deleting script failed",
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("deleting script failed")
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleScriptClear(c *okapi.Context) error {
	if err := g.scripts.Clear(); err != nil {
		g.logger.Error("clearing script cache failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("clearing script cache failed")
	}
	return c.OK(map[string]string{"status": "cleared"})
}

func (g *Gateway) handleRunHistory(c *okapi.Context) error {
	query := c.Request().URL.Query()

	limit := 50
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	var (
		records []domain.RunRecord
		err     error
	)
	if fp := query.Get("fingerprint"); fp != "" {
		records, err = g.history.ByFingerprint(c.Context(), fp, limit)
	} else {
		records, err = g.history.Recent(c.Context(), limit)
	}
	if err != nil {
		g.logger.Error("listing run history failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing run history failed")
	}
	if records == nil {
		records = []domain.RunRecord{}
	}
	return c.OK(records)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer token. A gateway with no configured
// token accepts every request.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.Token == "" {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.Token)) != 1 {
			return c.AbortUnauthorized("invalid token")
		}
		return next(c)
	}
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
