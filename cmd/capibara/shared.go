package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvothesson/capibara/internal/cache"
	"github.com/kvothesson/capibara/internal/config"
	"github.com/kvothesson/capibara/internal/engine"
	"github.com/kvothesson/capibara/internal/generator"
	"github.com/kvothesson/capibara/internal/llm"
	"github.com/kvothesson/capibara/internal/llm/openai"
	"github.com/kvothesson/capibara/internal/observability"
	"github.com/kvothesson/capibara/internal/sandbox"
	"github.com/kvothesson/capibara/internal/secrets"
	"github.com/kvothesson/capibara/internal/security"
	"github.com/kvothesson/capibara/internal/storage"
	sqlitestore "github.com/kvothesson/capibara/internal/storage/sqlite"
	"github.com/kvothesson/capibara/internal/workspace"

	goutils "github.com/jkaninda/go-utils"
)

const groqBaseURL = "https://api.groq.com/openai"

// Default models when the config leaves them unset.
const (
	defaultGroqModel   = "llama-3.3-70b-versatile"
	defaultOpenAIModel = "gpt-4o-mini"
	defaultOllamaModel = "llama3"
)

// SharedComponents holds all initialized subsystems that both serve and
// one-shot modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace

	Obs       *observability.Observability
	Cache     *cache.Store
	Validator *security.Validator
	Executor  sandbox.Executor
	Generator generator.Generator
	Store     storage.Store
	Engine    *engine.Engine
	Sweeper   *cache.Sweeper // nil = integrity sweep disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig loads the config file at path, falling back to built-in
// defaults when the conventional config location does not exist.
func loadConfig(path string) (*config.Config, error) {
	resolved := goutils.Env("CAPIBARA_CONFIG", path)

	if resolved == config.DefaultConfigPath() {
		if _, err := os.Stat(resolved); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(resolved)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// initShared performs all common initialization shared between serve and
// one-shot modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Secrets. Provider API keys and the gateway token may be credential
	// references instead of inline values.
	if err := resolveSecrets(cfg, logger); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}
	reg := obs.Registry()

	// Script cache.
	cacheStore, err := cache.NewStore(ws.ScriptsDir(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing script cache: %w", err)
	}
	cacheMetrics := cache.NewMetrics(reg)
	cacheStore.WithMetrics(cacheMetrics)
	sc.Cache = cacheStore
	logger.Debug("script cache initialized", slog.String("dir", cacheStore.Root()))

	// Static policy validator.
	validator := security.NewValidator(logger)
	sc.Validator = validator

	// Sandbox executor.
	executor := sandbox.NewProcessExecutor(sandbox.ProcessConfig{
		PythonBin:      cfg.Sandbox.Python(),
		RunsDir:        ws.RunsDir(),
		DefaultTimeout: cfg.Sandbox.Timeout(),
		InstallTimeout: cfg.Sandbox.InstallTimeout(),
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.CPULimit(),
			MaxMemoryMB:   cfg.Sandbox.MemoryLimitMB(),
		},
	}, validator, logger)
	sc.Executor = executor
	logger.Debug("sandbox initialized",
		slog.String("python", cfg.Sandbox.Python()),
		slog.Duration("timeout", cfg.Sandbox.Timeout()),
		slog.Int("max_memory_mb", cfg.Sandbox.MemoryLimitMB()),
	)

	// Generator.
	gen, err := initGenerator(cfg, reg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing generator: %w", err)
	}
	sc.Generator = gen
	logger.Debug("generator initialized", slog.String("name", gen.Name()))

	// Run history storage.
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		python := cfg.Sandbox.Python()
		obs.Health.AddCheck("python", func(_ context.Context) error {
			_, err := exec.LookPath(python)
			return err
		})
		if sqlStore, ok := store.(*sqlitestore.Store); ok {
			obs.Health.AddCheck("database", func(ctx context.Context) error {
				db, err := sqlStore.GormDB().DB()
				if err != nil {
					return err
				}
				return db.PingContext(ctx)
			})
		}
	}

	// Pipeline engine.
	sc.Engine = engine.New(gen, validator, cacheStore, executor, logger).
		WithHistory(store.Runs()).
		WithMetrics(engine.NewMetrics(reg))

	// Cache integrity sweep.
	if cfg.Sweep != nil && cfg.Sweep.Enabled {
		sweeper, err := cache.NewSweeper(cacheStore, validator, cfg.Sweep.CronSpec(), cacheMetrics, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing cache sweeper: %w", err)
		}
		sc.Sweeper = sweeper
		logger.Debug("cache sweeper initialized", slog.String("schedule", cfg.Sweep.CronSpec()))
	}

	return sc, nil
}

// resolveSecrets resolves credential references in the config through the
// configured secret provider chain.
func resolveSecrets(cfg *config.Config, logger *slog.Logger) error {
	provider, err := secrets.FromConfig(cfg.Secrets)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.Providers.Groq.APIKey, err = secrets.ResolveValue(ctx, provider, cfg.Providers.Groq.APIKey); err != nil {
		return fmt.Errorf("groq api key: %w", err)
	}
	if cfg.Providers.OpenAI.APIKey, err = secrets.ResolveValue(ctx, provider, cfg.Providers.OpenAI.APIKey); err != nil {
		return fmt.Errorf("openai api key: %w", err)
	}
	if cfg.Gateway != nil {
		if cfg.Gateway.AuthToken, err = secrets.ResolveValue(ctx, provider, cfg.Gateway.AuthToken); err != nil {
			return fmt.Errorf("gateway auth token: %w", err)
		}
	}

	logger.Debug("secrets resolved", slog.String("provider", provider.Name()))
	return nil
}

// initWorkspace creates and returns the workspace, resolving the root
// from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.Workspace)
}

// initGenerator builds the configured generator. Template generation is
// always available; LLM mode layers a provider on top with the template
// generator as fallback.
func initGenerator(cfg *config.Config, reg *prometheus.Registry, logger *slog.Logger) (generator.Generator, error) {
	metrics := generator.NewMetrics(reg)
	tmpl := generator.NewTemplateGenerator(logger).WithMetrics(metrics)

	if cfg.GeneratorMode() != "llm" {
		return tmpl, nil
	}

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	return generator.NewLLMGenerator(provider, tmpl, logger).WithMetrics(metrics), nil
}

// buildProvider creates the LLM provider named by the config default.
func buildProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name := cfg.Providers.DefaultProvider(); name {
	case "groq":
		baseURL := cfg.Providers.Groq.BaseURL
		if baseURL == "" {
			baseURL = groqBaseURL
		}
		model := cfg.Providers.Groq.Model
		if model == "" {
			model = defaultGroqModel
		}
		return openai.NewClient(
			cfg.Providers.Groq.APIKey,
			model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("groq"),
		), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		model := cfg.Providers.OpenAI.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := "http://localhost:11434"
		model := defaultOllamaModel
		if cfg.Providers.Ollama != nil {
			if cfg.Providers.Ollama.BaseURL != "" {
				baseURL = cfg.Providers.Ollama.BaseURL
			}
			if cfg.Providers.Ollama.Model != "" {
				model = cfg.Providers.Ollama.Model
			}
		}
		return openai.NewClient(
			"",
			model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.Storage.StorageDriver()
	if driver != storage.DriverSQLite {
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}

	dbPath := ws.DatabasePath()
	journalMode := ""
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		journalMode = cfg.Storage.SQLite.Journal()
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}
