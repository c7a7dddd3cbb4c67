package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvothesson/capibara/internal/config"
	"github.com/kvothesson/capibara/internal/gateway/httpapi"
)

var (
	serveConfigPath string
	servePort       string
	serveDocs       bool
	serveVerbose    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API gateway",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	serveCmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI docs")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "enable debug logging")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(serveVerbose)

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.GatewayConfig{}
		}
		cfg.Gateway.ListenAddr = servePort
	}

	logger.Info("starting in serve mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the cache integrity sweep.
	if sc.Sweeper != nil {
		cancelSweep := sc.Sweeper.Start(ctx)
		defer cancelSweep()
	}

	httpCfg := httpapi.Config{
		ListenAddr: cfg.Gateway.Addr(),
		Token:      cfg.Gateway.Token(),
		EnableDocs: serveDocs,
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}

	gw := httpapi.NewGateway(httpCfg, sc.Engine, sc.Cache, sc.Logger).
		WithHistory(sc.Store.Runs())
	logger.Info("gateway configured",
		slog.String("addr", httpCfg.ListenAddr),
		slog.Bool("auth", httpCfg.Token != ""),
		slog.Bool("metrics", httpCfg.MetricsRegistry != nil),
	)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return gw.Stop(shutdownCtx)
}
