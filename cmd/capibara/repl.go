package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kvothesson/capibara/internal/config"
	"github.com/kvothesson/capibara/internal/gateway/cli"
)

var (
	replConfigPath string
	replVerbose    bool
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive prompt session",
	RunE:  runRepl,
}

func init() {
	replCmd.Flags().StringVar(&replConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	replCmd.Flags().BoolVarP(&replVerbose, "verbose", "v", false, "enable debug logging")
}

func runRepl(_ *cobra.Command, _ []string) error {
	logger := newLogger(replVerbose)

	cfg, err := loadConfig(replConfigPath)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := cli.NewGateway(sc.Engine, logger)
	return gw.Start(ctx)
}
