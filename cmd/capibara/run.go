package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvothesson/capibara/internal/config"
	"github.com/kvothesson/capibara/internal/domain"
	"github.com/kvothesson/capibara/internal/engine"
)

// Exit codes for the run command.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitPolicyDenied = 2
	ExitTimeout      = 3
)

var (
	runConfigPath  string
	runContextJSON string
	runSelect      []string
	runRefresh     bool
	runTimeout     int
	runVerbose     bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a natural-language script request",
	Long: `Run a prompt through the full pipeline: fingerprint, cache lookup,
generation, policy validation, and sandboxed execution. The result
prints as JSON on stdout.

Examples:
  capibara run "get the price of MLA123456 from mercadolibre"
  capibara run "concatenate the videos" --context '{"videos": ["a.mp4", "b.mp4"]}'
  capibara run "get the price of MLA123456" --select title,price
  capibara run "get the price of MLA123456" --refresh

Exit codes:
  0  success
  1  execution failure
  2  policy denied
  3  execution timed out`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runContextJSON, "context", "", "JSON object passed to the script")
	runCmd.Flags().StringSliceVar(&runSelect, "select", nil, "narrow the output to these field names")
	runCmd.Flags().BoolVar(&runRefresh, "refresh", false, "skip the cache and regenerate the script")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "execution timeout in seconds (0 = default)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "enable debug logging")
}

func runRun(_ *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))

	var runContext map[string]any
	if runContextJSON != "" {
		if err := json.Unmarshal([]byte(runContextJSON), &runContext); err != nil {
			return fmt.Errorf("parsing --context: %w", err)
		}
	}

	logger := newLogger(runVerbose)

	cfg, err := loadConfig(runConfigPath)
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

	result := sc.Engine.Run(ctx, domain.Request{
		Prompt:  prompt,
		Context: runContext,
	}, engine.Options{
		Select:  runSelect,
		Refresh: runRefresh,
		Timeout: time.Duration(runTimeout) * time.Second,
	})

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering result: %w", err)
	}
	fmt.Println(string(data))

	os.Exit(exitCode(result))
	return nil
}

// exitCode maps the result error kind to a process exit code.
func exitCode(result *domain.RunResult) int {
	if result.Status == domain.StatusOK {
		return ExitSuccess
	}
	switch result.ErrorKind {
	case domain.KindPolicy:
		return ExitPolicyDenied
	case domain.KindTimeout:
		return ExitTimeout
	default:
		return ExitFailure
	}
}
