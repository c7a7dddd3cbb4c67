package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvothesson/capibara/internal/config"
	"github.com/kvothesson/capibara/internal/domain"
	"github.com/kvothesson/capibara/internal/storage"
	"github.com/kvothesson/capibara/internal/workspace"
)

var (
	runsConfigPath  string
	runsLimit       int
	runsFingerprint string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent run history",
	RunE:  runRunsList,
}

func init() {
	runsCmd.Flags().StringVar(&runsConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of records to show")
	runsCmd.Flags().StringVar(&runsFingerprint, "fingerprint", "", "only show runs for this script fingerprint")
}

// openStore builds just enough of the stack to reach run history.
func openStore(ctx context.Context) (storage.Store, error) {
	cfg, err := loadConfig(runsConfigPath)
	if err != nil {
		return nil, err
	}

	var ws *workspace.Workspace
	if cfg.Workspace == "" {
		ws, err = workspace.Default()
	} else {
		ws, err = workspace.New(cfg.Workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}

	store, err := initStore(cfg, ws, newLogger(false))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrating storage: %w", err)
	}
	return store, nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var records []domain.RunRecord
	if runsFingerprint != "" {
		records, err = store.Runs().ByFingerprint(ctx, runsFingerprint, runsLimit)
	} else {
		records, err = store.Runs().Recent(ctx, runsLimit)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tFINGERPRINT\tSTATUS\tCACHE\tDURATION\tERROR")
	for _, r := range records {
		errCol := "-"
		if r.ErrorKind != "" {
			errCol = r.ErrorKind
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%dms\t%s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.Fingerprint,
			r.Status,
			r.CacheHit,
			r.DurationMS,
			errCol,
		)
	}
	return w.Flush()
}
