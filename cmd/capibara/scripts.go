package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kvothesson/capibara/internal/cache"
	"github.com/kvothesson/capibara/internal/config"
	"github.com/kvothesson/capibara/internal/workspace"
)

var scriptsConfigPath string

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "Inspect and manage the cached script artifacts",
}

var scriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached scripts",
	RunE:  runScriptsList,
}

var scriptsShowCmd = &cobra.Command{
	Use:   "show <fingerprint>",
	Short: "Print a cached script and its manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptsShow,
}

var scriptsRemoveCmd = &cobra.Command{
	Use:   "rm <fingerprint>",
	Short: "Delete one cached script",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptsRemove,
}

var scriptsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached script",
	RunE:  runScriptsClear,
}

func init() {
	scriptsCmd.PersistentFlags().StringVar(&scriptsConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	scriptsCmd.AddCommand(scriptsListCmd, scriptsShowCmd, scriptsRemoveCmd, scriptsClearCmd)
}

// openCache builds just enough of the stack to reach the script cache.
func openCache() (*cache.Store, error) {
	cfg, err := loadConfig(scriptsConfigPath)
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

	return cache.NewStore(ws.ScriptsDir(), newLogger(false))
}

func runScriptsList(_ *cobra.Command, _ []string) error {
	store, err := openCache()
	if err != nil {
		return err
	}

	manifests, err := store.List()
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Println("no cached scripts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINGERPRINT\tLANGUAGE\tDEPS\tNETWORK\tCREATED")
	for _, m := range manifests {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n",
			m.Fingerprint,
			m.Language,
			len(m.Deps),
			m.Allow.Network,
			m.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func runScriptsShow(_ *cobra.Command, args []string) error {
	store, err := openCache()
	if err != nil {
		return err
	}

	fp := args[0]
	art, ok := store.Get(fp)
	if !ok {
		return fmt.Errorf("no cached script with fingerprint %q", fp)
	}

	m := art.Manifest
	fmt.Printf("fingerprint:      %s\n", m.Fingerprint)
	fmt.Printf("language:         %s\n", m.Language)
	fmt.Printf("entry:            %s\n", m.Entry)
	fmt.Printf("template_version: %s\n", m.TemplateVersion)
	fmt.Printf("network:          %t\n", m.Allow.Network)
	fmt.Printf("created:          %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"))
	if len(m.Deps) > 0 {
		fmt.Printf("deps:             %s\n", strings.Join(m.Deps, ", "))
	}
	if len(m.Outputs) > 0 {
		names := make([]string, 0, len(m.Outputs))
		for name := range m.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("outputs:          %s\n", strings.Join(names, ", "))
	}
	fmt.Println()
	fmt.Println(art.Script)
	return nil
}

func runScriptsRemove(_ *cobra.Command, args []string) error {
	store, err := openCache()
	if err != nil {
		return err
	}

	if err := store.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runScriptsClear(_ *cobra.Command, _ []string) error {
	store, err := openCache()
	if err != nil {
		return err
	}

	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Println("script cache cleared")
	return nil
}
