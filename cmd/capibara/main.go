// Capibara — natural-language scripts, generated, validated, and run in a sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "capibara",
	Short: "Capibara — turn natural-language requests into sandboxed scripts.",
	Long: `Capibara turns a natural-language prompt into a runnable script,
validates it against an import allowlist and dangerous-pattern policy,
caches it by request fingerprint, and executes it in a sandboxed
subprocess. Repeat requests reuse the cached script without touching
the generator.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, serveCmd, replCmd, scriptsCmd, runsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
