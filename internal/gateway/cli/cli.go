// Package cli implements an interactive CLI gateway for Capibara.
package cli

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kvothesson/capibara/internal/domain"
	"github.com/kvothesson/capibara/internal/engine"
)

// Runner executes the generate/validate/execute pipeline.
type Runner interface {
	Run(ctx context.Context, req domain.Request, opts engine.Options) *domain.RunResult
}

// Gateway is the interactive command-line interface. Each input line is
// a script request; results print as indented JSON.
type Gateway struct {
	runner Runner
	logger *slog.Logger
	done   chan struct{} // closed by Stop to signal shutdown
}

// NewGateway creates a CLI gateway backed by the given runner.
func NewGateway(runner Runner, logger *slog.Logger) *Gateway {
	return &Gateway{
		runner: runner,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("Capibara — natural-language scripts, generated, validated, and run in a sandbox")
	fmt.Println("Type a request (or \"exit\" to quit). Prefix with \"!\" to skip the cache.")
	fmt.Println()

	for {
		fmt.Print("capibara> ")

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down.")
			return nil
		case <-g.done:
			fmt.Println("\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Println("Goodbye.")
			return nil
		}

		refresh := false
		if strings.HasPrefix(line, "!") {
			refresh = true
			line = strings.TrimSpace(strings.TrimPrefix(line, "!"))
			if line == "" {
				continue
			}
		}

		correlationID := newCorrelationID()
		g.logger.DebugContext(ctx, "cli request",
			slog.String("correlation_id", correlationID),
			slog.Bool("refresh", refresh),
		)

		result := g.runner.Run(ctx, domain.Request{Prompt: line}, engine.Options{Refresh: refresh})
		g.printResult(result)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func (g *Gateway) printResult(result *domain.RunResult) {
	fmt.Println()
	if result.Status != domain.StatusOK {
		fmt.Fprintf(os.Stderr, "Error (%s): %s\n", result.ErrorKind, result.Message)
		fmt.Println()
		return
	}

	data, err := json.MarshalIndent(result.Output, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering output: %v\n", err)
		return
	}
	fmt.Println(string(data))
	if len(result.Artifacts) > 0 {
		fmt.Printf("Artifacts created: %s\n", strings.Join(result.Artifacts, ", "))
	}
	if result.CacheHit {
		fmt.Printf("(cached, fingerprint %s)\n", result.Fingerprint)
	} else {
		fmt.Printf("(fingerprint %s)\n", result.Fingerprint)
	}
	fmt.Println()
}

// newCorrelationID generates a short random hex ID for request tracing.
func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
