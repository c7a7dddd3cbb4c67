package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kvothesson/capibara/internal/domain"
	"github.com/kvothesson/capibara/internal/llm"
)

// Generation parameters. Temperature is kept low so repeated prompts
// produce stable scripts.
const (
	genTemperature = 0.1
	genMaxTokens   = 4000
)

const systemPrompt = `You are an expert Python developer. Generate executable Python scripts.

IMPORTANT: The script must start with this exact metadata header and include the complete Python code.

Required format:
` + "```python" + `
# --- CAPIBARA ---
# language: python
# entry: script.py
# deps: package1==1.0.0,package2==2.0.0
# network: true/false
# template_version: v1
# --- /CAPIBARA ---

import json
import sys

def main():
    if len(sys.argv) < 2:
        print(json.dumps({"status": "error", "message": "No context provided"}))
        return
    try:
        context = json.loads(sys.argv[1])
        # ... your logic here
        result = {
            "status": "ok",
            "artifacts": [],
            "output": {},
            "raw": {},
        }
        print(json.dumps(result))
    except Exception as e:
        print(json.dumps({"status": "error", "message": str(e)}))

if __name__ == "__main__":
    main()
` + "```" + `

Generate ONLY the complete script with the exact header format shown above. Do not include any explanations or markdown formatting.`

// LLMGenerator asks a chat-completion provider for a script. When the
// provider fails or returns nothing usable, generation degrades to the
// fallback generator instead of failing the run.
type LLMGenerator struct {
	provider llm.Provider
	fallback Generator
	logger   *slog.Logger
	metrics  *Metrics
}

func NewLLMGenerator(provider llm.Provider, fallback Generator, logger *slog.Logger) *LLMGenerator {
	return &LLMGenerator{
		provider: provider,
		fallback: fallback,
		logger:   logger,
	}
}

// WithMetrics attaches generation metrics. Nil is allowed.
func (g *LLMGenerator) WithMetrics(m *Metrics) *LLMGenerator {
	g.metrics = m
	return g
}

func (g *LLMGenerator) Name() string { return "llm:" + g.provider.Name() }

func (g *LLMGenerator) Generate(ctx context.Context, req domain.Request) (*Bundle, error) {
	resp, err := g.provider.Complete(ctx, &llm.Request{
		SystemPrompt: systemPrompt,
		Prompt:       g.userPrompt(req),
		MaxTokens:    genMaxTokens,
		Temperature:  genTemperature,
	})
	if err != nil {
		return g.fallbackGenerate(ctx, req, fmt.Errorf("provider %s: %w", g.provider.Name(), err))
	}

	script, ok := extractScript(resp.Content)
	if !ok {
		return g.fallbackGenerate(ctx, req, fmt.Errorf("provider %s: no usable script in response", g.provider.Name()))
	}

	script = ensureHeader(script, req.TemplateVersion)
	meta := parseHeader(script)

	g.logger.InfoContext(ctx, "script generated",
		slog.String("provider", g.provider.Name()),
		slog.Int("deps", len(meta.Deps)),
		slog.Bool("network", meta.Network),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)
	g.metrics.countGeneration(g.Name())

	return &Bundle{
		Script:       script,
		Requirements: requirementsFromDeps(meta.Deps),
		Readme:       buildReadme(req.Prompt, meta.Deps),
		Entry:        meta.Entry,
		Deps:         meta.Deps,
		Allow:        domain.Permissions{Network: meta.Network},
		Outputs:      inferOutputs(script),
	}, nil
}

func (g *LLMGenerator) userPrompt(req domain.Request) string {
	contextJSON := "{}"
	if len(req.Context) > 0 {
		if b, err := json.Marshal(req.Context); err == nil {
			contextJSON = string(b)
		}
	}

	return fmt.Sprintf(`Generate a Python script for: %s

Context: %s

Make sure to:
- Include all necessary imports
- Specify correct dependencies in the deps field
- Set network: true if the script needs internet access
- Print the result JSON as the last stdout line
- Handle edge cases and errors`, req.Prompt, contextJSON)
}

func (g *LLMGenerator) fallbackGenerate(ctx context.Context, req domain.Request, cause error) (*Bundle, error) {
	if g.fallback == nil {
		g.metrics.countFailure()
		return nil, cause
	}

	g.logger.WarnContext(ctx, "llm generation failed, using fallback",
		slog.String("fallback", g.fallback.Name()),
		slog.String("error", cause.Error()),
	)
	g.metrics.countFallback()

	bundle, err := g.fallback.Generate(ctx, req)
	if err != nil {
		g.metrics.countFailure()
		return nil, fmt.Errorf("fallback after %v: %w", cause, err)
	}
	return bundle, nil
}
