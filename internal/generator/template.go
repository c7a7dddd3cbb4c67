package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kvothesson/capibara/internal/domain"
)

// TemplateGenerator serves scripts from a static keyword-matched table.
// It needs no network and no credentials, which makes it both the
// offline mode and the fallback when an LLM provider is unavailable.
type TemplateGenerator struct {
	logger  *slog.Logger
	metrics *Metrics
}

func NewTemplateGenerator(logger *slog.Logger) *TemplateGenerator {
	return &TemplateGenerator{logger: logger}
}

// WithMetrics attaches generation metrics. Nil is allowed.
func (g *TemplateGenerator) WithMetrics(m *Metrics) *TemplateGenerator {
	g.metrics = m
	return g
}

func (g *TemplateGenerator) Name() string { return "template" }

type template struct {
	name    string
	match   []string
	script  string
	deps    []string
	outputs map[string]string
}

var templates = []template{
	{
		name:   "video_concat",
		match:  []string{"video", "concatenate", "moviepy", "mp4"},
		script: videoConcatScript,
		deps:   []string{"moviepy==1.0.3"},
		outputs: map[string]string{
			"artifacts": "list[str]",
			"fps":       "int",
			"duration":  "float",
		},
	},
	{
		name:   "mercadolibre_api",
		match:  []string{"mercadolibre", "mercado libre", "api", "price", "item"},
		script: mercadoLibreScript,
		deps:   []string{"requests==2.31.0"},
		outputs: map[string]string{
			"title":     "str",
			"price":     "float",
			"currency":  "str",
			"condition": "str",
		},
	},
}

// Generate matches the prompt against the template table and falls back
// to a generic echo script when nothing matches.
func (g *TemplateGenerator) Generate(ctx context.Context, req domain.Request) (*Bundle, error) {
	promptLower := strings.ToLower(req.Prompt)

	for _, tpl := range templates {
		for _, kw := range tpl.match {
			if !strings.Contains(promptLower, kw) {
				continue
			}
			g.logger.InfoContext(ctx, "template matched",
				slog.String("template", tpl.name),
			)
			g.metrics.countGeneration(g.Name())

			requirements := requirementsFromDeps(tpl.deps)
			return &Bundle{
				Script:       tpl.script,
				Requirements: requirements,
				Readme:       buildReadme(req.Prompt, tpl.deps),
				Entry:        domain.DefaultEntry,
				Deps:         tpl.deps,
				Allow:        domain.Permissions{Network: strings.Contains(requirements, "requests")},
				Outputs:      tpl.outputs,
			}, nil
		}
	}

	g.logger.InfoContext(ctx, "no template matched, using generic script")
	g.metrics.countGeneration(g.Name())

	return &Bundle{
		Script:  genericScript(req.Prompt),
		Readme:  buildReadme(req.Prompt, nil),
		Entry:   domain.DefaultEntry,
		Allow:   domain.Permissions{},
		Outputs: map[string]string{"raw": "dict"},
	}, nil
}

const videoConcatScript = headerStart + `
# language: python
# entry: script.py
# deps: moviepy==1.0.3
# network: false
# template_version: v1
` + headerEnd + `

import json
import sys
from moviepy.editor import VideoFileClip, concatenate_videoclips


def main():
    if len(sys.argv) < 2:
        print(json.dumps({"status": "error", "message": "No context provided"}))
        return

    try:
        context = json.loads(sys.argv[1])
        inputs = context.get("inputs", [])
        output_path = context.get("output", "output.mp4")
        fps = int(context.get("fps", 24))

        if not inputs:
            print(json.dumps({"status": "error", "message": "No input videos provided"}))
            return

        clips = [VideoFileClip(path) for path in inputs]
        final = concatenate_videoclips(clips)
        final.write_videofile(output_path, fps=fps, logger=None)

        result = {
            "status": "ok",
            "artifacts": [output_path],
            "output": {
                "fps": fps,
                "duration": final.duration,
            },
            "raw": {
                "input_files": inputs,
                "output_file": output_path,
            },
        }
        print(json.dumps(result))
    except Exception as e:
        print(json.dumps({"status": "error", "message": str(e)}))


if __name__ == "__main__":
    main()
`

const mercadoLibreScript = headerStart + `
# language: python
# entry: script.py
# deps: requests==2.31.0
# network: true
# template_version: v1
` + headerEnd + `

import json
import sys
import requests


def main():
    if len(sys.argv) < 2:
        print(json.dumps({"status": "error", "message": "No context provided"}))
        return

    try:
        context = json.loads(sys.argv[1])
        item_id = context.get("item_id")
        if not item_id:
            print(json.dumps({"status": "error", "message": "No item_id provided"}))
            return

        url = f"https://api.mercadolibre.com/items/{item_id}"
        response = requests.get(url, timeout=10)
        response.raise_for_status()
        data = response.json()

        result = {
            "status": "ok",
            "artifacts": [],
            "output": {
                "title": data.get("title"),
                "price": data.get("price"),
                "currency": data.get("currency_id"),
                "condition": data.get("condition"),
            },
            "raw": data,
        }
        print(json.dumps(result))
    except requests.RequestException as e:
        print(json.dumps({"status": "error", "message": f"API request failed: {e}"}))
    except Exception as e:
        print(json.dumps({"status": "error", "message": str(e)}))


if __name__ == "__main__":
    main()
`

// genericScript echoes the context back so the artifact is runnable even
// when no template knows the domain.
func genericScript(prompt string) string {
	return fmt.Sprintf(headerStart+`
# language: python
# entry: script.py
# deps:
# network: false
# template_version: v1
`+headerEnd+`

import json
import sys

# Prompt: %s


def main():
    if len(sys.argv) < 2:
        print(json.dumps({"status": "error", "message": "No context provided"}))
        return

    try:
        context = json.loads(sys.argv[1])
        result = {
            "status": "ok",
            "artifacts": [],
            "output": {},
            "raw": context,
        }
        print(json.dumps(result))
    except Exception as e:
        print(json.dumps({"status": "error", "message": str(e)}))


if __name__ == "__main__":
    main()
`, strings.ReplaceAll(prompt, "\n", " "))
}
