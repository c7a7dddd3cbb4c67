package generator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kvothesson/capibara/internal/domain"
)

// Scripts carry a structured metadata header so an artifact remains
// self-describing after it leaves the cache:
//
//	# --- CAPIBARA ---
//	# language: python
//	# entry: script.py
//	# deps: requests==2.31.0,pandas==2.0.0
//	# network: true
//	# template_version: v1
//	# --- /CAPIBARA ---
const (
	headerStart = "# --- CAPIBARA ---"
	headerEnd   = "# --- /CAPIBARA ---"

	// Optional delimiters a model may wrap the whole script in.
	delimStart = "# --- CAPIBARA_START ---"
	delimEnd   = "# --- CAPIBARA_END ---"
)

var (
	headerRe     = regexp.MustCompile(`(?s)# --- CAPIBARA ---\s*(.*?)\s*# --- /CAPIBARA ---`)
	fencedCodeRe = regexp.MustCompile("(?s)```(?:python)?\\s*(.*?)\\s*```")
)

// headerMeta is the parsed script header.
type headerMeta struct {
	Language        string
	Entry           string
	Deps            []string
	Network         bool
	TemplateVersion string
}

// parseHeader reads the metadata header. Missing fields keep their
// defaults; a script without a header parses as all defaults.
func parseHeader(script string) headerMeta {
	meta := headerMeta{
		Language: domain.DefaultLanguage,
		Entry:    domain.DefaultEntry,
	}

	m := headerRe.FindStringSubmatch(script)
	if m == nil {
		return meta
	}

	for _, line := range strings.Split(m[1], "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") || !strings.Contains(line, ":") {
			continue
		}
		key, value, _ := strings.Cut(line[1:], ":")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "language":
			meta.Language = value
		case "entry":
			meta.Entry = value
		case "deps":
			meta.Deps = splitDeps(value)
		case "network":
			meta.Network = strings.EqualFold(value, "true")
		case "template_version":
			meta.TemplateVersion = value
		}
	}
	return meta
}

func splitDeps(s string) []string {
	var deps []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}
	return deps
}

// extractScript pulls the script body out of a model response. Models do
// not reliably honor output instructions, so extraction degrades through
// several shapes before giving up: explicit delimiters, a fenced code
// block, a bare headered script, and finally the whole content when it
// looks like a runnable script.
func extractScript(content string) (string, bool) {
	if start := strings.Index(content, delimStart); start >= 0 {
		if end := strings.Index(content, delimEnd); end > start {
			return strings.TrimSpace(content[start+len(delimStart) : end]), true
		}
	}

	if m := fencedCodeRe.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1]), true
	}

	if strings.Contains(content, headerStart) {
		return strings.TrimSpace(content), true
	}

	if strings.Contains(content, "def main():") && strings.Contains(content, `if __name__ == "__main__":`) {
		return strings.TrimSpace(content), true
	}

	return "", false
}

// knownImports maps import markers to pinned requirement lines used when
// a header has to be inferred.
var knownImports = []struct {
	markers []string
	pin     string
	network bool
}{
	{[]string{"import requests", "from requests"}, "requests==2.31.0", true},
	{[]string{"import pandas", "from pandas"}, "pandas==2.0.0", false},
	{[]string{"import numpy", "from numpy"}, "numpy==1.24.0", false},
	{[]string{"from PIL", "import PIL"}, "pillow==10.0.0", false},
	{[]string{"import matplotlib", "from matplotlib"}, "matplotlib==3.7.0", false},
	{[]string{"import cv2"}, "opencv-python==4.8.0", false},
	{[]string{"from moviepy", "import moviepy"}, "moviepy==1.0.3", false},
}

var networkHints = []string{"http", "api", "url", "request", "fetch", "download"}

// ensureHeader prepends an inferred metadata header when the script lacks
// one. Dependencies are sniffed from import lines and pinned; network is
// inferred from usage keywords.
func ensureHeader(script, templateVersion string) string {
	if strings.HasPrefix(script, headerStart) {
		return script
	}

	var deps []string
	network := false
	for _, ki := range knownImports {
		for _, marker := range ki.markers {
			if strings.Contains(script, marker) {
				deps = append(deps, ki.pin)
				network = network || ki.network
				break
			}
		}
	}
	lower := strings.ToLower(script)
	for _, hint := range networkHints {
		if strings.Contains(lower, hint) {
			network = true
			break
		}
	}

	header := fmt.Sprintf(`%s
# language: %s
# entry: %s
# deps: %s
# network: %t
# template_version: %s
%s

`, headerStart, domain.DefaultLanguage, domain.DefaultEntry,
		strings.Join(deps, ","), network, templateVersion, headerEnd)

	return header + script
}

// requirementsFromDeps renders requirements.txt content.
func requirementsFromDeps(deps []string) string {
	return strings.Join(deps, "\n")
}

// inferOutputs guesses output fields and their types from the script body.
func inferOutputs(script string) map[string]string {
	outputs := map[string]string{}
	for name, typ := range map[string]string{
		"artifacts": "list[str]",
		"output":    "dict",
		"raw":       "dict",
	} {
		if strings.Contains(script, `"`+name+`"`) {
			outputs[name] = typ
		}
	}
	return outputs
}

// buildReadme renders a standard README for a generated artifact.
func buildReadme(prompt string, deps []string) string {
	depsSection := "No external dependencies required"
	if len(deps) > 0 {
		depsSection = requirementsFromDeps(deps)
	}

	return fmt.Sprintf(`# Generated Script

This script was generated from the prompt: %q

## Usage

`+"```bash"+`
python script.py '{"your": "context", "here": "data"}'
`+"```"+`

## Dependencies

%s

## Output Format

The script prints a JSON object as its last stdout line:
- `+"`status`"+`: "ok" or "error"
- `+"`output`"+`: structured output data
- `+"`artifacts`"+`: files created by the run
- `+"`raw`"+`: raw data for debugging
`, prompt, depsSection)
}
