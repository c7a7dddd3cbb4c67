package generator

import (
	"strings"
	"testing"
)

const headeredScript = `# --- CAPIBARA ---
# language: python
# entry: run.py
# deps: requests==2.31.0, pandas==2.0.0
# network: true
# template_version: v2
# --- /CAPIBARA ---

import requests
print("ok")
`

func TestParseHeader(t *testing.T) {
	meta := parseHeader(headeredScript)

	if meta.Language != "python" {
		t.Errorf("language = %q", meta.Language)
	}
	if meta.Entry != "run.py" {
		t.Errorf("entry = %q", meta.Entry)
	}
	if len(meta.Deps) != 2 || meta.Deps[0] != "requests==2.31.0" || meta.Deps[1] != "pandas==2.0.0" {
		t.Errorf("deps = %v", meta.Deps)
	}
	if !meta.Network {
		t.Error("network = false, want true")
	}
	if meta.TemplateVersion != "v2" {
		t.Errorf("template_version = %q", meta.TemplateVersion)
	}
}

func TestParseHeaderDefaults(t *testing.T) {
	meta := parseHeader("print('no header here')\n")

	if meta.Language != "python" || meta.Entry != "script.py" {
		t.Errorf("defaults not applied: %+v", meta)
	}
	if meta.Network || len(meta.Deps) != 0 {
		t.Errorf("expected zero-value permissions, got %+v", meta)
	}
}

func TestExtractScript(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{
			name:    "explicit delimiters",
			content: "preamble\n# --- CAPIBARA_START ---\nprint('hi')\n# --- CAPIBARA_END ---\ntrailer",
			want:    "print('hi')",
			ok:      true,
		},
		{
			name:    "fenced python block",
			content: "Here is the script:\n```python\nprint('hi')\n```\nEnjoy!",
			want:    "print('hi')",
			ok:      true,
		},
		{
			name:    "fenced block without language tag",
			content: "```\nprint('hi')\n```",
			want:    "print('hi')",
			ok:      true,
		},
		{
			name:    "bare headered script",
			content: headeredScript,
			want:    strings.TrimSpace(headeredScript),
			ok:      true,
		},
		{
			name:    "whole content that looks like a script",
			content: "import json\n\ndef main():\n    pass\n\nif __name__ == \"__main__\":\n    main()\n",
			want:    "import json\n\ndef main():\n    pass\n\nif __name__ == \"__main__\":\n    main()",
			ok:      true,
		},
		{
			name:    "prose only",
			content: "I cannot generate that script, sorry.",
			ok:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractScript(tt.content)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnsureHeaderInfersDepsAndNetwork(t *testing.T) {
	script := "import requests\nimport pandas\n\nresp = requests.get('https://example.com')\n"
	out := ensureHeader(script, "v1")

	if !strings.HasPrefix(out, headerStart) {
		t.Fatal("header not prepended")
	}

	meta := parseHeader(out)
	wantDeps := map[string]bool{"requests==2.31.0": true, "pandas==2.0.0": true}
	for _, d := range meta.Deps {
		if !wantDeps[d] {
			t.Errorf("unexpected dep %q", d)
		}
		delete(wantDeps, d)
	}
	if len(wantDeps) != 0 {
		t.Errorf("missing deps: %v", wantDeps)
	}
	if !meta.Network {
		t.Error("network not inferred from requests usage")
	}
	if meta.TemplateVersion != "v1" {
		t.Errorf("template_version = %q", meta.TemplateVersion)
	}
	if !strings.HasSuffix(out, script) {
		t.Error("original script body not preserved")
	}
}

func TestEnsureHeaderIdempotent(t *testing.T) {
	if out := ensureHeader(headeredScript, "v1"); out != headeredScript {
		t.Error("existing header was not left alone")
	}
}

func TestEnsureHeaderNetworkHints(t *testing.T) {
	// No known imports, but the body talks about downloading from a URL.
	script := "path = download_from_url(target)\n"
	meta := parseHeader(ensureHeader(script, "v1"))
	if !meta.Network {
		t.Error("network not inferred from keyword hints")
	}

	// A pure computation gets no network.
	meta = parseHeader(ensureHeader("x = 1 + 2\nprint(x)\n", "v1"))
	if meta.Network {
		t.Error("network inferred for pure computation")
	}
}

func TestInferOutputs(t *testing.T) {
	script := `result = {"status": "ok", "output": {}, "raw": ctx}`
	got := inferOutputs(script)
	want := map[string]string{"output": "dict", "raw": "dict"}
	if len(got) != len(want) {
		t.Fatalf("outputs = %v, want %v", got, want)
	}
	for name, typ := range want {
		if got[name] != typ {
			t.Errorf("outputs[%q] = %q, want %q", name, got[name], typ)
		}
	}
}
