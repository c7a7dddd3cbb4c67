// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Default values applied when a request leaves a field empty.
const (
	DefaultLanguage        = "python"
	DefaultTemplateVersion = "v1"
	DefaultEntry           = "script.py"
	DefaultPythonVersion   = "3.11"
)

// Request is a natural-language script request. Prompt is required;
// everything else has a default. Context is an arbitrary JSON object
// passed through to the generated script at execution time.
type Request struct {
	Prompt          string         `json:"prompt"`
	Context         map[string]any `json:"context,omitempty"`
	Language        string         `json:"language,omitempty"`         // Default: "python".
	TemplateVersion string         `json:"template_version,omitempty"` // Default: "v1".
}

// Normalized returns a copy with defaults applied.
func (r Request) Normalized() Request {
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if r.TemplateVersion == "" {
		r.TemplateVersion = DefaultTemplateVersion
	}
	return r
}

// Runtime pins the interpreter version a script was generated for.
type Runtime struct {
	Python string `json:"python"`
}

// Permissions declares what a script is allowed to do at execution time.
// The sandbox communicates these to the script via environment variables;
// they are advisory for the script and informational for operators.
type Permissions struct {
	Network bool     `json:"network"`
	FS      []string `json:"fs,omitempty"` // Paths the script may touch. Empty = workdir only.
}

// Manifest describes a cached script artifact. It is stored as
// manifest.json next to the entry script inside the cache entry.
type Manifest struct {
	Fingerprint     string            `json:"fingerprint"`
	PromptSHA       string            `json:"prompt_sha"`
	ContextSHA      string            `json:"context_sha"`
	Language        string            `json:"language"`
	Entry           string            `json:"entry"`
	Runtime         Runtime           `json:"runtime"`
	Deps            []string          `json:"deps,omitempty"`
	Allow           Permissions       `json:"allow"`
	TemplateVersion string            `json:"template_version"`
	CreatedAt       time.Time         `json:"created_at"`
	Outputs         map[string]string `json:"outputs,omitempty"` // Output field name to declared type.
	Aliases         map[string]string `json:"aliases,omitempty"` // Output field aliases.
}

// Artifact is a complete generated script bundle: the manifest plus the
// files that back it.
type Artifact struct {
	Manifest     Manifest
	Script       string // Entry script source.
	Requirements string // requirements.txt content. Empty = no deps.
	Readme       string // README.md content.
}

// RunStatus is the normalized outcome of a run.
type RunStatus string

const (
	StatusOK    RunStatus = "ok"
	StatusError RunStatus = "error"
)

// RunResult is the normalized outcome of executing a script. Scripts
// report by printing a JSON object as their last stdout line with the
// keys status, artifacts, output, raw and message; anything else is
// wrapped leniently (see RawOutputKey).
type RunResult struct {
	Status      RunStatus      `json:"status"`
	Artifacts   []string       `json:"artifacts,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Message     string         `json:"message,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	CacheHit    bool           `json:"cache_hit"`
	Duration    time.Duration  `json:"-"`
}

// RawOutputKey is the output field used when a script prints non-JSON
// stdout and the result is wrapped leniently.
const RawOutputKey = "raw_output"

// RunRecord is the persisted history row for a single run.
type RunRecord struct {
	ID          uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	Fingerprint string    `gorm:"index" json:"fingerprint"`
	Prompt      string    `json:"prompt"`
	Status      string    `gorm:"index" json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	CacheHit    bool      `json:"cache_hit"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}
