// Package generator turns natural-language requests into script bundles.
// Two implementations exist: TemplateGenerator serves a small static
// table of known script shapes, and LLMGenerator asks a chat-completion
// provider and falls back to the template table when the provider fails.
package generator

import (
	"context"

	"github.com/kvothesson/capibara/internal/domain"
)

// Generator produces a script bundle for a request. The bundle carries
// no fingerprint; identity is computed by the caller.
type Generator interface {
	Generate(ctx context.Context, req domain.Request) (*Bundle, error)
	Name() string
}

// Bundle is a generated script plus the metadata the manifest will carry.
type Bundle struct {
	Script       string
	Requirements string // requirements.txt content. Empty = no deps.
	Readme       string
	Entry        string
	Deps         []string
	Allow        domain.Permissions
	Outputs      map[string]string // Output field name to declared type, best effort.
}
