// Package secrets defines the Provider interface for credential
// resolution. Implementations are backend-specific (env vars, HashiCorp
// Vault). Capibara uses it to resolve LLM provider API keys and the
// gateway auth token: config values may be opaque references like
// "env://GROQ_API_KEY" or "vault://secret/data/capibara#groq_api_key"
// instead of raw secret material.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized to JSON or written to logs.
type Secret struct {
	Value    string            // The raw secret value (API key, token).
	Metadata map[string]string // Backend-specific metadata (e.g., lease_id, version).
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://MY_KEY" or "vault://ssh/prod")
	// and returns the raw secret. Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// IsRef reports whether a config value is a credential reference rather
// than inline secret material.
func IsRef(value string) bool {
	return strings.Contains(value, "://")
}

// ResolveValue resolves a config value that may be either a raw secret
// or a credential reference. Raw values pass through untouched.
func ResolveValue(ctx context.Context, p Provider, value string) (string, error) {
	if value == "" || !IsRef(value) {
		return value, nil
	}
	secret, err := p.Resolve(ctx, value)
	if err != nil {
		return "", fmt.Errorf("resolving credential reference: %w", err)
	}
	return secret.Value, nil
}
