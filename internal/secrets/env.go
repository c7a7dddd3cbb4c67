package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const envScheme = "env://"

// EnvProvider resolves env:// references against the process
// environment. It is the default backend: API keys usually arrive via
// a .env file, and config points at them with references like
// "env://GROQ_API_KEY".
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, credentialRef string) (*Secret, error) {
	if !strings.HasPrefix(credentialRef, envScheme) {
		return nil, fmt.Errorf("%w: env provider only handles env:// references, got %q",
			ErrSecretNotFound, credentialRef)
	}
	name := strings.TrimPrefix(credentialRef, envScheme)
	if name == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	// An empty value is treated the same as unset; an API key that is
	// the empty string is never what the operator meant.
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("%w: environment variable %q is not set or empty",
			ErrSecretNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": name},
	}, nil
}
