package secrets

import (
	"fmt"

	"github.com/kvothesson/capibara/internal/config"
)

// FromConfig builds the provider chain from config. A nil config yields
// the env-only provider. Multiple configured providers are tried in
// order via a CompositeProvider.
func FromConfig(cfg *config.SecretsConfig) (Provider, error) {
	if cfg == nil || len(cfg.Providers) == 0 {
		return NewEnvProvider(), nil
	}

	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "env":
			providers = append(providers, NewEnvProvider())
		case "vault":
			vp, err := NewVaultProvider(pc.Config)
			if err != nil {
				return nil, fmt.Errorf("configuring vault provider: %w", err)
			}
			providers = append(providers, vp)
		default:
			return nil, fmt.Errorf("unknown secret provider type %q", pc.Type)
		}
	}

	if len(providers) == 1 {
		return providers[0], nil
	}
	return NewCompositeProvider(providers...), nil
}
