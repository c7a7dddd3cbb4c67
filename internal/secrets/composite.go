package secrets

import (
	"context"
	"errors"
	"fmt"
)

// CompositeProvider tries each configured backend in order until one
// resolves the reference. This lets one config mix env references for
// local development with vault references in production deployments.
type CompositeProvider struct {
	providers []Provider
}

func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

func (p *CompositeProvider) Name() string { return "composite" }

// Resolve returns the first successful resolution. When every backend
// fails, the errors are joined so the operator sees each backend's
// reason, not just the last one.
func (p *CompositeProvider) Resolve(ctx context.Context, credentialRef string) (*Secret, error) {
	if len(p.providers) == 0 {
		return nil, fmt.Errorf("%w: no secret providers configured for %q",
			ErrSecretNotFound, credentialRef)
	}

	errs := make([]error, 0, len(p.providers))
	for _, provider := range p.providers {
		secret, err := provider.Resolve(ctx, credentialRef)
		if err == nil {
			return secret, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
	}
	return nil, errors.Join(errs...)
}
