package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidbz/relayd/internal/domain"
)

// SimpleRouter resolves a model name to a provider.
type SimpleRouter struct {
	registry        domain.ProviderRegistry
	defaultProvider string
}

// NewRouter creates a new router. Requests without a model go to defaultProvider.
func NewRouter(registry domain.ProviderRegistry, defaultProvider string) *SimpleRouter {
	return &SimpleRouter{
		registry:        registry,
		defaultProvider: defaultProvider,
	}
}

// Route selects a provider based on the model name.
func (r *SimpleRouter) Route(ctx context.Context, model string) (domain.Provider, error) {
	providerNames, err := r.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	if len(providerNames) == 0 {
		return nil, errors.New("no providers available")
	}

	if model == "" {
		if r.defaultProvider == "" {
			return nil, fmt.Errorf("%w: model name is required", domain.ErrInvalidParameters)
		}
		provider, getErr := r.registry.Get(ctx, r.defaultProvider)
		if getErr != nil {
			return nil, fmt.Errorf("default provider: %w", getErr)
		}
		return provider, nil
	}

	provider, err := r.registry.GetByModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("%w: no provider found for model: %s", domain.ErrInvalidParameters, model)
	}

	return provider, nil
}
