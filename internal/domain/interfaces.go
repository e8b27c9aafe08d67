package domain

import "context"

// Provider is any completion backend that yields text incrementally.
type Provider interface {
	// Stream starts a completion and returns its fragments. The channel is closed
	// when the provider is exhausted. Implementations must stop sending once ctx is done.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan Fragment, error)

	// Name returns the provider identifier.
	Name() string

	// IsModelSupported checks if the provider supports the given model.
	IsModelSupported(ctx context.Context, model string) bool

	// SupportedModels lists the models known to the provider.
	SupportedModels(ctx context.Context) []string
}

// Completer returns a whole response at once.
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
}

// ProviderRegistry manages available providers.
type ProviderRegistry interface {
	// Register adds a provider to the registry.
	Register(ctx context.Context, provider Provider) error

	// Get retrieves a provider by name.
	Get(ctx context.Context, providerName string) (Provider, error)

	// GetByModel retrieves the provider serving a model.
	GetByModel(ctx context.Context, model string) (Provider, error)

	// List returns all available providers.
	List(ctx context.Context) ([]string, error)
}

// Router determines which provider serves a request.
type Router interface {
	Route(ctx context.Context, model string) (Provider, error)
}

// Dispatcher runs callbacks on a single consumer goroutine, in the order they were posted.
type Dispatcher interface {
	Post(ctx context.Context, fn func()) error
}
