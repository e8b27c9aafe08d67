package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameters rejects a request before dispatch.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrProvider marks network, authentication and parse failures reported by a provider.
	ErrProvider = errors.New("provider error")

	// ErrCancelled is returned by waiters of a handle that ended in StateCancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrShutdownTimeout means a worker did not acknowledge cancellation in time.
	ErrShutdownTimeout = errors.New("shutdown timeout")

	// ErrConversationBusy rejects a second request against a conversation that already has one in flight.
	ErrConversationBusy = errors.New("conversation has a request in flight")

	// ErrHandleNotFound is returned when looking up an unknown or finished handle.
	ErrHandleNotFound = errors.New("stream handle not found")
)

// ProviderError describes a failure of a named provider.
type ProviderError struct {
	Provider string
	Err      error
}

// NewProviderError wraps err as a failure of provider.
func NewProviderError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Err: err}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is.
func (e *ProviderError) Unwrap() []error {
	return []error{ErrProvider, e.Err}
}
