// Package echo provides a testing provider that answers with the user's own
// message. It makes no external calls and streams through the typewriter
// adapter, so it behaves like a slow real backend without a network.
package echo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
	"github.com/davidbz/relayd/internal/provider/typewriter"
)

const (
	providerName = "echo"
	modelName    = "echo4"
)

// Completer echoes the request message.
type Completer struct{}

// Complete returns the message of req unchanged.
func (Completer) Complete(ctx context.Context, req *domain.CompletionRequest) (string, error) {
	if req == nil {
		return "", errors.New("request cannot be nil")
	}

	if req.Model != "" && req.Model != modelName {
		return "", fmt.Errorf("model %s is not supported by echo provider", req.Model)
	}

	observability.FromContext(ctx).Debug("echoing request",
		observability.Int("history_turns", len(req.History)))

	return req.Message, nil
}

// NewProvider creates the echo provider with the given pause between words.
func NewProvider(delay time.Duration) *typewriter.Provider {
	return typewriter.New(providerName, Completer{}, delay, modelName)
}
