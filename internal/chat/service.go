// Package chat turns user settings into relay requests. It owns the
// conversation bookkeeping that surfaces share: resolving defaults and
// provider keys, starting conversation and stateless requests, and running
// comparisons.
package chat

import (
	"context"
	"fmt"

	"github.com/davidbz/relayd/internal/conversation"
	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
	"github.com/davidbz/relayd/internal/relay"
)

// Settings are the per-request knobs a user may set. Zero values fall back
// to the service defaults.
type Settings struct {
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	APIKey       string   `json:"api_key,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

// Defaults fill in unset settings.
type Defaults struct {
	Model        string
	Temperature  float64
	SystemPrompt string
	MaxTokens    int
}

// Service starts relay operations on behalf of a surface.
type Service struct {
	relay         *relay.Relay
	conversations *conversation.Manager
	router        domain.Router
	defaults      Defaults
	keys          map[string]string
}

// NewService creates a chat service. keys maps provider names to the API key
// used when a request brings none.
func NewService(
	r *relay.Relay,
	conversations *conversation.Manager,
	router domain.Router,
	defaults Defaults,
	keys map[string]string,
) *Service {
	return &Service{
		relay:         r,
		conversations: conversations,
		router:        router,
		defaults:      defaults,
		keys:          keys,
	}
}

// Parameters resolves settings and message into request parameters.
func (s *Service) Parameters(ctx context.Context, settings Settings, message string) (domain.RequestParameters, error) {
	params := domain.RequestParameters{
		Message:      message,
		Temperature:  s.defaults.Temperature,
		SystemPrompt: settings.SystemPrompt,
		APIKey:       settings.APIKey,
		Model:        settings.Model,
		MaxTokens:    settings.MaxTokens,
	}

	if settings.Temperature != nil {
		params.Temperature = *settings.Temperature
	}
	if params.SystemPrompt == "" {
		params.SystemPrompt = s.defaults.SystemPrompt
	}
	if params.Model == "" {
		params.Model = s.defaults.Model
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = s.defaults.MaxTokens
	}

	if params.APIKey == "" {
		provider, err := s.router.Route(ctx, params.Model)
		if err != nil {
			return domain.RequestParameters{}, fmt.Errorf("failed to resolve provider: %w", err)
		}
		params.APIKey = s.keys[provider.Name()]
	}

	return params, nil
}

// Send relays message within a conversation. The reply is committed to the
// conversation when the handle completes.
func (s *Service) Send(
	ctx context.Context,
	conversationID string,
	settings Settings,
	message string,
	opts ...relay.StartOption,
) (*relay.Handle, error) {
	history, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	params, err := s.Parameters(ctx, settings, message)
	if err != nil {
		return nil, err
	}

	ctx = observability.WithConversationID(ctx, conversationID)
	return s.relay.Start(ctx, params, history, opts...)
}

// SendStateless relays message without any conversation history.
func (s *Service) SendStateless(
	ctx context.Context,
	settings Settings,
	message string,
	opts ...relay.StartOption,
) (*relay.Handle, error) {
	params, err := s.Parameters(ctx, settings, message)
	if err != nil {
		return nil, err
	}

	return s.relay.Start(ctx, params, nil, opts...)
}

// Comparison is a message sent twice: once within a conversation and once
// without history.
type Comparison struct {
	WithHistory *relay.Handle
	Stateless   *relay.Handle
	Group       *relay.Group
}

// Compare sends the same message to a conversation lane and a stateless lane.
// Both lanes deliver their callbacks on dispatcher. If the second lane cannot
// start, the first is cancelled.
func (s *Service) Compare(
	ctx context.Context,
	conversationID string,
	settings Settings,
	message string,
	dispatcher domain.Dispatcher,
) (*Comparison, error) {
	withHistory, err := s.Send(ctx, conversationID, settings, message, relay.WithDispatcher(dispatcher))
	if err != nil {
		return nil, fmt.Errorf("history lane: %w", err)
	}

	stateless, err := s.SendStateless(ctx, settings, message, relay.WithDispatcher(dispatcher))
	if err != nil {
		if waitErr := withHistory.CancelAndWait(0); waitErr != nil {
			observability.FromContext(ctx).Error("history lane did not stop", observability.Error(waitErr))
		}
		return nil, fmt.Errorf("stateless lane: %w", err)
	}

	return &Comparison{
		WithHistory: withHistory,
		Stateless:   stateless,
		Group:       relay.NewGroup(dispatcher, withHistory, stateless),
	}, nil
}

// History returns the committed turns of a conversation.
func (s *Service) History(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	history, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return history.Turns(), nil
}

// Reset deletes a conversation. It fails with domain.ErrConversationBusy
// while a request is in flight.
func (s *Service) Reset(ctx context.Context, conversationID string) error {
	return s.conversations.Delete(ctx, conversationID)
}

// Cancel cancels an in-flight handle by id.
func (s *Service) Cancel(handleID string) error {
	h, err := s.relay.Lookup(handleID)
	if err != nil {
		return err
	}
	h.Cancel()
	return nil
}
