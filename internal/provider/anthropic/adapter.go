// Package anthropic adapts the Anthropic Messages API to domain.Provider.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 1024
)

// SupportedModels returns the chat models advertised by the provider.
func SupportedModels() []string {
	return []string{
		"claude-3-5-haiku-latest",
		"claude-3-7-sonnet-latest",
		"claude-sonnet-4-0",
		"claude-opus-4-0",
	}
}

// Provider implements domain.Provider for Anthropic.
type Provider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int64
}

// NewProvider creates a new Anthropic provider.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(config.Timeout)*time.Second))
	}
	if config.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(config.MaxRetries))
	}

	model := config.DefaultModel
	if model == "" {
		model = SupportedModels()[0]
	}

	maxTokens := int64(config.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Provider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		maxTokens:    maxTokens,
	}, nil
}

// Complete sends a request and returns the concatenated text blocks.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (string, error) {
	if req == nil {
		return "", errors.New("request cannot be nil")
	}

	message, err := p.client.Messages.New(ctx, p.toSDKParams(req), p.requestOptions(req)...)
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// Stream sends a request and forwards each text delta as a fragment.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.Fragment, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	stream := p.client.Messages.NewStreaming(ctx, p.toSDKParams(req), p.requestOptions(req)...)

	fragments := make(chan domain.Fragment)

	go func() {
		defer close(fragments)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()

			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case fragments <- domain.TextFragment(text.Text):
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			logger.Warn("anthropic stream failed", observability.Error(err))
			select {
			case <-ctx.Done():
			case fragments <- domain.ErrorFragment(domain.NewProviderError(providerName, err)):
			}
		}
	}()

	return fragments, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return providerName
}

// IsModelSupported accepts the advertised models and any other Claude model name.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	for _, m := range SupportedModels() {
		if m == model {
			return true
		}
	}
	return strings.HasPrefix(model, "claude-")
}

// SupportedModels lists the advertised models.
func (p *Provider) SupportedModels(_ context.Context) []string {
	return SupportedModels()
}

func (p *Provider) requestOptions(req *domain.CompletionRequest) []option.RequestOption {
	if req.APIKey == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(req.APIKey)}
}

func (p *Provider) toSDKParams(req *domain.CompletionRequest) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	var system []anthropic.TextBlockParam

	if req.SystemPrompt != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.SystemPrompt})
	}

	for _, turn := range req.History {
		switch turn.Role {
		case domain.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		case domain.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: turn.Content})
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Message)))

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	return anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
	}
}
