// Package openai provides an adapter for the OpenAI API using the official SDK.
// It implements domain.Provider by converting SDK stream chunks into domain
// fragments, and domain.Completer for whole-response use.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
)

const providerName = "openai"

// SupportedModels returns the chat models advertised by the provider.
func SupportedModels() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"gpt-4.1-mini",
		"gpt-4-turbo",
		"gpt-3.5-turbo",
	}
}

// Provider implements the domain.Provider interface for OpenAI.
type Provider struct {
	client       openai.Client
	name         string
	defaultModel string
}

// NewProvider creates a new OpenAI provider.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
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

	defaultModel := config.DefaultModel
	if defaultModel == "" {
		defaultModel = string(openai.ChatModelGPT4oMini)
	}

	return &Provider{
		client:       openai.NewClient(opts...),
		name:         providerName,
		defaultModel: defaultModel,
	}, nil
}

// Complete sends a completion request and returns the full response text.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (string, error) {
	if req == nil {
		return "", errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI API")

	resp, err := p.client.Chat.Completions.New(ctx, p.toSDKParams(req), p.requestOptions(req)...)
	if err != nil {
		logger.Error("OpenAI API call failed", observability.Error(err))
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("OpenAI returned no choices")
	}

	logger.Debug("OpenAI API call succeeded",
		observability.Int("prompt_tokens", int(resp.Usage.PromptTokens)),
		observability.Int("completion_tokens", int(resp.Usage.CompletionTokens)),
	)

	return resp.Choices[0].Message.Content, nil
}

// Stream sends a completion request and returns its text fragments.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.Fragment, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI streaming API")

	stream := p.client.Chat.Completions.NewStreaming(ctx, p.toSDKParams(req), p.requestOptions(req)...)

	fragments := make(chan domain.Fragment)

	go func() {
		defer close(fragments)
		defer stream.Close()
		defer logger.Debug("OpenAI stream completed")

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case fragments <- domain.TextFragment(chunk.Choices[0].Delta.Content):
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case fragments <- domain.ErrorFragment(domain.NewProviderError(p.name, err)):
			}
		}
	}()

	return fragments, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported accepts the advertised models and any other GPT model name.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	for _, m := range SupportedModels() {
		if m == model {
			return true
		}
	}
	return strings.HasPrefix(model, "gpt-")
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

// toSDKParams converts a domain request to SDK ChatCompletionNewParams.
func (p *Provider) toSDKParams(req *domain.CompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)

	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, turn := range req.History {
		switch turn.Role {
		case domain.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		case domain.RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	messages = append(messages, openai.UserMessage(req.Message))

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	return params
}
