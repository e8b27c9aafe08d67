package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/relayd/internal/chat"
	"github.com/davidbz/relayd/internal/config"
	"github.com/davidbz/relayd/internal/conversation"
	"github.com/davidbz/relayd/internal/conversation/redis"
	"github.com/davidbz/relayd/internal/conversation/sqlite"
	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/http"
	"github.com/davidbz/relayd/internal/http/middleware"
	"github.com/davidbz/relayd/internal/observability"
	"github.com/davidbz/relayd/internal/provider/anthropic"
	"github.com/davidbz/relayd/internal/provider/echo"
	"github.com/davidbz/relayd/internal/provider/openai"
	"github.com/davidbz/relayd/internal/provider/registry"
	"github.com/davidbz/relayd/internal/provider/typewriter"
	"github.com/davidbz/relayd/internal/relay"
	"github.com/davidbz/relayd/internal/routing"
)

const (
	echoProvider = "echo"
	echoKey      = "local"

	storeConnectTimeout = 5 * time.Second
)

// errProviderNotConfigured indicates that a provider is not configured and should be skipped.
var errProviderNotConfigured = errors.New("provider not configured")

// configOverride adjusts the loaded configuration from command-line flags.
type configOverride func(*config.Config)

func buildContainer(overrides ...configOverride) (*dig.Container, error) {
	container := dig.New()

	constructors := []struct {
		name string
		fn   any
	}{
		// Configuration
		{"config", func() (*config.Config, error) {
			cfg, err := config.Load()
			if err != nil {
				return nil, err
			}
			for _, override := range overrides {
				override(cfg)
			}
			return cfg, cfg.Validate()
		}},
		{"config dependencies", config.ParseDependenciesConfig},

		// Observability
		{"logger", observability.InitLogger},
		{"metrics", observability.NewMetrics},

		// Providers
		{"registry", newRegistry},
		{"router", newRouter},

		// Conversations
		{"store", newStore},
		{"conversation manager", conversation.NewManager},

		// Relay
		{"relay", newRelay},
		{"chat service", newChatService},

		// HTTP Layer
		{"HTTP handler", http.NewHandler},
		{"middleware", middleware.BuildMiddlewareChain},
		{"HTTP server", http.NewServer},
	}

	for _, c := range constructors {
		if err := container.Provide(c.fn); err != nil {
			return nil, fmt.Errorf("failed to provide %s: %w", c.name, err)
		}
	}

	return container, nil
}

func newRegistry(
	logger *zap.Logger,
	typewriterCfg *typewriter.Config,
	openaiCfg *openai.Config,
	anthropicCfg *anthropic.Config,
) (domain.ProviderRegistry, error) {
	ctx := context.Background()
	reg := registry.NewRegistry()

	builders := []func() (domain.Provider, error){
		func() (domain.Provider, error) { return newOpenAIProvider(openaiCfg, typewriterCfg) },
		func() (domain.Provider, error) { return newAnthropicProvider(anthropicCfg) },
		func() (domain.Provider, error) { return echo.NewProvider(typewriterCfg.Delay), nil },
	}

	for _, build := range builders {
		provider, err := build()
		if errors.Is(err, errProviderNotConfigured) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := reg.Register(ctx, provider); err != nil {
			return nil, fmt.Errorf("failed to register %s provider: %w", provider.Name(), err)
		}
		logger.Info("provider registered", observability.String("provider", provider.Name()))
	}

	return reg, nil
}

// newOpenAIProvider streams from the API, or replays whole completions
// through the typewriter when streaming is turned off.
func newOpenAIProvider(cfg *openai.Config, typewriterCfg *typewriter.Config) (domain.Provider, error) {
	if cfg.APIKey == "" {
		return nil, errProviderNotConfigured
	}

	provider, err := openai.NewProvider(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI provider: %w", err)
	}

	if !cfg.Stream {
		return typewriter.New(provider.Name(), provider, typewriterCfg.Delay, openai.SupportedModels()...), nil
	}
	return provider, nil
}

func newAnthropicProvider(cfg *anthropic.Config) (domain.Provider, error) {
	if cfg.APIKey == "" {
		return nil, errProviderNotConfigured
	}

	provider, err := anthropic.NewProvider(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Anthropic provider: %w", err)
	}
	return provider, nil
}

// newRouter falls back to the echo provider when the configured default is
// not registered.
func newRouter(logger *zap.Logger, reg domain.ProviderRegistry, relayCfg *config.RelayConfig) domain.Router {
	defaultProvider := relayCfg.DefaultProvider
	if _, err := reg.Get(context.Background(), defaultProvider); err != nil {
		logger.Warn("default provider not available, using echo",
			observability.String("provider", defaultProvider))
		defaultProvider = echoProvider
	}

	return routing.NewRouter(reg, defaultProvider)
}

func newStore(logger *zap.Logger, historyCfg *config.HistoryConfig) (conversation.Store, error) {
	logger.Info("opening conversation store", observability.String("backend", historyCfg.Backend))

	switch historyCfg.Backend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
		defer cancel()
		return redis.NewStore(ctx, historyCfg.Redis)
	case config.BackendSQLite:
		return sqlite.NewStore(historyCfg.SQLite)
	default:
		return conversation.NewMemoryStore(), nil
	}
}

func newRelay(router domain.Router, metrics *observability.Metrics, relayCfg *config.RelayConfig) *relay.Relay {
	return relay.New(router,
		relay.WithMetrics(metrics),
		relay.WithWaitTimeout(relayCfg.ShutdownTimeout),
	)
}

func newChatService(
	r *relay.Relay,
	conversations *conversation.Manager,
	router domain.Router,
	relayCfg *config.RelayConfig,
	openaiCfg *openai.Config,
	anthropicCfg *anthropic.Config,
) *chat.Service {
	defaults := chat.Defaults{
		Model:        relayCfg.DefaultModel,
		Temperature:  relayCfg.Temperature,
		SystemPrompt: relayCfg.SystemPrompt,
		MaxTokens:    relayCfg.MaxTokens,
	}

	keys := map[string]string{
		"openai":     openaiCfg.APIKey,
		"anthropic":  anthropicCfg.APIKey,
		echoProvider: echoKey,
	}

	return chat.NewService(r, conversations, router, defaults, keys)
}
