package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/relayd/internal/conversation/redis"
	"github.com/davidbz/relayd/internal/conversation/sqlite"
	"github.com/davidbz/relayd/internal/observability"
	"github.com/davidbz/relayd/internal/provider/anthropic"
	"github.com/davidbz/relayd/internal/provider/openai"
	"github.com/davidbz/relayd/internal/provider/typewriter"
)

// History backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config represents the relay configuration.
type Config struct {
	Server     ServerConfig
	CORS       CORSConfig
	Log        observability.LogConfig
	Relay      RelayConfig
	History    HistoryConfig
	Typewriter typewriter.Config
	OpenAI     openai.Config
	Anthropic  anthropic.Config
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int `env:"SERVER_PORT"          envDefault:"8080"`
	ReadTimeout  int `env:"SERVER_READ_TIMEOUT"  envDefault:"30"`
	WriteTimeout int `env:"SERVER_WRITE_TIMEOUT" envDefault:"0"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// RelayConfig holds request defaults and relay limits.
type RelayConfig struct {
	DefaultProvider string        `env:"RELAY_DEFAULT_PROVIDER"  envDefault:"openai"`
	DefaultModel    string        `env:"RELAY_DEFAULT_MODEL"`
	Temperature     float64       `env:"RELAY_TEMPERATURE"       envDefault:"0.7"`
	SystemPrompt    string        `env:"RELAY_SYSTEM_PROMPT"     envDefault:"You are a helpful assistant."`
	MaxTokens       int           `env:"RELAY_MAX_TOKENS"        envDefault:"0"`
	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT"  envDefault:"2s"`
	QueueSize       int           `env:"RELAY_QUEUE_SIZE"        envDefault:"64"`
}

// HistoryConfig selects and configures the conversation store.
type HistoryConfig struct {
	Backend string `env:"HISTORY_BACKEND" envDefault:"memory"`
	Redis   redis.Config
	SQLite  sqlite.Config
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out

	Server     *ServerConfig
	CORS       *CORSConfig
	Log        *observability.LogConfig
	Relay      *RelayConfig
	History    *HistoryConfig
	Typewriter *typewriter.Config
	OpenAI     *openai.Config
	Anthropic  *anthropic.Config
}

// Load loads environment files and parses configuration.
func Load() (*Config, error) {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	switch c.History.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}

	if c.Relay.Temperature < 0 || c.Relay.Temperature > 1 {
		return fmt.Errorf("RELAY_TEMPERATURE %.2f outside [0,1]", c.Relay.Temperature)
	}

	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("RELAY_SHUTDOWN_TIMEOUT must be positive, got %s", c.Relay.ShutdownTimeout)
	}

	return nil
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:     &cfg.Server,
		CORS:       &cfg.CORS,
		Log:        &cfg.Log,
		Relay:      &cfg.Relay,
		History:    &cfg.History,
		Typewriter: &cfg.Typewriter,
		OpenAI:     &cfg.OpenAI,
		Anthropic:  &cfg.Anthropic,
	}
}
