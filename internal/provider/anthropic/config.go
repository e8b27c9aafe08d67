package anthropic

// Config contains Anthropic provider configuration.
// MaxTokens is sent when a request does not set its own limit; the
// Messages API requires one.
type Config struct {
	APIKey       string `env:"ANTHROPIC_API_KEY"`
	BaseURL      string `env:"ANTHROPIC_BASE_URL"      envDefault:"https://api.anthropic.com"`
	Timeout      int    `env:"ANTHROPIC_TIMEOUT"       envDefault:"60"`
	MaxRetries   int    `env:"ANTHROPIC_MAX_RETRIES"   envDefault:"2"`
	DefaultModel string `env:"ANTHROPIC_DEFAULT_MODEL" envDefault:"claude-3-5-haiku-latest"`
	MaxTokens    int    `env:"ANTHROPIC_MAX_TOKENS"    envDefault:"1024"`
}
