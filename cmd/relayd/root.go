package main

import (
	"github.com/spf13/cobra"

	"github.com/davidbz/relayd/internal/chat"
	"github.com/davidbz/relayd/internal/config"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	model          string
	temperature    float64
	temperatureSet bool
	systemPrompt   string
	apiKey         string
	verbose        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "relayd",
		Short: "Relay streamed completions to terminals and HTTP clients",
		Long: `relayd starts completion requests against a provider, forwards the reply
fragment by fragment, and records finished replies in the conversation.

Examples:
  relayd serve --port 8080
  relayd chat --model gpt-4o-mini
  relayd compare "explain goroutines" --conversation demo`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.temperatureSet = cmd.Flags().Changed("temperature")
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.model, "model", "m", "", "Model to use (default: the default provider's model)")
	flags.Float64VarP(&opts.temperature, "temperature", "t", 0, "Sampling temperature in [0,1]")
	flags.StringVar(&opts.systemPrompt, "system-prompt", "", "System prompt sent before the conversation")
	flags.StringVar(&opts.apiKey, "api-key", "", "API key for this session (default: the provider's configured key)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log at info level")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newCompareCmd(opts))

	return cmd
}

// settings turns flags into per-request settings.
func (o *rootOptions) settings() chat.Settings {
	s := chat.Settings{
		Model:        o.model,
		SystemPrompt: o.systemPrompt,
		APIKey:       o.apiKey,
	}
	if o.temperatureSet {
		temperature := o.temperature
		s.Temperature = &temperature
	}
	return s
}

// quietLogs keeps interactive sessions free of info logs unless --verbose.
func (o *rootOptions) quietLogs(cfg *config.Config) {
	if !o.verbose {
		cfg.Log.Level = "warn"
	}
}
