// Package typewriter turns a whole-response completer into a fragment stream
// by emitting the response one word at a time with a short pause between
// words. It gives non-streaming backends the same incremental behaviour as
// streaming ones.
package typewriter

import (
	"context"
	"errors"
	"time"
	"unicode"

	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
)

// Config controls the pause between words.
type Config struct {
	Delay time.Duration `env:"TYPEWRITER_DELAY" envDefault:"30ms"`
}

// Provider adapts a domain.Completer to domain.Provider.
type Provider struct {
	name      string
	completer domain.Completer
	delay     time.Duration
	models    []string
}

// New creates a typewriter provider named name.
func New(name string, completer domain.Completer, delay time.Duration, models ...string) *Provider {
	return &Provider{
		name:      name,
		completer: completer,
		delay:     delay,
		models:    models,
	}
}

// Stream completes the request, then replays the text word by word.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.Fragment, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	fragments := make(chan domain.Fragment)

	go func() {
		defer close(fragments)

		text, err := p.completer.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.FromContext(ctx).Debug("typewriter completion failed", observability.Error(err))
			select {
			case fragments <- domain.ErrorFragment(domain.NewProviderError(p.name, err)):
			case <-ctx.Done():
			}
			return
		}

		for i, word := range SplitWords(text) {
			if i > 0 && p.delay > 0 {
				timer := time.NewTimer(p.delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}

			select {
			case <-ctx.Done():
				return
			case fragments <- domain.TextFragment(word):
			}
		}
	}()

	return fragments, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

// SupportedModels returns the models this provider serves.
func (p *Provider) SupportedModels(_ context.Context) []string {
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out
}

// SplitWords cuts text into pieces that each end after a run of whitespace,
// so concatenating the pieces yields text unchanged.
func SplitWords(text string) []string {
	if text == "" {
		return nil
	}

	var (
		words     []string
		start     int
		seenWord  bool
		seenSpace bool
	)
	for i, r := range text {
		if !unicode.IsSpace(r) {
			if seenSpace {
				words = append(words, text[start:i])
				start = i
				seenSpace = false
			}
			seenWord = true
			continue
		}
		if seenWord {
			seenSpace = true
		}
	}
	words = append(words, text[start:])

	return words
}
