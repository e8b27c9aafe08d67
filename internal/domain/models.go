package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MinTemperature is the lowest accepted sampling temperature.
	MinTemperature = 0.0
	// MaxTemperature is the highest accepted sampling temperature.
	MaxTemperature = 1.0
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// RequestParameters carries everything needed to issue one relay request.
// Values are treated as immutable once a request has been started.
type RequestParameters struct {
	Message      string  `json:"message"`
	Temperature  float64 `json:"temperature"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	APIKey       string  `json:"-"`
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// Validate rejects parameters that must never reach a provider.
func (p RequestParameters) Validate() error {
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("%w: message cannot be empty", ErrInvalidParameters)
	}

	if strings.TrimSpace(p.APIKey) == "" {
		return fmt.Errorf("%w: API key is required", ErrInvalidParameters)
	}

	if p.Temperature < MinTemperature || p.Temperature > MaxTemperature {
		return fmt.Errorf("%w: temperature %.2f outside [%.0f,%.0f]",
			ErrInvalidParameters, p.Temperature, MinTemperature, MaxTemperature)
	}

	if p.MaxTokens < 0 {
		return fmt.Errorf("%w: max tokens cannot be negative", ErrInvalidParameters)
	}

	return nil
}

// Turn is a single (role, text) entry of a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CompletionRequest is what a provider adapter receives.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	History      []Turn
	Message      string
	Temperature  float64
	MaxTokens    int
	APIKey       string
}

// NewCompletionRequest builds a provider request from validated parameters and prior turns.
func NewCompletionRequest(params RequestParameters, history []Turn) *CompletionRequest {
	return &CompletionRequest{
		Model:        params.Model,
		SystemPrompt: params.SystemPrompt,
		History:      history,
		Message:      params.Message,
		Temperature:  params.Temperature,
		MaxTokens:    params.MaxTokens,
		APIKey:       params.APIKey,
	}
}

// FragmentKind tags a Fragment.
type FragmentKind int

const (
	// FragmentText carries a piece of generated text.
	FragmentText FragmentKind = iota
	// FragmentError reports a provider failure; nothing follows it.
	FragmentError
)

// Fragment is one element of a provider stream.
type Fragment struct {
	Kind FragmentKind
	Text string
	Err  error
}

// TextFragment wraps a piece of generated text.
func TextFragment(content string) Fragment {
	return Fragment{Kind: FragmentText, Text: content}
}

// ErrorFragment wraps a provider failure.
func ErrorFragment(reason error) Fragment {
	return Fragment{Kind: FragmentError, Err: reason}
}

// State is the lifecycle state of a stream handle.
type State int32

const (
	StateRunning State = iota
	StateCompleted
	StateCancelled
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s != StateRunning
}

// FinalState is delivered exactly once per handle.
type FinalState struct {
	State State
	// Err is set only when State is StateFailed.
	Err error
	// Text is the accumulated response. It is complete only for StateCompleted.
	Text string
}

// Cause returns nil for a completed handle, ErrCancelled for a cancelled one
// and the failure reason otherwise.
func (f FinalState) Cause() error {
	switch f.State {
	case StateCompleted, StateRunning:
		return nil
	case StateCancelled:
		return ErrCancelled
	default:
		if f.Err == nil {
			return ErrProvider
		}
		return f.Err
	}
}
