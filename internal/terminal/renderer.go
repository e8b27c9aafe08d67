package terminal

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/relay"
)

// Renderer writes replies to out and prompts and status lines to status.
// Its methods that take a handle register callbacks, so the output happens on
// the dispatcher that handle was started with.
type Renderer struct {
	out     io.Writer
	status  io.Writer
	spinner *Spinner

	accent *color.Color
	dim    *color.Color
	prompt *color.Color
	warn   *color.Color
	fail   *color.Color
}

// NewRenderer creates a renderer.
func NewRenderer(out, status io.Writer) *Renderer {
	return &Renderer{
		out:     out,
		status:  status,
		spinner: NewSpinner(status, "Thinking..."),
		accent:  color.New(color.FgCyan, color.Bold),
		dim:     color.New(color.FgHiBlack),
		prompt:  color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		fail:    color.New(color.FgRed),
	}
}

// Banner prints the session header.
func (r *Renderer) Banner(title, subtitle string) {
	fmt.Fprintln(r.status)
	r.accent.Fprintf(r.status, "  %s\n", title)
	r.dim.Fprintf(r.status, "  %s\n\n", subtitle)
}

// Prompt prints the input prompt.
func (r *Renderer) Prompt() {
	r.prompt.Fprint(r.status, "  you → ")
}

// Info prints a dimmed note.
func (r *Renderer) Info(format string, args ...any) {
	r.dim.Fprintf(r.status, "  "+format+"\n", args...)
}

// Error prints err in red.
func (r *Renderer) Error(err error) {
	r.fail.Fprintf(r.status, "  error: %v\n\n", err)
}

// Stream prints the reply of h as it arrives. The spinner runs until the
// first fragment. done runs after the terminal state has been printed.
func (r *Renderer) Stream(h *relay.Handle, done func(final domain.FinalState)) {
	r.spinner.Start()

	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		r.spinner.Stop()
		r.accent.Fprintf(r.out, "  %s → ", h.Provider())
	}

	h.OnChunk(func(text string) {
		begin()
		fmt.Fprint(r.out, text)
	})
	h.OnDone(func(final domain.FinalState) {
		begin()
		fmt.Fprintln(r.out)
		r.printOutcome(final)
		fmt.Fprintln(r.out)
		if done != nil {
			done(final)
		}
	})
}

// Lane collects the reply of h and prints it as one labelled block when it
// is finished, so concurrent lanes do not interleave.
func (r *Renderer) Lane(name string, h *relay.Handle) {
	var text strings.Builder

	h.OnChunk(func(chunk string) {
		text.WriteString(chunk)
	})
	h.OnDone(func(final domain.FinalState) {
		r.spinner.Stop()
		r.accent.Fprintf(r.out, "  [%s] %s → ", name, h.Provider())
		fmt.Fprintln(r.out, text.String())
		r.printOutcome(final)
		fmt.Fprintln(r.out)
	})
}

// Interrupted stops the spinner of a reply that is abandoned before its
// terminal state.
func (r *Renderer) Interrupted() {
	r.spinner.Stop()
	r.warn.Fprintln(r.status, "\n  (interrupted)")
}

// Waiting starts the spinner without attaching a handle.
func (r *Renderer) Waiting() {
	r.spinner.Start()
}

func (r *Renderer) printOutcome(final domain.FinalState) {
	switch final.State {
	case domain.StateCancelled:
		r.warn.Fprintln(r.status, "  (cancelled)")
	case domain.StateFailed:
		r.fail.Fprintf(r.status, "  (failed: %v)\n", final.Err)
	default:
	}
}
