// Package terminal renders relay streams on an interactive terminal.
package terminal

import (
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
)

// Spinner wraps a terminal spinner shown while a reply has not started.
type Spinner struct {
	s *spinner.Spinner
}

// NewSpinner creates a spinner with the given message, drawn on w.
// Drawing is skipped when w is not a terminal.
func NewSpinner(w io.Writer, msg string) *Spinner {
	opts := []spinner.Option{spinner.WithWriter(w)}
	if f, ok := w.(*os.File); ok {
		opts = append(opts, spinner.WithWriterFile(f))
	}

	s := spinner.New(spinner.CharSets[14], 80*time.Millisecond, opts...)
	s.Suffix = "  " + msg
	_ = s.Color("cyan")
	return &Spinner{s: s}
}

// Start begins the spinner animation.
func (sp *Spinner) Start() {
	sp.s.Start()
}

// Stop halts the spinner and clears the line. Stopping twice is harmless.
func (sp *Spinner) Stop() {
	sp.s.Stop()
}
