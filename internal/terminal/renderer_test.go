package terminal_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/relayd/internal/dispatch"
	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/provider/echo"
	"github.com/davidbz/relayd/internal/provider/registry"
	"github.com/davidbz/relayd/internal/relay"
	"github.com/davidbz/relayd/internal/routing"
	"github.com/davidbz/relayd/internal/terminal"
)

func newRelay(t *testing.T, delay time.Duration) *relay.Relay {
	t.Helper()

	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(context.Background(), echo.NewProvider(delay)))

	r := relay.New(routing.NewRouter(reg, "echo"))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func params(message string) domain.RequestParameters {
	return domain.RequestParameters{
		Message:     message,
		Temperature: 0.5,
		APIKey:      "local",
	}
}

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestRenderer_Stream(t *testing.T) {
	t.Run("should print the reply after the provider name", func(t *testing.T) {
		r := newRelay(t, 0)
		loop := dispatch.NewLoop(8)

		h, err := r.Start(context.Background(), params("hello there"), nil, relay.WithDispatcher(loop))
		require.NoError(t, err)

		var out, status bytes.Buffer
		renderer := terminal.NewRenderer(&out, &status)

		var final domain.FinalState
		renderer.Stream(h, func(f domain.FinalState) {
			final = f
			loop.Stop()
		})

		require.NoError(t, loop.Run(context.Background()))
		require.Equal(t, domain.StateCompleted, final.State)
		require.Contains(t, out.String(), "echo → hello there\n")
		require.NotContains(t, status.String(), "cancelled")
	})

	t.Run("should mark a cancelled reply", func(t *testing.T) {
		r := newRelay(t, time.Hour)
		loop := dispatch.NewLoop(8)

		h, err := r.Start(context.Background(), params("one two"), nil, relay.WithDispatcher(loop))
		require.NoError(t, err)

		var out, status bytes.Buffer
		renderer := terminal.NewRenderer(&out, &status)
		renderer.Stream(h, func(domain.FinalState) { loop.Stop() })
		h.Cancel()

		require.NoError(t, loop.Run(context.Background()))
		require.Equal(t, domain.StateCancelled, h.State())
		require.Contains(t, status.String(), "(cancelled)")
	})
}

func TestRenderer_Lane(t *testing.T) {
	r := newRelay(t, 0)
	loop := dispatch.NewLoop(8)

	h, err := r.Start(context.Background(), params("side by side"), nil, relay.WithDispatcher(loop))
	require.NoError(t, err)

	var out, status bytes.Buffer
	renderer := terminal.NewRenderer(&out, &status)
	renderer.Lane("stateless", h)

	group := relay.NewGroup(loop, h)
	group.OnAllDone(loop.Stop)

	require.NoError(t, loop.Run(context.Background()))
	require.Contains(t, out.String(), "[stateless] echo → side by side\n")
}

func TestRenderer_Messages(t *testing.T) {
	var out, status bytes.Buffer
	renderer := terminal.NewRenderer(&out, &status)

	renderer.Banner("relayd chat", "Ctrl-C cancels a reply.")
	renderer.Prompt()
	renderer.Info("model %s", "echo4")
	renderer.Error(domain.ErrConversationBusy)

	require.Empty(t, out.String())
	require.Contains(t, status.String(), "relayd chat")
	require.Contains(t, status.String(), "you → ")
	require.Contains(t, status.String(), "model echo4")
	require.Contains(t, status.String(), "error: ")
}
