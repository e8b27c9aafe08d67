package relay_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/relayd/internal/conversation"
	"github.com/davidbz/relayd/internal/dispatch"
	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
	"github.com/davidbz/relayd/internal/relay"
)

// failingStore rejects every append.
type failingStore struct {
	*conversation.MemoryStore
}

func (f *failingStore) Append(_ context.Context, _ string, _ []domain.Turn) error {
	return errors.New("disk full")
}

func TestRelay_Start(t *testing.T) {
	t.Run("should relay fragments in order and commit the response", func(t *testing.T) {
		loop := newRunningLoop(t)
		provider := newScripted("Hi", " there", "!")
		r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(loop))
		history := conversation.NewHistory("c1")
		rec := newRecorder()

		h, err := r.Start(context.Background(), validParams("hello"), history)
		require.NoError(t, err)
		h.OnChunk(rec.onChunk)
		h.OnDone(rec.onDone)

		final := rec.wait(t)
		drain(t, loop)

		require.Equal(t, domain.StateCompleted, final.State)
		require.NoError(t, final.Cause())
		require.Equal(t, "Hi there!", final.Text)
		require.Equal(t, []string{"Hi", " there", "!"}, rec.chunks)
		require.Equal(t, []string{"chunk", "chunk", "chunk", "done"}, rec.events)
		require.Equal(t, domain.StateCompleted, h.State())

		turns := history.Turns()
		require.Len(t, turns, 2)
		require.Equal(t, domain.RoleUser, turns[0].Role)
		require.Equal(t, "hello", turns[0].Content)
		require.Equal(t, domain.RoleAssistant, turns[1].Role)
		require.Equal(t, "Hi there!", turns[1].Content)
		require.False(t, history.InFlight())
	})

	t.Run("should return a running handle immediately", func(t *testing.T) {
		loop := newRunningLoop(t)
		provider := newScripted("a").gated()
		r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(loop))

		h, err := r.Start(context.Background(), validParams("hello"), nil)
		require.NoError(t, err)
		require.Equal(t, domain.StateRunning, h.State())
		require.NotEmpty(t, h.ID())
		require.Equal(t, "stub", h.Provider())

		_, finished := h.Result()
		require.False(t, finished)

		close(provider.gate)
		waitDone(t, h.Done())

		final, finished := h.Result()
		require.True(t, finished)
		require.Equal(t, domain.StateCompleted, final.State)
	})

	t.Run("should pass prior turns and parameters to the provider", func(t *testing.T) {
		loop := newRunningLoop(t)
		provider := newScripted("ok")
		r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(loop))
		history := conversation.NewHistory("c1")
		require.NoError(t, history.Commit(context.Background(),
			domain.Turn{Role: domain.RoleUser, Content: "first"},
			domain.Turn{Role: domain.RoleAssistant, Content: "reply"},
		))

		params := validParams("second")
		params.SystemPrompt = "be brief"
		h, err := r.Start(context.Background(), params, history)
		require.NoError(t, err)
		waitDone(t, h.Done())

		req := provider.lastRequest()
		require.NotNil(t, req)
		require.Equal(t, "second", req.Message)
		require.Equal(t, "be brief", req.SystemPrompt)
		require.Equal(t, "sk-test", req.APIKey)
		require.InDelta(t, 0.2, req.Temperature, 1e-9)
		require.Len(t, req.History, 2)
		require.Equal(t, "first", req.History[0].Content)
		require.Equal(t, 4, history.Len())
	})

	t.Run("should keep a long stream in order", func(t *testing.T) {
		loop := newRunningLoop(t)
		texts := make([]string, 200)
		for i := range texts {
			texts[i] = strconv.Itoa(i) + " "
		}
		r := relay.New(&staticRouter{provider: newScripted(texts...)}, relay.WithDefaultDispatcher(loop))
		rec := newRecorder()

		h, err := r.Start(context.Background(), validParams("count"), nil)
		require.NoError(t, err)
		h.OnChunk(rec.onChunk)
		h.OnDone(rec.onDone)

		rec.wait(t)
		require.Equal(t, texts, rec.chunks)
	})

	t.Run("should reject invalid parameters before dispatch", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(*domain.RequestParameters)
		}{
			{name: "empty message", mutate: func(p *domain.RequestParameters) { p.Message = "" }},
			{name: "blank message", mutate: func(p *domain.RequestParameters) { p.Message = "  \n" }},
			{name: "missing key", mutate: func(p *domain.RequestParameters) { p.APIKey = "" }},
			{name: "temperature too high", mutate: func(p *domain.RequestParameters) { p.Temperature = 1.5 }},
			{name: "negative temperature", mutate: func(p *domain.RequestParameters) { p.Temperature = -0.1 }},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				provider := newScripted("x")
				r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(dispatch.NewLoop(1)))
				history := conversation.NewHistory("c1")

				params := validParams("hello")
				tt.mutate(&params)

				h, err := r.Start(context.Background(), params, history)
				require.ErrorIs(t, err, domain.ErrInvalidParameters)
				require.Nil(t, h)
				require.False(t, history.InFlight())
				require.Nil(t, provider.lastRequest())
			})
		}
	})

	t.Run("should fail when no dispatcher is available", func(t *testing.T) {
		r := relay.New(&staticRouter{provider: newScripted("x")})

		h, err := r.Start(context.Background(), validParams("hello"), nil)
		require.Error(t, err)
		require.Nil(t, h)
	})

	t.Run("should surface routing failures and release nothing", func(t *testing.T) {
		routeErr := fmt.Errorf("%w: no provider found for model: llama", domain.ErrInvalidParameters)
		r := relay.New(&staticRouter{err: routeErr}, relay.WithDefaultDispatcher(dispatch.NewLoop(1)))
		history := conversation.NewHistory("c1")

		_, err := r.Start(context.Background(), validParams("hello"), history)
		require.ErrorIs(t, err, domain.ErrInvalidParameters)
		require.False(t, history.InFlight())
	})
}

func TestRelay_Terminal(t *testing.T) {
	t.Run("should deliver the terminal callback exactly once", func(t *testing.T) {
		loop := newRunningLoop(t)
		r := relay.New(&staticRouter{provider: newScripted("a", "b")}, relay.WithDefaultDispatcher(loop))
		rec := newRecorder()

		h, err := r.Start(context.Background(), validParams("hello"), nil)
		require.NoError(t, err)
		h.OnDone(rec.onDone)

		rec.wait(t)
		h.Cancel()
		require.NoError(t, h.Wait(time.Second))
		drain(t, loop)

		require.Len(t, rec.finals, 1)
		require.Equal(t, domain.StateCompleted, h.State())
	})

	t.Run("should deliver the terminal callback when registered late", func(t *testing.T) {
		loop := newRunningLoop(t)
		r := relay.New(&staticRouter{provider: newScripted("a")}, relay.WithDefaultDispatcher(loop))

		h, err := r.Start(context.Background(), validParams("hello"), nil)
		require.NoError(t, err)
		waitDone(t, h.Done())
		drain(t, loop)

		rec := newRecorder()
		h.OnDone(rec.onDone)

		final := rec.wait(t)
		drain(t, loop)
		require.Equal(t, domain.StateCompleted, final.State)
		require.Len(t, rec.finals, 1)
	})

	t.Run("should hold early fragments until a chunk callback is registered", func(t *testing.T) {
		loop := newRunningLoop(t)
		metrics := observability.NewMetrics()
		provider := newScripted("a", "b", "c").gated()
		r := relay.New(&staticRouter{provider: provider},
			relay.WithDefaultDispatcher(loop), relay.WithMetrics(metrics))

		h, err := r.Start(context.Background(), validParams("hello"), nil)
		require.NoError(t, err)

		provider.gate <- struct{}{}
		provider.gate <- struct{}{}
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(metrics.Fragments.WithLabelValues("stub")) == 2
		}, testTimeout, 5*time.Millisecond)
		drain(t, loop)

		rec := newRecorder()
		h.OnChunk(rec.onChunk)
		h.OnDone(rec.onDone)
		provider.gate <- struct{}{}

		final := rec.wait(t)
		require.Equal(t, domain.StateCompleted, final.State)
		require.Equal(t, []string{"a", "b", "c"}, rec.chunks)
	})
}

func TestRelay_Cancel(t *testing.T) {
	t.Run("should end cancelled with no chunks when cancelled before the first fragment", func(t *testing.T) {
		loop := newRunningLoop(t)
		provider := newScripted("Hi", " there").gated()
		r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(loop))
		history := conversation.NewHistory("c1")
		rec := newRecorder()

		h, err := r.Start(context.Background(), validParams("hello"), history)
		require.NoError(t, err)
		h.OnChunk(rec.onChunk)
		h.OnDone(rec.onDone)

		require.NoError(t, h.CancelAndWait(time.Second))

		final := rec.wait(t)
		drain(t, loop)
		require.Equal(t, domain.StateCancelled, final.State)
		require.ErrorIs(t, final.Cause(), domain.ErrCancelled)
		require.Empty(t, rec.chunks)
		require.Equal(t, 0, history.Len())
		require.False(t, history.InFlight())
	})

	t.Run("should stop delivering chunks after a mid-stream cancel", func(t *testing.T) {
		loop := newRunningLoop(t)
		provider := newScripted("Hi", " there", "!").gated()
		r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(loop))
		history := conversation.NewHistory("c1")
		require.NoError(t, history.Commit(context.Background(),
			domain.Turn{Role: domain.RoleUser, Content: "before"},
			domain.Turn{Role: domain.RoleAssistant, Content: "reply"},
		))
		before := history.Turns()
		rec := newRecorder()

		h, err := r.Start(context.Background(), validParams("hello"), history)
		require.NoError(t, err)
		h.OnChunk(func(text string) {
			rec.onChunk(text)
			h.Cancel()
		})
		h.OnDone(rec.onDone)
		provider.gate <- struct{}{}

		final := rec.wait(t)
		drain(t, loop)

		require.Equal(t, domain.StateCancelled, final.State)
		require.Equal(t, "Hi", final.Text)
		require.Equal(t, []string{"Hi"}, rec.chunks)
		require.Equal(t, []string{"chunk", "done"}, rec.events)
		require.Equal(t, before, history.Turns())
		require.False(t, history.InFlight())
	})

	t.Run("should treat cancel of a finished handle as a no-op", func(t *testing.T) {
		loop := newRunningLoop(t)
		r := relay.New(&staticRouter{provider: newScripted("a")}, relay.WithDefaultDispatcher(loop))
		history := conversation.NewHistory("c1")

		h, err := r.Start(context.Background(), validParams("hello"), history)
		require.NoError(t, err)
		waitDone(t, h.Done())

		h.Cancel()
		require.NoError(t, h.CancelAndWait(time.Second))
		require.Equal(t, domain.StateCompleted, h.State())
		require.Equal(t, 2, history.Len())
	})

	t.Run("should cancel when the consumer loop is gone", func(t *testing.T) {
		loop := dispatch.NewLoop(1)
		loop.Stop()
		r := relay.New(&staticRouter{provider: newScripted("a", "b")}, relay.WithDefaultDispatcher(loop))

		h, err := r.Start(context.Background(), validParams("hello"), nil)
		require.NoError(t, err)
		waitDone(t, h.Done())

		require.Equal(t, domain.StateCancelled, h.State())
	})
}

func TestRelay_History(t *testing.T) {
	t.Run("should reject a concurrent start against the same history", func(t *testing.T) {
		loop := newRunningLoop(t)
		provider := newScripted("a").gated()
		r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(loop))
		history := conversation.NewHistory("c1")

		first, err := r.Start(context.Background(), validParams("one"), history)
		require.NoError(t, err)

		second, err := r.Start(context.Background(), validParams("two"), history)
		require.ErrorIs(t, err, domain.ErrConversationBusy)
		require.Nil(t, second)

		close(provider.gate)
		waitDone(t, first.Done())

		third, err := r.Start(context.Background(), validParams("three"), history)
		require.NoError(t, err)
		waitDone(t, third.Done())

		turns := history.Turns()
		require.Len(t, turns, 4)
		require.Equal(t, "one", turns[0].Content)
		require.Equal(t, "three", turns[2].Content)
	})

	t.Run("should admit exactly one of many simultaneous starts", func(t *testing.T) {
		loop := newRunningLoop(t)
		provider := newScripted("a").gated()
		r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(loop))
		history := conversation.NewHistory("c1")

		const starters = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			started []*relay.Handle
			busy    int
		)
		for range starters {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h, err := r.Start(context.Background(), validParams("hello"), history)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					require.ErrorIs(t, err, domain.ErrConversationBusy)
					busy++
					return
				}
				started = append(started, h)
			}()
		}
		wg.Wait()

		require.Len(t, started, 1)
		require.Equal(t, starters-1, busy)

		close(provider.gate)
		waitDone(t, started[0].Done())
		require.Equal(t, 2, history.Len())
	})

	t.Run("should leave history untouched on a provider error", func(t *testing.T) {
		loop := newRunningLoop(t)
		provider := newScripted("Hi")
		provider.fragments = append(provider.fragments,
			domain.ErrorFragment(domain.NewProviderError("stub", errors.New("connection reset"))),
			domain.TextFragment("never"),
		)
		r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(loop))
		history := conversation.NewHistory("c1")
		rec := newRecorder()

		h, err := r.Start(context.Background(), validParams("hello"), history)
		require.NoError(t, err)
		h.OnChunk(rec.onChunk)
		h.OnDone(rec.onDone)

		final := rec.wait(t)
		drain(t, loop)

		require.Equal(t, domain.StateFailed, final.State)
		require.ErrorIs(t, final.Err, domain.ErrProvider)
		require.Equal(t, []string{"Hi"}, rec.chunks)
		require.Equal(t, []string{"chunk", "done"}, rec.events)
		require.Equal(t, 0, history.Len())
		require.False(t, history.InFlight())
	})

	t.Run("should fail when the provider cannot open a stream", func(t *testing.T) {
		loop := newRunningLoop(t)
		provider := newScripted()
		provider.streamErr = errors.New("401 unauthorized")
		r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(loop))
		history := conversation.NewHistory("c1")
		rec := newRecorder()

		h, err := r.Start(context.Background(), validParams("hello"), history)
		require.NoError(t, err)
		h.OnDone(rec.onDone)

		final := rec.wait(t)
		require.Equal(t, domain.StateFailed, final.State)
		require.ErrorIs(t, final.Err, domain.ErrProvider)

		var providerErr *domain.ProviderError
		require.ErrorAs(t, final.Err, &providerErr)
		require.Equal(t, "stub", providerErr.Provider)
		require.Equal(t, 0, history.Len())
	})

	t.Run("should fail without committing when persistence fails", func(t *testing.T) {
		loop := newRunningLoop(t)
		manager := conversation.NewManager(&failingStore{MemoryStore: conversation.NewMemoryStore()})
		history, err := manager.Get(context.Background(), "c1")
		require.NoError(t, err)

		r := relay.New(&staticRouter{provider: newScripted("Hi")}, relay.WithDefaultDispatcher(loop))
		rec := newRecorder()

		h, err := r.Start(context.Background(), validParams("hello"), history)
		require.NoError(t, err)
		h.OnDone(rec.onDone)

		final := rec.wait(t)
		require.Equal(t, domain.StateFailed, final.State)
		require.ErrorContains(t, final.Err, "disk full")
		require.Equal(t, 0, history.Len())
		require.False(t, history.InFlight())
	})
}

func TestRelay_Wait(t *testing.T) {
	t.Run("should report a worker that ignores cancellation", func(t *testing.T) {
		loop := newRunningLoop(t)
		metrics := observability.NewMetrics()
		provider := &stuckProvider{release: make(chan struct{})}
		r := relay.New(&staticRouter{provider: provider},
			relay.WithDefaultDispatcher(loop), relay.WithMetrics(metrics))
		rec := newRecorder()

		h, err := r.Start(context.Background(), validParams("hello"), nil)
		require.NoError(t, err)
		h.OnDone(rec.onDone)

		err = h.CancelAndWait(20 * time.Millisecond)
		require.ErrorIs(t, err, domain.ErrShutdownTimeout)
		require.InDelta(t, 1, testutil.ToFloat64(metrics.ShutdownTimeouts), 0)
		require.Equal(t, domain.StateRunning, h.State())

		close(provider.release)
		final := rec.wait(t)
		require.Equal(t, domain.StateCancelled, final.State)
		require.NoError(t, h.Wait(time.Second))
	})
}

func TestRelay_Lookup(t *testing.T) {
	loop := newRunningLoop(t)
	provider := newScripted("a").gated()
	r := relay.New(&staticRouter{provider: provider}, relay.WithDefaultDispatcher(loop))

	h, err := r.Start(context.Background(), validParams("hello"), nil)
	require.NoError(t, err)

	found, err := r.Lookup(h.ID())
	require.NoError(t, err)
	require.Same(t, h, found)
	require.Equal(t, 1, r.InFlight())

	close(provider.gate)
	waitDone(t, h.Done())

	_, err = r.Lookup(h.ID())
	require.ErrorIs(t, err, domain.ErrHandleNotFound)
	require.Equal(t, 0, r.InFlight())
}

func TestRelay_Shutdown(t *testing.T) {
	t.Run("should cancel and wait for every handle", func(t *testing.T) {
		loop := newRunningLoop(t)
		r := relay.New(&staticRouter{provider: newScripted("a").gated()}, relay.WithDefaultDispatcher(loop))

		h1, err := r.Start(context.Background(), validParams("one"), nil)
		require.NoError(t, err)
		h2, err := r.Start(context.Background(), validParams("two"), nil)
		require.NoError(t, err)

		require.NoError(t, r.Shutdown(context.Background()))
		require.Equal(t, domain.StateCancelled, h1.State())
		require.Equal(t, domain.StateCancelled, h2.State())

		_, err = r.Start(context.Background(), validParams("three"), nil)
		require.ErrorIs(t, err, relay.ErrRelayClosed)
	})

	t.Run("should refuse a start that was routing when shutdown began", func(t *testing.T) {
		loop := newRunningLoop(t)
		router := newBlockingRouter(newScripted("a").gated())
		r := relay.New(router, relay.WithDefaultDispatcher(loop))
		history := conversation.NewHistory("c1")

		type started struct {
			handle *relay.Handle
			err    error
		}
		result := make(chan started, 1)
		go func() {
			h, err := r.Start(context.Background(), validParams("late"), history)
			result <- started{handle: h, err: err}
		}()

		waitDone(t, router.entered)
		require.NoError(t, r.Shutdown(context.Background()))
		close(router.release)

		var res started
		select {
		case res = <-result:
		case <-time.After(testTimeout):
			t.Fatal("start did not return")
		}

		require.ErrorIs(t, res.err, relay.ErrRelayClosed)
		require.Nil(t, res.handle)
		require.Equal(t, 0, r.InFlight())
		require.False(t, history.InFlight())
	})

	t.Run("should join timeouts of stuck workers", func(t *testing.T) {
		loop := newRunningLoop(t)
		provider := &stuckProvider{release: make(chan struct{})}
		r := relay.New(&staticRouter{provider: provider},
			relay.WithDefaultDispatcher(loop), relay.WithWaitTimeout(20*time.Millisecond))
		defer close(provider.release)

		_, err := r.Start(context.Background(), validParams("one"), nil)
		require.NoError(t, err)
		_, err = r.Start(context.Background(), validParams("two"), nil)
		require.NoError(t, err)

		err = r.Shutdown(context.Background())
		require.ErrorIs(t, err, domain.ErrShutdownTimeout)
		require.Contains(t, err.Error(), ";")
	})
}
