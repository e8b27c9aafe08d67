package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/relayd/internal/conversation"
	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
)

// Worker phases. Only one of Cancel and the worker's own finish can move a
// handle out of phaseRunning.
const (
	phaseRunning int32 = iota
	phaseCancelRequested
	phaseFinishing
)

// Handle is one in-flight relay operation.
type Handle struct {
	id       string
	provider string
	model    string
	message  string

	relay      *Relay
	dispatcher domain.Dispatcher
	history    *conversation.History
	release    func()
	logger     *zap.Logger
	startedAt  time.Time

	phase  atomic.Int32
	state  atomic.Int32
	cancel context.CancelFunc
	exited chan struct{}

	// Guarded by mu. Everything below is touched from dispatcher tasks and
	// from callback registration.
	mu            sync.Mutex
	onChunk       func(string)
	onDone        func(domain.FinalState)
	backlog       []string
	final         domain.FinalState
	chunksClosed  bool
	doneDelivered bool
	settled       bool
	settleHooks   []func()
}

// ID returns the handle identifier.
func (h *Handle) ID() string {
	return h.id
}

// Provider returns the name of the provider serving the handle.
func (h *Handle) Provider() string {
	return h.provider
}

// Model returns the requested model, empty when the provider default is used.
func (h *Handle) Model() string {
	return h.model
}

// State returns the current lifecycle state.
func (h *Handle) State() domain.State {
	return domain.State(h.state.Load())
}

// Done is closed once the worker has exited and the terminal state is set.
func (h *Handle) Done() <-chan struct{} {
	return h.exited
}

// Result returns the final state once the worker has exited.
func (h *Handle) Result() (domain.FinalState, bool) {
	select {
	case <-h.exited:
	default:
		return domain.FinalState{State: domain.StateRunning}, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.final, true
}

// OnChunk registers the per-fragment callback. It runs on the dispatcher, in
// arrival order. Fragments received before registration are delivered first.
func (h *Handle) OnChunk(cb func(text string)) {
	h.mu.Lock()
	h.onChunk = cb
	pending := len(h.backlog) > 0 && !h.chunksClosed
	h.mu.Unlock()

	if pending {
		h.postAsync(h.flush)
	}
}

// OnDone registers the terminal callback. It runs on the dispatcher exactly
// once, even when registered after the handle finished.
func (h *Handle) OnDone(cb func(final domain.FinalState)) {
	h.mu.Lock()
	h.onDone = cb
	late := h.chunksClosed && !h.doneDelivered
	h.mu.Unlock()

	if late {
		h.postAsync(h.deliverDone)
	}
}

// Cancel requests cooperative cancellation. The worker stops at the next
// fragment boundary. Cancelling a finished handle is a no-op.
func (h *Handle) Cancel() {
	if !h.phase.CompareAndSwap(phaseRunning, phaseCancelRequested) {
		return
	}

	h.logger.Debug("cancellation requested")
	h.cancel()
}

// Wait blocks until the worker acknowledges termination. A worker still
// running after timeout is logged and reported as ErrShutdownTimeout.
// A non-positive timeout uses the relay default.
func (h *Handle) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = h.relay.waitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.exited:
		return nil
	case <-timer.C:
		h.logger.Error("worker did not acknowledge termination",
			observability.Duration("timeout", timeout),
			observability.String("state", h.State().String()),
		)
		if h.relay.metrics != nil {
			h.relay.metrics.ShutdownTimeouts.Inc()
		}
		return fmt.Errorf("handle %s: %w", h.id, domain.ErrShutdownTimeout)
	}
}

// CancelAndWait cancels the handle and waits for its worker.
func (h *Handle) CancelAndWait(timeout time.Duration) error {
	h.Cancel()
	return h.Wait(timeout)
}

func (h *Handle) cancelRequested() bool {
	return h.phase.Load() == phaseCancelRequested
}

func (h *Handle) run(ctx context.Context, provider domain.Provider, req *domain.CompletionRequest) {
	fragments, err := provider.Stream(ctx, req)
	if err == nil && fragments == nil {
		err = errors.New("provider returned no stream")
	}
	if err != nil {
		h.fail(domain.NewProviderError(h.provider, err), "")
		return
	}

	var text strings.Builder

	for {
		select {
		case <-ctx.Done():
			h.finish(domain.FinalState{State: domain.StateCancelled, Text: text.String()})
			return

		case fragment, ok := <-fragments:
			if !ok {
				h.complete(ctx, text.String())
				return
			}

			if h.cancelRequested() {
				h.finish(domain.FinalState{State: domain.StateCancelled, Text: text.String()})
				return
			}

			if fragment.Kind == domain.FragmentError {
				h.fail(fragment.Err, text.String())
				return
			}

			text.WriteString(fragment.Text)

			chunk := fragment.Text
			if postErr := h.dispatcher.Post(ctx, func() { h.deliverChunk(chunk) }); postErr != nil {
				if ctx.Err() == nil {
					h.logger.Warn("consumer gone, cancelling", observability.Error(postErr))
					h.Cancel()
				}
				continue
			}

			if h.relay.metrics != nil {
				h.relay.metrics.Fragments.WithLabelValues(h.provider).Inc()
			}
		}
	}
}

func (h *Handle) fail(reason error, text string) {
	if !h.phase.CompareAndSwap(phaseRunning, phaseFinishing) {
		h.finish(domain.FinalState{State: domain.StateCancelled, Text: text})
		return
	}

	h.finish(domain.FinalState{State: domain.StateFailed, Err: reason, Text: text})
}

func (h *Handle) complete(ctx context.Context, text string) {
	if !h.phase.CompareAndSwap(phaseRunning, phaseFinishing) {
		h.finish(domain.FinalState{State: domain.StateCancelled, Text: text})
		return
	}

	if h.history != nil {
		now := time.Now().UTC()
		err := h.history.Commit(ctx,
			domain.Turn{Role: domain.RoleUser, Content: h.message, CreatedAt: now},
			domain.Turn{Role: domain.RoleAssistant, Content: text, CreatedAt: now},
		)
		if err != nil {
			h.finish(domain.FinalState{State: domain.StateFailed, Err: err, Text: text})
			return
		}
	}

	h.finish(domain.FinalState{State: domain.StateCompleted, Text: text})
}

// finish is called exactly once, by the worker.
func (h *Handle) finish(final domain.FinalState) {
	h.mu.Lock()
	h.final = final
	h.mu.Unlock()

	h.state.Store(int32(final.State))
	h.cancel()
	if h.release != nil {
		h.release()
	}
	h.relay.forget(h)

	fields := []zap.Field{
		observability.String("state", final.State.String()),
		observability.Duration("elapsed", time.Since(h.startedAt)),
	}
	if final.Err != nil {
		h.logger.Warn("stream failed", append(fields, observability.Error(final.Err))...)
	} else {
		h.logger.Info("stream finished", fields...)
	}

	if h.relay.metrics != nil {
		h.relay.metrics.StreamsInFlight.Dec()
		h.relay.metrics.StreamsFinished.WithLabelValues(h.provider, final.State.String()).Inc()
		h.relay.metrics.StreamDuration.WithLabelValues(h.provider, final.State.String()).
			Observe(time.Since(h.startedAt).Seconds())
	}

	close(h.exited)

	if err := h.dispatcher.Post(context.Background(), h.closeChunks); err != nil {
		h.logger.Error("failed to deliver terminal state", observability.Error(err))
		h.settle()
	}
}

// onSettled runs fn once the terminal task has run on the dispatcher, or
// right away if it already has.
func (h *Handle) onSettled(fn func()) {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		fn()
		return
	}
	h.settleHooks = append(h.settleHooks, fn)
	h.mu.Unlock()
}

func (h *Handle) settle() {
	h.mu.Lock()
	h.settled = true
	hooks := h.settleHooks
	h.settleHooks = nil
	h.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// postAsync is used from callback registration, whose caller may be the
// dispatcher goroutine itself.
func (h *Handle) postAsync(task func()) {
	go func() {
		if err := h.dispatcher.Post(context.Background(), task); err != nil {
			h.logger.Debug("dropped late callback", observability.Error(err))
		}
	}()
}

// The methods below run on the dispatcher.

func (h *Handle) deliverChunk(text string) {
	h.mu.Lock()
	if h.chunksClosed || h.cancelRequested() {
		h.mu.Unlock()
		return
	}
	h.backlog = append(h.backlog, text)
	h.mu.Unlock()

	h.flush()
}

func (h *Handle) flush() {
	for {
		h.mu.Lock()
		if h.chunksClosed || h.cancelRequested() || h.onChunk == nil || len(h.backlog) == 0 {
			h.mu.Unlock()
			return
		}
		next := h.backlog[0]
		h.backlog = h.backlog[1:]
		cb := h.onChunk
		h.mu.Unlock()

		cb(next)
	}
}

func (h *Handle) closeChunks() {
	if h.State() != domain.StateCancelled {
		h.flush()
	}

	h.mu.Lock()
	h.chunksClosed = true
	h.backlog = nil
	h.mu.Unlock()

	h.deliverDone()
	h.settle()
}

func (h *Handle) deliverDone() {
	h.mu.Lock()
	if !h.chunksClosed || h.doneDelivered || h.onDone == nil {
		h.mu.Unlock()
		return
	}
	h.doneDelivered = true
	cb := h.onDone
	final := h.final
	h.mu.Unlock()

	cb(final)
}
