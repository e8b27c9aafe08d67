// Package relay forwards incremental provider output to a consumer. Every
// request runs on its own worker goroutine; every consumer callback runs on
// the consumer's dispatcher, in the order the provider produced the text.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/davidbz/relayd/internal/conversation"
	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
)

// DefaultWaitTimeout bounds how long Wait blocks for a worker.
const DefaultWaitTimeout = 2 * time.Second

// ErrRelayClosed is returned by Start after Shutdown.
var ErrRelayClosed = errors.New("relay is shut down")

// Relay starts and tracks stream handles.
type Relay struct {
	router      domain.Router
	dispatcher  domain.Dispatcher
	metrics     *observability.Metrics
	waitTimeout time.Duration

	closed  atomic.Bool
	mu      sync.Mutex
	handles map[string]*Handle
}

// Option configures a Relay.
type Option func(*Relay)

// WithMetrics records relay activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithWaitTimeout sets the default bound used by Handle.Wait and Shutdown.
func WithWaitTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.waitTimeout = d
		}
	}
}

// WithDefaultDispatcher sets the dispatcher used when Start is given none.
func WithDefaultDispatcher(d domain.Dispatcher) Option {
	return func(r *Relay) {
		r.dispatcher = d
	}
}

// New creates a relay that resolves providers through router.
func New(router domain.Router, opts ...Option) *Relay {
	r := &Relay{
		router:      router,
		waitTimeout: DefaultWaitTimeout,
		handles:     make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type startOptions struct {
	dispatcher domain.Dispatcher
}

// StartOption configures a single Start call.
type StartOption func(*startOptions)

// WithDispatcher marshals the handle's callbacks onto d.
func WithDispatcher(d domain.Dispatcher) StartOption {
	return func(o *startOptions) {
		o.dispatcher = d
	}
}

// Start validates params and begins relaying on a new worker goroutine. It
// returns immediately with a Running handle. When history is non-nil it is
// held for the lifetime of the handle; a second Start against it fails with
// domain.ErrConversationBusy.
//
// The worker keeps the values of ctx but not its cancellation; use
// Handle.Cancel to stop it.
func (r *Relay) Start(
	ctx context.Context,
	params domain.RequestParameters,
	history *conversation.History,
	opts ...StartOption,
) (*Handle, error) {
	if r.closed.Load() {
		return nil, ErrRelayClosed
	}

	o := startOptions{dispatcher: r.dispatcher}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dispatcher == nil {
		return nil, errors.New("no dispatcher for callbacks")
	}

	if err := params.Validate(); err != nil {
		r.reject("invalid_parameters")
		return nil, err
	}

	provider, err := r.router.Route(ctx, params.Model)
	if err != nil {
		r.reject("no_provider")
		return nil, fmt.Errorf("failed to route request: %w", err)
	}

	var (
		release func()
		prior   []domain.Turn
	)
	if history != nil {
		release, err = history.TryAcquire()
		if err != nil {
			r.reject("conversation_busy")
			return nil, err
		}
		prior = history.Turns()
	}

	id := uuid.New().String()

	workerCtx := observability.WithHandleID(ctx, id)
	workerCtx = observability.WithProvider(workerCtx, provider.Name())
	if params.Model != "" {
		workerCtx = observability.WithModel(workerCtx, params.Model)
	}
	if history != nil {
		workerCtx = observability.WithConversationID(workerCtx, history.ID())
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(workerCtx))

	h := &Handle{
		id:         id,
		provider:   provider.Name(),
		model:      params.Model,
		message:    params.Message,
		relay:      r,
		dispatcher: o.dispatcher,
		history:    history,
		release:    release,
		logger:     observability.FromContext(workerCtx),
		startedAt:  time.Now(),
		cancel:     cancel,
		exited:     make(chan struct{}),
	}

	// Shutdown flips closed under mu, so a handle is either in its snapshot
	// or refused here.
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		cancel()
		if release != nil {
			release()
		}
		r.reject("relay_closed")
		return nil, ErrRelayClosed
	}
	r.handles[id] = h
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.StreamsStarted.WithLabelValues(h.provider).Inc()
		r.metrics.StreamsInFlight.Inc()
	}

	h.logger.Info("stream started", observability.Int("history_turns", len(prior)))

	go h.run(workerCtx, provider, domain.NewCompletionRequest(params, prior))

	return h, nil
}

// Lookup finds an in-flight handle by id.
func (r *Relay) Lookup(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrHandleNotFound, id)
	}
	return h, nil
}

// InFlight returns the number of running handles.
func (r *Relay) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Shutdown refuses new requests, cancels every in-flight handle and waits for
// each worker. Workers that miss the wait timeout are reported together.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed.Store(true)
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	timeout := r.waitTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = max(remaining, time.Millisecond)
		}
	}

	errs := make([]error, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.CancelAndWait(timeout)
		}()
	}
	wg.Wait()

	return multierr.Combine(errs...)
}

func (r *Relay) forget(h *Handle) {
	r.mu.Lock()
	delete(r.handles, h.id)
	r.mu.Unlock()
}

func (r *Relay) reject(reason string) {
	if r.metrics != nil {
		r.metrics.Rejected.WithLabelValues(reason).Inc()
	}
}
