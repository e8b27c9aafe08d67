package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/relayd/internal/dispatch"
	"github.com/davidbz/relayd/internal/domain"
)

const testTimeout = 2 * time.Second

// scriptedProvider replays fragments. With a gate, each fragment waits for
// one receive on the gate first.
type scriptedProvider struct {
	name      string
	fragments []domain.Fragment
	gate      chan struct{}
	streamErr error

	mu       sync.Mutex
	requests []*domain.CompletionRequest
}

func newScripted(texts ...string) *scriptedProvider {
	fragments := make([]domain.Fragment, 0, len(texts))
	for _, text := range texts {
		fragments = append(fragments, domain.TextFragment(text))
	}
	return &scriptedProvider{name: "stub", fragments: fragments}
}

func (p *scriptedProvider) gated() *scriptedProvider {
	p.gate = make(chan struct{})
	return p
}

func (p *scriptedProvider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.Fragment, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.streamErr != nil {
		return nil, p.streamErr
	}

	out := make(chan domain.Fragment)
	go func() {
		defer close(out)
		for _, f := range p.fragments {
			if p.gate != nil {
				select {
				case <-p.gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) IsModelSupported(_ context.Context, _ string) bool { return true }

func (p *scriptedProvider) SupportedModels(_ context.Context) []string { return nil }

func (p *scriptedProvider) lastRequest() *domain.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

// stuckProvider ignores cancellation until released.
type stuckProvider struct {
	release chan struct{}
}

func (p *stuckProvider) Stream(_ context.Context, _ *domain.CompletionRequest) (<-chan domain.Fragment, error) {
	<-p.release
	out := make(chan domain.Fragment)
	close(out)
	return out, nil
}

func (p *stuckProvider) Name() string { return "stuck" }

func (p *stuckProvider) IsModelSupported(_ context.Context, _ string) bool { return true }

func (p *stuckProvider) SupportedModels(_ context.Context) []string { return nil }

// staticRouter always picks the same provider.
type staticRouter struct {
	provider domain.Provider
	err      error
}

func (r *staticRouter) Route(_ context.Context, _ string) (domain.Provider, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.provider, nil
}

// blockingRouter holds Route until release is closed.
type blockingRouter struct {
	provider domain.Provider
	entered  chan struct{}
	release  chan struct{}
}

func newBlockingRouter(provider domain.Provider) *blockingRouter {
	return &blockingRouter{
		provider: provider,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (r *blockingRouter) Route(_ context.Context, _ string) (domain.Provider, error) {
	close(r.entered)
	<-r.release
	return r.provider, nil
}

// recorder collects callbacks. It is only touched on the loop goroutine
// until done is closed.
type recorder struct {
	events []string
	chunks []string
	finals []domain.FinalState
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) onChunk(text string) {
	r.events = append(r.events, "chunk")
	r.chunks = append(r.chunks, text)
}

func (r *recorder) onDone(final domain.FinalState) {
	r.events = append(r.events, "done")
	r.finals = append(r.finals, final)
	if len(r.finals) == 1 {
		close(r.done)
	}
}

func (r *recorder) wait(t *testing.T) domain.FinalState {
	t.Helper()

	select {
	case <-r.done:
	case <-time.After(testTimeout):
		t.Fatal("terminal callback was not delivered")
	}
	return r.finals[0]
}

func validParams(message string) domain.RequestParameters {
	return domain.RequestParameters{
		Message:     message,
		Temperature: 0.2,
		APIKey:      "sk-test",
	}
}

func newRunningLoop(t *testing.T) *dispatch.Loop {
	t.Helper()

	loop := dispatch.NewLoop(16)
	go func() {
		_ = loop.Run(context.Background())
	}()
	t.Cleanup(loop.Stop)
	return loop
}

// drain returns once every task posted before the call has run.
func drain(t *testing.T, loop *dispatch.Loop) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ran := make(chan struct{})
	require.NoError(t, loop.Post(ctx, func() { close(ran) }))

	select {
	case <-ran:
	case <-ctx.Done():
		t.Fatal("loop did not drain")
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("worker did not exit")
	}
}
