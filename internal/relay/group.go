package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
)

// Group tracks a batch of handles started together, such as the lanes of a
// comparison. Each Group counts only its own handles.
type Group struct {
	dispatcher domain.Dispatcher
	logger     *zap.Logger
	handles    []*Handle
	remaining  atomic.Int64
	unsettled  atomic.Int64

	eg   errgroup.Group
	done chan struct{}
	err  error

	mu         sync.Mutex
	onAllDone  func()
	allSettled bool
	fired      bool
}

// NewGroup starts tracking handles. OnAllDone callbacks run on dispatcher.
func NewGroup(dispatcher domain.Dispatcher, handles ...*Handle) *Group {
	g := &Group{
		dispatcher: dispatcher,
		logger:     observability.FromContext(context.Background()),
		handles:    handles,
		done:       make(chan struct{}),
	}
	g.remaining.Store(int64(len(handles)))
	g.unsettled.Store(int64(len(handles)))

	for _, h := range handles {
		g.eg.Go(func() error {
			<-h.Done()
			g.remaining.Add(-1)

			final, _ := h.Result()
			if final.State == domain.StateFailed {
				return final.Cause()
			}
			return nil
		})
	}

	go func() {
		g.err = g.eg.Wait()
		close(g.done)
	}()

	if len(handles) == 0 {
		g.markSettled()
	}
	for _, h := range handles {
		h.onSettled(func() {
			if g.unsettled.Add(-1) == 0 {
				g.markSettled()
			}
		})
	}

	return g
}

// Handles returns the tracked handles in the order given to NewGroup.
func (g *Group) Handles() []*Handle {
	return g.handles
}

// Remaining returns the number of handles whose worker is still running.
func (g *Group) Remaining() int {
	return int(g.remaining.Load())
}

// Done is closed when every worker has exited.
func (g *Group) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until every worker has exited or ctx is done. It returns the
// first failure reason among the handles; cancellation is not a failure.
func (g *Group) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels every handle of the group.
func (g *Group) Cancel() {
	for _, h := range g.handles {
		h.Cancel()
	}
}

// OnAllDone registers cb to run once on the dispatcher, after the terminal
// callback of every handle.
func (g *Group) OnAllDone(cb func()) {
	g.mu.Lock()
	g.onAllDone = cb
	g.mu.Unlock()

	g.fire()
}

func (g *Group) markSettled() {
	g.mu.Lock()
	g.allSettled = true
	g.mu.Unlock()

	g.fire()
}

func (g *Group) fire() {
	g.mu.Lock()
	if g.fired || !g.allSettled || g.onAllDone == nil {
		g.mu.Unlock()
		return
	}
	g.fired = true
	cb := g.onAllDone
	g.mu.Unlock()

	go func() {
		if err := g.dispatcher.Post(context.Background(), cb); err != nil {
			g.logger.Debug("dropped all-done callback",
				observability.Int("handles", len(g.handles)), observability.Error(err))
		}
	}()
}
