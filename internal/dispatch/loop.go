// Package dispatch provides the single-goroutine event loop that consumer
// callbacks are marshaled onto. A surface (terminal, HTTP request, GUI
// bridge) owns one Loop and runs it on the goroutine that is allowed to
// touch its state.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

const defaultQueueSize = 64

// ErrLoopClosed is returned when posting to a stopped loop.
var ErrLoopClosed = errors.New("dispatch loop closed")

// Loop executes posted functions one at a time, in FIFO order.
type Loop struct {
	tasks   chan func()
	stopped chan struct{}

	mu      sync.Mutex
	closed  bool
	posting sync.WaitGroup
}

// NewLoop creates a loop whose queue holds up to size pending tasks.
// Post blocks while the queue is full.
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = defaultQueueSize
	}

	return &Loop{
		tasks:   make(chan func(), size),
		stopped: make(chan struct{}),
	}
}

// Post enqueues fn. It blocks while the queue is full and gives up when ctx is done.
func (l *Loop) Post(ctx context.Context, fn func()) error {
	if fn == nil {
		return errors.New("task cannot be nil")
	}

	// Run waits for posts admitted before Stop, so an accepted task is
	// always drained.
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.posting.Add(1)
	l.mu.Unlock()
	defer l.posting.Done()

	select {
	case <-l.stopped:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.tasks <- fn:
		return nil
	}
}

// Run executes tasks on the calling goroutine until Stop is called or ctx is done.
// Tasks queued before Stop are drained first.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.stopped:
			l.posting.Wait()
			l.drain()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop makes Run return after draining queued tasks. Safe to call more than once
// and from inside a task.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		close(l.stopped)
	}
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}
