// Package conversation owns conversation histories: the ordered turns of a
// dialogue, the lock that keeps one request in flight per conversation, and
// the stores that persist committed turns.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/davidbz/relayd/internal/domain"
)

// History is the shared, ordered turn list of one conversation.
// Turns are only added through Commit, and only by the holder of the in-flight lock.
type History struct {
	id    string
	store Store

	mu    sync.RWMutex
	turns []domain.Turn

	inFlight atomic.Bool
}

// NewHistory creates an empty, unpersisted history.
func NewHistory(id string) *History {
	return &History{id: id}
}

func newStoredHistory(id string, store Store, turns []domain.Turn) *History {
	return &History{id: id, store: store, turns: turns}
}

// ID returns the conversation identifier.
func (h *History) ID() string {
	return h.id
}

// Turns returns a copy of the committed turns.
func (h *History) Turns() []domain.Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of committed turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// TryAcquire takes the in-flight lock without waiting. The returned release
// function is idempotent.
func (h *History) TryAcquire() (func(), error) {
	if !h.inFlight.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("conversation %s: %w", h.id, domain.ErrConversationBusy)
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.inFlight.Store(false) })
	}, nil
}

// InFlight reports whether a request currently holds the lock.
func (h *History) InFlight() bool {
	return h.inFlight.Load()
}

// Commit appends turns as one unit. The store is written first; memory is only
// updated when persistence succeeded.
func (h *History) Commit(ctx context.Context, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return errors.New("no turns to commit")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.store != nil {
		if err := h.store.Append(ctx, h.id, turns); err != nil {
			return fmt.Errorf("failed to persist turns: %w", err)
		}
	}

	h.turns = append(h.turns, turns...)
	return nil
}
