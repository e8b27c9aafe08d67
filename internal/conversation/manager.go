package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Manager hands out one shared History per conversation id.
type Manager struct {
	store Store

	mu        sync.Mutex
	histories map[string]*History
	deletes   uint64
}

// NewManager creates a manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:     store,
		histories: make(map[string]*History),
	}
}

// Get returns the history for id, loading it from the store on first use.
// Loads run outside the manager lock; when two callers race on the same id
// the first one to finish wins.
func (m *Manager) Get(ctx context.Context, id string) (*History, error) {
	if id == "" {
		return nil, errors.New("conversation id cannot be empty")
	}

	for {
		m.mu.Lock()
		if h, ok := m.histories[id]; ok {
			m.mu.Unlock()
			return h, nil
		}
		deletes := m.deletes
		m.mu.Unlock()

		turns, err := m.store.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
		}

		m.mu.Lock()
		if h, ok := m.histories[id]; ok {
			m.mu.Unlock()
			return h, nil
		}
		if m.deletes != deletes {
			// A delete ran during the load; the turns may be stale.
			m.mu.Unlock()
			continue
		}
		h := newStoredHistory(id, m.store, turns)
		m.histories[id] = h
		m.mu.Unlock()
		return h, nil
	}
}

// Delete forgets a conversation. A conversation with a request in flight cannot be deleted.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.histories[id]; ok {
		release, err := h.TryAcquire()
		if err != nil {
			return err
		}
		defer release()
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}

	delete(m.histories, id)
	m.deletes++
	return nil
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

