package conversation

import (
	"context"
	"sync"

	"github.com/davidbz/relayd/internal/domain"
)

// MemoryStore keeps turns in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]domain.Turn
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:    sync.RWMutex{},
		turns: make(map[string][]domain.Turn),
	}
}

// Load returns a copy of the stored turns.
func (s *MemoryStore) Load(_ context.Context, conversationID string) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.turns[conversationID]
	out := make([]domain.Turn, len(stored))
	copy(out, stored)
	return out, nil
}

// Append adds turns to the conversation.
func (s *MemoryStore) Append(_ context.Context, conversationID string, turns []domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns[conversationID] = append(s.turns[conversationID], turns...)
	return nil
}

// Delete removes the conversation.
func (s *MemoryStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.turns, conversationID)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
