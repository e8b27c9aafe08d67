package conversation

import (
	"context"

	"github.com/davidbz/relayd/internal/domain"
)

// Store persists committed turns.
type Store interface {
	// Load returns the turns of a conversation in commit order. Unknown conversations are empty.
	Load(ctx context.Context, conversationID string) ([]domain.Turn, error)

	// Append adds turns atomically: either all of them are stored or none.
	Append(ctx context.Context, conversationID string, turns []domain.Turn) error

	// Delete removes a conversation.
	Delete(ctx context.Context, conversationID string) error

	// Close releases the store's resources.
	Close() error
}
