// Package redis persists conversation turns in Redis lists, one list per
// conversation, each element a JSON-encoded turn.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/relayd/internal/domain"
	"github.com/davidbz/relayd/internal/observability"
)

// Config contains Redis history store settings.
type Config struct {
	Addr      string        `env:"HISTORY_REDIS_ADDR"     envDefault:"localhost:6379"`
	Password  string        `env:"HISTORY_REDIS_PASSWORD"`
	DB        int           `env:"HISTORY_REDIS_DB"       envDefault:"0"`
	KeyPrefix string        `env:"HISTORY_REDIS_PREFIX"   envDefault:"relayd:conversation:"`
	TTL       time.Duration `env:"HISTORY_REDIS_TTL"      envDefault:"0s"`
}

// Store implements conversation.Store on top of Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewStoreWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *Store {
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *Store) key(conversationID string) string {
	return s.keyPrefix + conversationID
}

// Load reads every turn of the conversation.
func (s *Store) Load(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id cannot be empty")
	}

	raw, err := s.client.LRange(ctx, s.key(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}

	turns := make([]domain.Turn, 0, len(raw))
	for i, item := range raw {
		var turn domain.Turn
		if unmarshalErr := json.Unmarshal([]byte(item), &turn); unmarshalErr != nil {
			return nil, fmt.Errorf("failed to decode turn %d: %w", i, unmarshalErr)
		}
		turns = append(turns, turn)
	}

	return turns, nil
}

// Append pushes all turns inside one MULTI/EXEC transaction.
func (s *Store) Append(ctx context.Context, conversationID string, turns []domain.Turn) error {
	if conversationID == "" {
		return errors.New("conversation id cannot be empty")
	}

	if len(turns) == 0 {
		return nil
	}

	values := make([]any, 0, len(turns))
	for _, turn := range turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to encode turn: %w", err)
		}
		values = append(values, string(data))
	}

	key := s.key(conversationID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		observability.FromContext(ctx).Error("redis append failed",
			observability.String("key", key),
			observability.Error(err))
		return fmt.Errorf("failed to append turns: %w", err)
	}

	return nil
}

// Delete removes the conversation's list.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
