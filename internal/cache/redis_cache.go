package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GanchoDigital/agente/internal/model"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ ConversationCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func conversationKey(conversationID string) string {
	return "conv:" + conversationID
}

func (c *RedisCache) History(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	raw, err := c.rdb.Get(ctx, conversationKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []model.ChatMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Append reads, extends and rewrites the history. The debounce buffer
// guarantees a single writer per conversation, so no locking is needed here.
func (c *RedisCache) Append(ctx context.Context, conversationID string, msgs ...model.ChatMessage) error {
	history, err := c.History(ctx, conversationID)
	if err != nil {
		return err
	}

	history = trimHistory(append(history, msgs...))

	b, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, conversationKey(conversationID), b, c.ttl).Err()
}
