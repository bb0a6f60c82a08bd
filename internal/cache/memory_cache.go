package cache

import (
	"context"
	"sync"

	"github.com/GanchoDigital/agente/internal/model"
)

// MemoryCache is the fallback when Redis is not configured. Context survives
// only for the lifetime of the process.
type MemoryCache struct {
	mu    sync.Mutex
	convs map[string][]model.ChatMessage
}

var _ ConversationCache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{convs: make(map[string][]model.ChatMessage)}
}

func (c *MemoryCache) History(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := c.convs[conversationID]
	out := make([]model.ChatMessage, len(stored))
	copy(out, stored)
	return out, nil
}

func (c *MemoryCache) Append(ctx context.Context, conversationID string, msgs ...model.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.convs[conversationID] = trimHistory(append(c.convs[conversationID], msgs...))
	return nil
}
