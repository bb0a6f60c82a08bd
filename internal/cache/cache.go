// Package cache holds the ephemeral conversation context fed to the model.
// Losing it is acceptable: a contact just starts from a blank history.
package cache

import (
	"context"

	"github.com/GanchoDigital/agente/internal/model"
)

// maxHistory bounds the number of turns kept per conversation.
const maxHistory = 20

type ConversationCache interface {
	// History returns the stored turns for a conversation, oldest first.
	// An unknown conversation yields an empty history, not an error.
	History(ctx context.Context, conversationID string) ([]model.ChatMessage, error)

	// Append adds turns to a conversation, trimming to the most recent
	// maxHistory entries.
	Append(ctx context.Context, conversationID string, msgs ...model.ChatMessage) error
}

func trimHistory(msgs []model.ChatMessage) []model.ChatMessage {
	if len(msgs) <= maxHistory {
		return msgs
	}
	return msgs[len(msgs)-maxHistory:]
}
