package store

import (
	"context"
	"errors"
	"time"

	"github.com/GanchoDigital/agente/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ContactStore persists contacts and answers the plan-limit queries. The
// hosted database owns consistency; implementations are thin accessors.
type ContactStore interface {
	GetContact(ctx context.Context, whatsapp, instance string) (*model.Contact, error)
	CreateContact(ctx context.Context, c *model.Contact) (*model.Contact, error)

	// TouchContact refreshes last_contact and, when name is non-empty,
	// the display name.
	TouchContact(ctx context.Context, whatsapp, instance, name string) error

	// SetCooldown marks a contact as taken over by a human operator
	// until the given time.
	SetCooldown(ctx context.Context, whatsapp, instance string, until time.Time) error

	UpdateStage(ctx context.Context, whatsapp, instance, stage string) error

	// Plan-limit lookups. Callers treat errors as "allow" so that a
	// degraded database never silences the bot.
	AssistantUserID(ctx context.Context, instance string) (string, error)
	UserPlan(ctx context.Context, userID string) (string, error)
	CountContactsSince(ctx context.Context, userID string, since time.Time) (int, error)

	ListContacts(ctx context.Context, instance string, limit, offset int) ([]model.Contact, error)
}
