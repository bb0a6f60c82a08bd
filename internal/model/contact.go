package model

import "time"

type Status string

const (
	Active   Status = "ativo"
	Cooldown Status = "cooldown"
	Paused   Status = "pausado"
)

// Contact is one WhatsApp contact as stored in the contacts table,
// keyed by (Whatsapp, InstanceName).
type Contact struct {
	ID             int64
	Name           string
	Whatsapp       string
	InstanceName   string
	Status         Status
	Stage          string
	ConversationID string
	FromMe         bool
	UserID         *string
	LastContact    time.Time
	CooldownUntil  *time.Time
	CreatedAt      time.Time
}

// DefaultStage is assigned to freshly created contacts.
const DefaultStage = "conexão"
