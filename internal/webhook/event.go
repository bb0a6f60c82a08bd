// Package webhook defines the inbound event payload delivered by the
// Evolution API gateway and helpers to pull message content out of it.
package webhook

import (
	"errors"
	"strings"
)

// Event names and message types we act on. Everything else is acknowledged
// and ignored.
const (
	EventMessagesUpsert = "messages.upsert"

	TypeConversation = "conversation"
	TypeImage        = "imageMessage"
	TypeAudio        = "audioMessage"
)

type Event struct {
	Event       string      `json:"event"`
	Instance    string      `json:"instance"`
	Data        MessageData `json:"data"`
	Destination string      `json:"destination"`
	DateTime    string      `json:"date_time"`
	Sender      string      `json:"sender"`
	ServerURL   string      `json:"server_url"`
	APIKey      string      `json:"apikey"`
}

type MessageData struct {
	Key              MessageKey `json:"key"`
	PushName         string     `json:"pushName"`
	Status           string     `json:"status"`
	Message          Message    `json:"message"`
	MessageType      string     `json:"messageType"`
	MessageTimestamp int64      `json:"messageTimestamp"`
	InstanceID       string     `json:"instanceId"`
	Source           string     `json:"source"`
}

type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type Message struct {
	Conversation string        `json:"conversation,omitempty"`
	ImageMessage *ImageMessage `json:"imageMessage,omitempty"`

	// Base64 carries the media payload for audio messages when the
	// gateway is configured to inline it.
	Base64 string `json:"base64,omitempty"`
}

type ImageMessage struct {
	URL           string `json:"url"`
	Mimetype      string `json:"mimetype"`
	FileLength    string `json:"fileLength"`
	Height        int    `json:"height"`
	Width         int    `json:"width"`
	Caption       string `json:"caption,omitempty"`
	JPEGThumbnail string `json:"jpegThumbnail,omitempty"`
}

var ErrMissingRemoteJID = errors.New("message event has no remote JID")

// IsMessage reports whether the event carries an inbound message.
func (e *Event) IsMessage() bool {
	return e.Event == EventMessagesUpsert
}

// Phone returns the bare phone number of the sender, stripping the
// @s.whatsapp.net suffix from the remote JID.
func (e *Event) Phone() string {
	jid := e.Data.Key.RemoteJID
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// Validate checks the minimum shape required to process a message event.
func (e *Event) Validate() error {
	if !e.IsMessage() {
		return nil
	}
	if strings.TrimSpace(e.Data.Key.RemoteJID) == "" {
		return ErrMissingRemoteJID
	}
	return nil
}
