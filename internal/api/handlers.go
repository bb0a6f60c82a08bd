package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/GanchoDigital/agente/internal/service"
	"github.com/GanchoDigital/agente/internal/store"
	"github.com/GanchoDigital/agente/internal/webhook"
)

// EventHandler is the slice of the bot the webhook endpoint needs.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *webhook.Event) (service.Ack, error)
}

type Handler struct {
	bot        EventHandler
	contacts   store.ContactStore
	gatewayURL string
}

func NewHandler(bot EventHandler, contacts store.ContactStore, gatewayURL string) *Handler {
	return &Handler{bot: bot, contacts: contacts, gatewayURL: gatewayURL}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"gateway": h.gatewayURL,
		"openai":  "configured",
	})
}

func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var ev webhook.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	if err := ev.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ack, err := h.bot.HandleEvent(r.Context(), &ev)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	instance := r.URL.Query().Get("instance")
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.contacts.ListContacts(r.Context(), instance, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
