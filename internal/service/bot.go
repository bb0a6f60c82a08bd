// Package service orchestrates one webhook event end to end: contact state,
// plan limits, content normalization, the model turn and reply delivery.
package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GanchoDigital/agente/internal/cache"
	"github.com/GanchoDigital/agente/internal/client"
	"github.com/GanchoDigital/agente/internal/model"
	"github.com/GanchoDigital/agente/internal/store"
	"github.com/GanchoDigital/agente/internal/webhook"
)

// LLM is the slice of the OpenAI client the bot needs.
type LLM interface {
	Chat(ctx context.Context, chatModel string, messages []client.ChatMessage, tools []client.Tool) (client.ChatResult, error)
	DescribeImage(ctx context.Context, visionModel, prompt, imageBase64 string) (string, error)
	Transcribe(ctx context.Context, transcribeModel string, audio []byte) (string, error)
}

// Gateway sends messages back through the Evolution API.
type Gateway interface {
	SendText(ctx context.Context, instance, number, text string) (string, error)
}

// GatewayFactory builds a Gateway for the server/key pair an event arrived
// with, so replies go back through the same gateway server.
type GatewayFactory func(serverURL, apiKey string) Gateway

// Ack is the body returned to the gateway for a processed event.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Options struct {
	ChatModel       string
	VisionModel     string
	TranscribeModel string
	SystemPrompt    string

	// Fallback gateway coordinates for events that omit server_url/apikey.
	GatewayURL    string
	GatewayAPIKey string

	// AutomationWebhookURL receives tool calls the bot does not handle
	// itself. Empty disables forwarding.
	AutomationWebhookURL string

	// Window is the debounce window for inbound bursts.
	Window time.Duration

	// SendPause is the gap between consecutive reply chunks. Defaults to
	// one second.
	SendPause time.Duration
}

type Bot struct {
	llm        LLM
	contacts   store.ContactStore
	history    cache.ConversationCache
	gatewayFor GatewayFactory
	opts       Options

	buffer *Buffer

	// automationClient posts forwarded tool calls.
	automationClient *http.Client
}

const (
	cooldownDuration = 24 * time.Hour
	maxToolRounds    = 3

	limitNotice = "Desculpe, o limite de contatos do plano atual foi atingido. " +
		"Por favor, entre em contato com o suporte para upgrade do plano."

	imagePrompt = "Descreva detalhadamente esta imagem em português."

	imageFallback = "O usuário enviou uma imagem que não foi possível processar."
	audioFallback = "O usuário enviou um áudio que não foi possível transcrever."
)

func NewBot(llm LLM, contacts store.ContactStore, history cache.ConversationCache, gatewayFor GatewayFactory, opts Options) (*Bot, error) {
	if llm == nil || contacts == nil || history == nil || gatewayFor == nil {
		return nil, errors.New("bot: all collaborators must be non-nil")
	}
	if opts.SendPause <= 0 {
		opts.SendPause = time.Second
	}

	b := &Bot{
		llm:              llm,
		contacts:         contacts,
		history:          history,
		gatewayFor:       gatewayFor,
		opts:             opts,
		automationClient: &http.Client{Timeout: 30 * time.Second},
	}

	buf, err := NewBuffer(opts.Window, b.processTurn)
	if err != nil {
		return nil, err
	}
	b.buffer = buf
	return b, nil
}

// Stop cancels pending debounce timers.
func (b *Bot) Stop() {
	b.buffer.Stop()
}

// HandleEvent runs the synchronous half of webhook processing and queues the
// model turn. The returned error maps to a 5xx at the handler; every other
// outcome is an acknowledgement.
func (b *Bot) HandleEvent(ctx context.Context, ev *webhook.Event) (Ack, error) {
	if !ev.IsMessage() {
		return Ack{Success: true, Message: "event ignored"}, nil
	}

	phone := ev.Phone()
	instance := ev.Instance

	if ev.Data.Key.FromMe {
		b.markOperatorTakeover(ctx, ev)
		slog.Info("own message, contact moved to cooldown", "phone", phone, "instance", instance)
		return Ack{Success: false, Message: "own message"}, nil
	}

	if !b.withinPlanLimit(ctx, instance) {
		gw := b.gateway(Meta{ServerURL: ev.ServerURL, APIKey: ev.APIKey})
		if _, err := gw.SendText(ctx, instance, phone, limitNotice); err != nil {
			slog.Error("failed to send limit notice", "phone", phone, "error", err)
		}
		slog.Warn("contact limit exceeded", "instance", instance, "phone", phone)
		return Ack{Success: false, Message: "contact limit exceeded"}, nil
	}

	contact, err := b.ensureContact(ctx, ev)
	if err != nil {
		return Ack{}, fmt.Errorf("ensure contact: %w", err)
	}
	if contact.Status != model.Active {
		slog.Info("message dropped, contact not active",
			"phone", phone, "instance", instance, "status", string(contact.Status))
		return Ack{Success: false, Message: "contact is not active"}, nil
	}

	text, ack := b.normalizeContent(ctx, ev)
	if ack != nil {
		return *ack, nil
	}

	b.buffer.Add(
		Key{Phone: phone, Instance: instance},
		text,
		Meta{ServerURL: ev.ServerURL, APIKey: ev.APIKey},
	)
	return Ack{Success: true, Message: "queued"}, nil
}

// markOperatorTakeover puts a contact into cooldown after a human answered
// from the business number, creating the contact first if needed.
func (b *Bot) markOperatorTakeover(ctx context.Context, ev *webhook.Event) {
	phone := ev.Phone()

	_, err := b.contacts.GetContact(ctx, phone, ev.Instance)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := b.contacts.CreateContact(ctx, newContact(ev, true)); err != nil {
			slog.Error("failed to create contact on own message", "phone", phone, "error", err)
		}
	case err != nil:
		slog.Error("failed to look up contact on own message", "phone", phone, "error", err)
	default:
		if err := b.contacts.SetCooldown(ctx, phone, ev.Instance, time.Now().Add(cooldownDuration)); err != nil {
			slog.Error("failed to set cooldown", "phone", phone, "error", err)
		}
	}
}

// withinPlanLimit checks the account's rolling 30-day contact quota. Every
// lookup failure allows the message through: a degraded database must not
// silence the bot.
func (b *Bot) withinPlanLimit(ctx context.Context, instance string) bool {
	userID, err := b.contacts.AssistantUserID(ctx, instance)
	if err != nil {
		slog.Warn("plan check skipped, assistant lookup failed", "instance", instance, "error", err)
		return true
	}

	plan, err := b.contacts.UserPlan(ctx, userID)
	if err != nil {
		slog.Warn("plan check skipped, user lookup failed", "user_id", userID, "error", err)
		return true
	}
	limit := model.PlanLimit(plan)

	count, err := b.contacts.CountContactsSince(ctx, userID, time.Now().AddDate(0, 0, -30))
	if err != nil {
		slog.Warn("plan check skipped, contact count failed", "user_id", userID, "error", err)
		return true
	}

	slog.Info("plan limit checked", "user_id", userID, "plan", plan, "limit", limit, "contacts", count)
	return count < limit
}

func newContact(ev *webhook.Event, fromMe bool) *model.Contact {
	phone := ev.Phone()
	name := ev.Data.PushName
	if name == "" {
		name = "User " + phone
	}
	return &model.Contact{
		Name:           name,
		Whatsapp:       phone,
		InstanceName:   ev.Instance,
		Status:         model.Active,
		Stage:          model.DefaultStage,
		ConversationID: uuid.NewString(),
		FromMe:         fromMe,
		LastContact:    time.Now().UTC(),
	}
}

func (b *Bot) ensureContact(ctx context.Context, ev *webhook.Event) (*model.Contact, error) {
	phone := ev.Phone()

	contact, err := b.contacts.GetContact(ctx, phone, ev.Instance)
	if errors.Is(err, store.ErrNotFound) {
		created, err := b.contacts.CreateContact(ctx, newContact(ev, false))
		if err != nil {
			return nil, err
		}
		slog.Info("contact created", "phone", phone, "instance", ev.Instance)
		return created, nil
	}
	if err != nil {
		return nil, err
	}

	if err := b.contacts.TouchContact(ctx, phone, ev.Instance, ev.Data.PushName); err != nil {
		slog.Error("failed to touch contact", "phone", phone, "error", err)
	}
	return contact, nil
}

// normalizeContent turns the typed message payload into plain text for the
// model. A non-nil Ack means processing stops here.
func (b *Bot) normalizeContent(ctx context.Context, ev *webhook.Event) (string, *Ack) {
	switch ev.Data.MessageType {
	case webhook.TypeConversation:
		text := strings.TrimSpace(ev.Data.Message.Conversation)
		if text == "" {
			return "", &Ack{Success: false, Message: "empty message"}
		}
		return text, nil

	case webhook.TypeImage:
		return b.describeImage(ctx, ev), nil

	case webhook.TypeAudio:
		return b.transcribeAudio(ctx, ev), nil

	default:
		slog.Warn("unsupported message type", "type", ev.Data.MessageType, "phone", ev.Phone())
		return "", &Ack{Success: false, Message: "unsupported message type"}
	}
}

func (b *Bot) describeImage(ctx context.Context, ev *webhook.Event) string {
	img := ev.Data.Message.ImageMessage
	if img == nil || img.JPEGThumbnail == "" {
		slog.Info("image without thumbnail", "phone", ev.Phone())
		return imageFallback
	}

	desc, err := b.llm.DescribeImage(ctx, b.opts.VisionModel, imagePrompt, img.JPEGThumbnail)
	if err != nil {
		slog.Error("failed to describe image", "phone", ev.Phone(), "error", err)
		return imageFallback
	}
	return "O usuário enviou uma imagem. Descrição da imagem: " + desc
}

func (b *Bot) transcribeAudio(ctx context.Context, ev *webhook.Event) string {
	if ev.Data.Message.Base64 == "" {
		slog.Info("audio without base64 payload", "phone", ev.Phone())
		return audioFallback
	}

	audio, err := base64.StdEncoding.DecodeString(ev.Data.Message.Base64)
	if err != nil {
		slog.Error("failed to decode audio base64", "phone", ev.Phone(), "error", err)
		return audioFallback
	}

	transcript, err := b.llm.Transcribe(ctx, b.opts.TranscribeModel, audio)
	if err != nil {
		slog.Error("failed to transcribe audio", "phone", ev.Phone(), "error", err)
		return audioFallback
	}
	return "O usuário enviou um áudio. Transcrição do áudio: " + transcript
}

// processTurn is the buffer flush: one LLM turn for the accumulated texts,
// then reply delivery. Errors are logged and the turn is dropped; the
// contact simply gets no reply.
func (b *Bot) processTurn(ctx context.Context, key Key, texts []string, meta Meta) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	contact, err := b.contacts.GetContact(ctx, key.Phone, key.Instance)
	if err != nil {
		slog.Error("turn dropped, contact lookup failed", "phone", key.Phone, "error", err)
		return
	}
	if contact.Status != model.Active {
		slog.Info("turn dropped, contact not active", "phone", key.Phone, "status", string(contact.Status))
		return
	}

	userTurn := strings.Join(texts, " ")

	history, err := b.history.History(ctx, contact.ConversationID)
	if err != nil {
		slog.Warn("history unavailable, starting fresh", "conversation", contact.ConversationID, "error", err)
		history = nil
	}

	messages := make([]client.ChatMessage, 0, len(history)+2)
	messages = append(messages, client.ChatMessage{Role: model.RoleSystem, Content: b.opts.SystemPrompt})
	for _, m := range history {
		messages = append(messages, client.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, client.ChatMessage{Role: model.RoleUser, Content: userTurn})

	reply, err := b.runModel(ctx, contact, key, meta, messages)
	if err != nil {
		slog.Error("model turn failed", "phone", key.Phone, "error", err)
		return
	}
	if strings.TrimSpace(reply) == "" {
		slog.Warn("model returned empty reply", "phone", key.Phone)
		return
	}

	if err := b.history.Append(ctx, contact.ConversationID,
		model.ChatMessage{Role: model.RoleUser, Content: userTurn},
		model.ChatMessage{Role: model.RoleAssistant, Content: reply},
	); err != nil {
		slog.Warn("failed to persist conversation history", "conversation", contact.ConversationID, "error", err)
	}

	b.deliverReply(ctx, key, meta, reply)
}

// runModel drives the tool-call loop: the model may request tool executions
// before producing its final text.
func (b *Bot) runModel(ctx context.Context, contact *model.Contact, key Key, meta Meta, messages []client.ChatMessage) (string, error) {
	for round := 0; round < maxToolRounds; round++ {
		res, err := b.llm.Chat(ctx, b.opts.ChatModel, messages, botTools())
		if err != nil {
			return "", err
		}
		if len(res.ToolCalls) == 0 {
			return res.Content, nil
		}

		messages = append(messages, client.ChatMessage{
			Role:      model.RoleAssistant,
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		})
		for _, tc := range res.ToolCalls {
			output := b.execTool(ctx, contact, key, meta, tc)
			messages = append(messages, client.ChatMessage{
				Role:       model.RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
			})
		}
	}
	return "", fmt.Errorf("tool rounds exhausted after %d iterations", maxToolRounds)
}

func botTools() []client.Tool {
	return []client.Tool{
		{
			Type: "function",
			Function: client.ToolFunction{
				Name:        "notify_human",
				Description: "Notifica um atendente humano que este cliente aguarda contato.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"number": {"type": "string", "description": "número WhatsApp do atendente"},
						"context": {"type": "string", "description": "resumo do que o cliente precisa"}
					},
					"required": ["number"]
				}`),
			},
		},
		{
			Type: "function",
			Function: client.ToolFunction{
				Name:        "set_funnel_stage",
				Description: "Atualiza o estágio do contato no funil de vendas.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"stage": {"type": "string"}
					},
					"required": ["stage"]
				}`),
			},
		},
	}
}

func (b *Bot) execTool(ctx context.Context, contact *model.Contact, key Key, meta Meta, tc client.ToolCall) string {
	slog.Info("executing tool call", "tool", tc.Function.Name, "phone", key.Phone)

	switch tc.Function.Name {
	case "notify_human":
		return b.toolNotifyHuman(ctx, contact, key, meta, tc.Function.Arguments)
	case "set_funnel_stage":
		return b.toolSetFunnelStage(ctx, key, tc.Function.Arguments)
	default:
		return b.forwardToolCall(ctx, tc.Function.Name, tc.Function.Arguments)
	}
}

func (b *Bot) toolNotifyHuman(ctx context.Context, contact *model.Contact, key Key, meta Meta, rawArgs string) string {
	var args struct {
		Number  string `json:"number"`
		Context string `json:"context"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Number == "" {
		return toolResult(false, "invalid arguments")
	}

	notification := fmt.Sprintf(
		"Um cliente está aguardando o seu contato\n\nNome: %s\nNúmero: %s\nContexto: %s",
		contact.Name, key.Phone, args.Context,
	)

	gw := b.gateway(meta)
	if _, err := gw.SendText(ctx, key.Instance, args.Number, notification); err != nil {
		slog.Error("failed to send handoff notification", "target", args.Number, "error", err)
		return toolResult(false, err.Error())
	}
	return toolResult(true, "notification sent")
}

func (b *Bot) toolSetFunnelStage(ctx context.Context, key Key, rawArgs string) string {
	var args struct {
		Stage string `json:"stage"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Stage == "" {
		return toolResult(false, "invalid arguments")
	}

	if err := b.contacts.UpdateStage(ctx, key.Phone, key.Instance, args.Stage); err != nil {
		slog.Error("failed to update funnel stage", "phone", key.Phone, "error", err)
		return toolResult(false, err.Error())
	}
	return toolResult(true, "stage updated to "+args.Stage)
}

// forwardToolCall posts unknown tool calls to the automation webhook.
func (b *Bot) forwardToolCall(ctx context.Context, name, rawArgs string) string {
	if b.opts.AutomationWebhookURL == "" {
		slog.Warn("no automation webhook configured for tool", "tool", name)
		return toolResult(false, "unknown tool")
	}

	url := strings.TrimRight(b.opts.AutomationWebhookURL, "/") + "/" + name

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(rawArgs)))
	if err != nil {
		return toolResult(false, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.automationClient.Do(req)
	if err != nil {
		slog.Error("automation webhook call failed", "tool", name, "error", err)
		return toolResult(false, err.Error())
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	slog.Info("automation webhook called", "tool", name, "status", resp.StatusCode)
	return toolResult(ok, fmt.Sprintf("webhook status %d", resp.StatusCode))
}

func toolResult(success bool, message string) string {
	out, _ := json.Marshal(map[string]any{"success": success, "message": message})
	return string(out)
}

func (b *Bot) deliverReply(ctx context.Context, key Key, meta Meta, reply string) {
	gw := b.gateway(meta)
	parts := SplitReply(reply)

	slog.Info("delivering reply", "phone", key.Phone, "parts", len(parts))

	for i, part := range parts {
		if _, err := gw.SendText(ctx, key.Instance, key.Phone, part); err != nil {
			slog.Error("failed to send reply part",
				"phone", key.Phone, "part", i+1, "total", len(parts), "error", err)
			return
		}
		// Keep the parts ordered on the recipient's side.
		if i < len(parts)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.opts.SendPause):
			}
		}
	}
}

// gateway resolves the Gateway for an event, preferring the coordinates the
// event arrived with.
func (b *Bot) gateway(meta Meta) Gateway {
	serverURL := meta.ServerURL
	apiKey := meta.APIKey
	if serverURL == "" {
		serverURL = b.opts.GatewayURL
	}
	if apiKey == "" {
		apiKey = b.opts.GatewayAPIKey
	}
	return b.gatewayFor(serverURL, apiKey)
}
