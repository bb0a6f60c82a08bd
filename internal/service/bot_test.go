package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GanchoDigital/agente/internal/cache"
	"github.com/GanchoDigital/agente/internal/client"
	"github.com/GanchoDigital/agente/internal/model"
	"github.com/GanchoDigital/agente/internal/store"
	"github.com/GanchoDigital/agente/internal/webhook"
)

type fakeLLM struct {
	mu sync.Mutex

	chatCalls       [][]client.ChatMessage
	chatResults     []client.ChatResult
	chatErr         error
	describeCalls   int
	describeResult  string
	describeErr     error
	transcribeCalls int
	transcribeText  string
	transcribeErr   error
}

var _ LLM = (*fakeLLM)(nil)

func (f *fakeLLM) Chat(ctx context.Context, chatModel string, messages []client.ChatMessage, tools []client.Tool) (client.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := make([]client.ChatMessage, len(messages))
	copy(copied, messages)
	f.chatCalls = append(f.chatCalls, copied)

	if f.chatErr != nil {
		return client.ChatResult{}, f.chatErr
	}
	idx := len(f.chatCalls) - 1
	if idx < len(f.chatResults) {
		return f.chatResults[idx], nil
	}
	return client.ChatResult{Content: "resposta padrão"}, nil
}

func (f *fakeLLM) DescribeImage(ctx context.Context, visionModel, prompt, imageBase64 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	return f.describeResult, f.describeErr
}

func (f *fakeLLM) Transcribe(ctx context.Context, transcribeModel string, audio []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribeCalls++
	return f.transcribeText, f.transcribeErr
}

func (f *fakeLLM) chatCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chatCalls)
}

type fakeStore struct {
	mu sync.Mutex

	contacts map[string]*model.Contact

	assistantUser string
	assistantErr  error
	plan          string
	planErr       error
	contactCount  int
	countErr      error

	cooldowns []string
	stages    []string
	touched   []string
}

var _ store.ContactStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		contacts:      make(map[string]*model.Contact),
		assistantUser: "user-1",
		plan:          "starter",
	}
}

func contactKey(whatsapp, instance string) string { return whatsapp + ":" + instance }

func (f *fakeStore) seed(c model.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[contactKey(c.Whatsapp, c.InstanceName)] = &c
}

func (f *fakeStore) GetContact(ctx context.Context, whatsapp, instance string) (*model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[contactKey(whatsapp, instance)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeStore) CreateContact(ctx context.Context, c *model.Contact) (*model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *c
	stored.ID = int64(len(f.contacts) + 1)
	f.contacts[contactKey(c.Whatsapp, c.InstanceName)] = &stored
	copied := stored
	return &copied, nil
}

func (f *fakeStore) TouchContact(ctx context.Context, whatsapp, instance, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, contactKey(whatsapp, instance))
	return nil
}

func (f *fakeStore) SetCooldown(ctx context.Context, whatsapp, instance string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns = append(f.cooldowns, contactKey(whatsapp, instance))
	if c, ok := f.contacts[contactKey(whatsapp, instance)]; ok {
		c.Status = model.Cooldown
	}
	return nil
}

func (f *fakeStore) UpdateStage(ctx context.Context, whatsapp, instance, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stage)
	return nil
}

func (f *fakeStore) AssistantUserID(ctx context.Context, instance string) (string, error) {
	return f.assistantUser, f.assistantErr
}

func (f *fakeStore) UserPlan(ctx context.Context, userID string) (string, error) {
	return f.plan, f.planErr
}

func (f *fakeStore) CountContactsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return f.contactCount, f.countErr
}

func (f *fakeStore) ListContacts(ctx context.Context, instance string, limit, offset int) ([]model.Contact, error) {
	return nil, nil
}

type sentMessage struct {
	Instance string
	Number   string
	Text     string
}

type fakeGateway struct {
	mu        sync.Mutex
	sent      []sentMessage
	serverURL string
	apiKey    string
}

var _ Gateway = (*fakeGateway)(nil)

func (f *fakeGateway) SendText(ctx context.Context, instance, number, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Instance: instance, Number: number, Text: text})
	return "msg-id", nil
}

func (f *fakeGateway) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestBot(t *testing.T, llm *fakeLLM, st *fakeStore) (*Bot, *fakeGateway) {
	t.Helper()

	gw := &fakeGateway{}
	factory := func(serverURL, apiKey string) Gateway {
		gw.mu.Lock()
		gw.serverURL = serverURL
		gw.apiKey = apiKey
		gw.mu.Unlock()
		return gw
	}

	b, err := NewBot(llm, st, cache.NewMemoryCache(), factory, Options{
		ChatModel:       "gpt-4o-mini",
		VisionModel:     "gpt-4o",
		TranscribeModel: "whisper-1",
		SystemPrompt:    "seja breve",
		GatewayURL:      "https://evo.example.com",
		GatewayAPIKey:   "default-key",
		Window:          20 * time.Millisecond,
		SendPause:       time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBot() error: %v", err)
	}
	t.Cleanup(b.Stop)

	return b, gw
}

func textEvent(phone, instance, text string) *webhook.Event {
	return &webhook.Event{
		Event:    webhook.EventMessagesUpsert,
		Instance: instance,
		Data: webhook.MessageData{
			Key: webhook.MessageKey{
				RemoteJID: phone + "@s.whatsapp.net",
				FromMe:    false,
				ID:        "MSG1",
			},
			PushName:    "Maria",
			Message:     webhook.Message{Conversation: text},
			MessageType: webhook.TypeConversation,
		},
		ServerURL: "https://evo2.example.com",
		APIKey:    "event-key",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestBot_TextMessageProducesExactlyOneSend(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{chatResults: []client.ChatResult{{Content: "Olá, Maria!"}}}
	st := newFakeStore()
	b, gw := newTestBot(t, llm, st)

	ack, err := b.HandleEvent(context.Background(), textEvent("5511999998888", "clinic-01", "oi"))
	if err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if !ack.Success || ack.Message != "queued" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	waitFor(t, 2*time.Second, func() bool { return len(gw.sentMessages()) == 1 })

	sent := gw.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 send, got %d", len(sent))
	}
	if sent[0].Number != "5511999998888" {
		t.Fatalf("reply went to wrong number: %q", sent[0].Number)
	}
	if strings.TrimSpace(sent[0].Text) == "" {
		t.Fatalf("expected non-empty reply body")
	}

	if llm.chatCallCount() != 1 {
		t.Fatalf("expected exactly 1 LLM call, got %d", llm.chatCallCount())
	}
}

func TestBot_QuotaExceededContactGetsNoLLMCall(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{}
	st := newFakeStore()
	st.plan = "starter"
	st.contactCount = 100 // at the starter limit

	b, gw := newTestBot(t, llm, st)

	ack, err := b.HandleEvent(context.Background(), textEvent("5511999998888", "clinic-01", "oi"))
	if err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if ack.Success {
		t.Fatalf("expected failed ack, got %+v", ack)
	}
	if ack.Message != "contact limit exceeded" {
		t.Fatalf("unexpected ack message: %q", ack.Message)
	}

	// The contact gets the limit notice but the model is never called.
	sent := gw.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 notice send, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Text, "limite de contatos") {
		t.Fatalf("unexpected notice text: %q", sent[0].Text)
	}

	time.Sleep(60 * time.Millisecond) // let any stray flush fire
	if llm.chatCallCount() != 0 {
		t.Fatalf("expected 0 LLM calls, got %d", llm.chatCallCount())
	}
}

func TestBot_PlanLookupFailuresFailOpen(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{chatResults: []client.ChatResult{{Content: "ok"}}}
	st := newFakeStore()
	st.assistantErr = store.ErrNotFound
	st.contactCount = 999999

	b, gw := newTestBot(t, llm, st)

	ack, err := b.HandleEvent(context.Background(), textEvent("5511999998888", "clinic-01", "oi"))
	if err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if !ack.Success {
		t.Fatalf("expected message to pass through on lookup failure, got %+v", ack)
	}

	waitFor(t, 2*time.Second, func() bool { return len(gw.sentMessages()) == 1 })
}

func TestBot_OwnMessagePutsContactInCooldown(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{}
	st := newFakeStore()
	st.seed(model.Contact{
		Whatsapp:       "5511999998888",
		InstanceName:   "clinic-01",
		Status:         model.Active,
		ConversationID: "conv-1",
	})

	b, gw := newTestBot(t, llm, st)

	ev := textEvent("5511999998888", "clinic-01", "respondo eu mesmo")
	ev.Data.Key.FromMe = true

	ack, err := b.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if ack.Success {
		t.Fatalf("expected failed ack for own message, got %+v", ack)
	}

	st.mu.Lock()
	cooldowns := len(st.cooldowns)
	st.mu.Unlock()
	if cooldowns != 1 {
		t.Fatalf("expected 1 cooldown, got %d", cooldowns)
	}

	time.Sleep(60 * time.Millisecond)
	if llm.chatCallCount() != 0 {
		t.Fatalf("expected 0 LLM calls, got %d", llm.chatCallCount())
	}
	if len(gw.sentMessages()) != 0 {
		t.Fatalf("expected no sends, got %d", len(gw.sentMessages()))
	}
}

func TestBot_InactiveContactIsDropped(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{}
	st := newFakeStore()
	st.seed(model.Contact{
		Whatsapp:       "5511999998888",
		InstanceName:   "clinic-01",
		Status:         model.Paused,
		ConversationID: "conv-1",
	})

	b, gw := newTestBot(t, llm, st)

	ack, err := b.HandleEvent(context.Background(), textEvent("5511999998888", "clinic-01", "oi"))
	if err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if ack.Success || ack.Message != "contact is not active" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	time.Sleep(60 * time.Millisecond)
	if llm.chatCallCount() != 0 {
		t.Fatalf("expected 0 LLM calls, got %d", llm.chatCallCount())
	}
	if len(gw.sentMessages()) != 0 {
		t.Fatalf("expected no sends, got %d", len(gw.sentMessages()))
	}
}

func TestBot_UnsupportedMessageTypeIsAcknowledged(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{}
	st := newFakeStore()
	b, _ := newTestBot(t, llm, st)

	ev := textEvent("5511999998888", "clinic-01", "")
	ev.Data.MessageType = "stickerMessage"

	ack, err := b.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if ack.Success || ack.Message != "unsupported message type" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestBot_BurstCollapsesIntoSingleTurn(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{chatResults: []client.ChatResult{{Content: "entendi tudo"}}}
	st := newFakeStore()
	b, gw := newTestBot(t, llm, st)

	ctx := context.Background()
	for _, text := range []string{"oi", "tudo bem?", "quero agendar"} {
		if _, err := b.HandleEvent(ctx, textEvent("5511999998888", "clinic-01", text)); err != nil {
			t.Fatalf("HandleEvent() error: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(gw.sentMessages()) == 1 })

	if llm.chatCallCount() != 1 {
		t.Fatalf("expected 1 LLM call for the burst, got %d", llm.chatCallCount())
	}

	llm.mu.Lock()
	messages := llm.chatCalls[0]
	llm.mu.Unlock()

	last := messages[len(messages)-1]
	if last.Role != model.RoleUser {
		t.Fatalf("expected last message to be the user turn, got role %q", last.Role)
	}
	content, _ := last.Content.(string)
	if content != "oi tudo bem? quero agendar" {
		t.Fatalf("unexpected concatenated turn: %q", content)
	}
	if messages[0].Role != model.RoleSystem {
		t.Fatalf("expected system prompt first, got role %q", messages[0].Role)
	}
}

func TestBot_ToolCallRoundTrip(t *testing.T) {
	t.Parallel()

	args, _ := json.Marshal(map[string]string{"stage": "proposta"})
	llm := &fakeLLM{chatResults: []client.ChatResult{
		{ToolCalls: []client.ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: client.ToolCallFunction{
				Name:      "set_funnel_stage",
				Arguments: string(args),
			},
		}}},
		{Content: "Atualizei seu atendimento!"},
	}}
	st := newFakeStore()
	b, gw := newTestBot(t, llm, st)

	if _, err := b.HandleEvent(context.Background(), textEvent("5511999998888", "clinic-01", "quero uma proposta")); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(gw.sentMessages()) == 1 })

	if llm.chatCallCount() != 2 {
		t.Fatalf("expected 2 LLM calls (tool round + final), got %d", llm.chatCallCount())
	}

	st.mu.Lock()
	stages := st.stages
	st.mu.Unlock()
	if len(stages) != 1 || stages[0] != "proposta" {
		t.Fatalf("expected stage update to proposta, got %v", stages)
	}

	// Second call must carry the tool result message.
	llm.mu.Lock()
	second := llm.chatCalls[1]
	llm.mu.Unlock()

	var sawToolResult bool
	for _, m := range second {
		if m.Role == model.RoleTool && m.ToolCallID == "call_1" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Fatalf("expected tool result message in second call, got %+v", second)
	}
}

func TestBot_HistoryCarriesAcrossTurns(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{chatResults: []client.ChatResult{
		{Content: "primeira resposta"},
		{Content: "segunda resposta"},
	}}
	st := newFakeStore()
	b, gw := newTestBot(t, llm, st)

	ctx := context.Background()

	if _, err := b.HandleEvent(ctx, textEvent("5511999998888", "clinic-01", "primeira pergunta")); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(gw.sentMessages()) == 1 })

	if _, err := b.HandleEvent(ctx, textEvent("5511999998888", "clinic-01", "segunda pergunta")); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(gw.sentMessages()) == 2 })

	llm.mu.Lock()
	second := llm.chatCalls[1]
	llm.mu.Unlock()

	// system + first user + first assistant + second user
	if len(second) != 4 {
		t.Fatalf("expected 4 messages on second turn, got %d: %+v", len(second), second)
	}
	if c, _ := second[1].Content.(string); c != "primeira pergunta" {
		t.Fatalf("expected first user turn in history, got %q", c)
	}
	if c, _ := second[2].Content.(string); c != "primeira resposta" {
		t.Fatalf("expected first assistant turn in history, got %q", c)
	}
}

func TestBot_EventGatewayCoordinatesPreferred(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{chatResults: []client.ChatResult{{Content: "ok"}}}
	st := newFakeStore()
	b, gw := newTestBot(t, llm, st)

	if _, err := b.HandleEvent(context.Background(), textEvent("5511999998888", "clinic-01", "oi")); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(gw.sentMessages()) == 1 })

	gw.mu.Lock()
	serverURL, apiKey := gw.serverURL, gw.apiKey
	gw.mu.Unlock()

	if serverURL != "https://evo2.example.com" {
		t.Fatalf("expected event server_url to win, got %q", serverURL)
	}
	if apiKey != "event-key" {
		t.Fatalf("expected event apikey to win, got %q", apiKey)
	}
}

func TestBot_ImageMessageFallsBackWithoutThumbnail(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{chatResults: []client.ChatResult{{Content: "ok"}}}
	st := newFakeStore()
	b, gw := newTestBot(t, llm, st)

	ev := textEvent("5511999998888", "clinic-01", "")
	ev.Data.MessageType = webhook.TypeImage
	ev.Data.Message = webhook.Message{ImageMessage: &webhook.ImageMessage{Mimetype: "image/jpeg"}}

	ack, err := b.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if !ack.Success {
		t.Fatalf("expected queued ack, got %+v", ack)
	}

	waitFor(t, 2*time.Second, func() bool { return len(gw.sentMessages()) == 1 })

	llm.mu.Lock()
	describeCalls := llm.describeCalls
	first := llm.chatCalls[0]
	llm.mu.Unlock()
	if describeCalls != 0 {
		t.Fatalf("expected no vision call without thumbnail, got %d", describeCalls)
	}
	userTurn, _ := first[len(first)-1].Content.(string)
	if !strings.Contains(userTurn, "não foi possível processar") {
		t.Fatalf("expected fallback text in user turn, got %q", userTurn)
	}
}

func TestBot_AudioMessageTranscribed(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{
		transcribeText: "quero remarcar minha consulta",
		chatResults:    []client.ChatResult{{Content: "claro!"}},
	}
	st := newFakeStore()
	b, gw := newTestBot(t, llm, st)

	ev := textEvent("5511999998888", "clinic-01", "")
	ev.Data.MessageType = webhook.TypeAudio
	ev.Data.Message = webhook.Message{Base64: "T2dnUy4uLg=="}

	if _, err := b.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(gw.sentMessages()) == 1 })

	llm.mu.Lock()
	transcribeCalls := llm.transcribeCalls
	first := llm.chatCalls[0]
	llm.mu.Unlock()
	if transcribeCalls != 1 {
		t.Fatalf("expected 1 transcription call, got %d", transcribeCalls)
	}
	userTurn, _ := first[len(first)-1].Content.(string)
	if !strings.Contains(userTurn, "quero remarcar minha consulta") {
		t.Fatalf("expected transcript in user turn, got %q", userTurn)
	}
}
