package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GanchoDigital/agente/internal/model"
)

// SupabaseStore talks to the Supabase PostgREST endpoint
// ({project}/rest/v1) with the service key.
type SupabaseStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ ContactStore = (*SupabaseStore)(nil)

func NewSupabaseStore(projectURL, apiKey string) *SupabaseStore {
	return &SupabaseStore{
		baseURL: strings.TrimRight(projectURL, "/") + "/rest/v1",
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func (s *SupabaseStore) WithHTTPClient(hc *http.Client) *SupabaseStore {
	s.client = hc
	return s
}

// contactRow mirrors the contacts table.
type contactRow struct {
	ID             int64      `json:"id,omitempty"`
	Name           string     `json:"name"`
	Whatsapp       string     `json:"whatsapp"`
	InstanceName   string     `json:"instance_name"`
	Status         string     `json:"status"`
	Stage          string     `json:"stage"`
	ConversationID string     `json:"conversation_id"`
	FromMe         bool       `json:"from_me"`
	UserID         *string    `json:"user_id,omitempty"`
	LastContact    time.Time  `json:"last_contact"`
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
}

func (r contactRow) toModel() model.Contact {
	return model.Contact{
		ID:             r.ID,
		Name:           r.Name,
		Whatsapp:       r.Whatsapp,
		InstanceName:   r.InstanceName,
		Status:         model.Status(r.Status),
		Stage:          r.Stage,
		ConversationID: r.ConversationID,
		FromMe:         r.FromMe,
		UserID:         r.UserID,
		LastContact:    r.LastContact,
		CooldownUntil:  r.CooldownUntil,
		CreatedAt:      r.CreatedAt,
	}
}

func contactFilter(whatsapp, instance string) url.Values {
	q := url.Values{}
	q.Set("whatsapp", "eq."+whatsapp)
	q.Set("instance_name", "eq."+instance)
	return q
}

func (s *SupabaseStore) GetContact(ctx context.Context, whatsapp, instance string) (*model.Contact, error) {
	q := contactFilter(whatsapp, instance)
	q.Set("select", "*")
	q.Set("limit", "1")

	var rows []contactRow
	if err := s.get(ctx, "contacts", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	c := rows[0].toModel()
	return &c, nil
}

func (s *SupabaseStore) CreateContact(ctx context.Context, c *model.Contact) (*model.Contact, error) {
	row := contactRow{
		Name:           c.Name,
		Whatsapp:       c.Whatsapp,
		InstanceName:   c.InstanceName,
		Status:         string(c.Status),
		Stage:          c.Stage,
		ConversationID: c.ConversationID,
		FromMe:         c.FromMe,
		UserID:         c.UserID,
		LastContact:    c.LastContact,
	}

	var created []contactRow
	if err := s.write(ctx, http.MethodPost, "contacts", nil, row, &created); err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("supabase: insert returned no rows")
	}
	out := created[0].toModel()
	return &out, nil
}

func (s *SupabaseStore) TouchContact(ctx context.Context, whatsapp, instance, name string) error {
	patch := map[string]any{
		"last_contact": time.Now().UTC(),
	}
	if name != "" {
		patch["name"] = name
	}
	return s.write(ctx, http.MethodPatch, "contacts", contactFilter(whatsapp, instance), patch, nil)
}

func (s *SupabaseStore) SetCooldown(ctx context.Context, whatsapp, instance string, until time.Time) error {
	patch := map[string]any{
		"status":         string(model.Cooldown),
		"from_me":        true,
		"last_contact":   time.Now().UTC(),
		"cooldown_until": until.UTC(),
	}
	return s.write(ctx, http.MethodPatch, "contacts", contactFilter(whatsapp, instance), patch, nil)
}

func (s *SupabaseStore) UpdateStage(ctx context.Context, whatsapp, instance, stage string) error {
	patch := map[string]any{"stage": stage}
	return s.write(ctx, http.MethodPatch, "contacts", contactFilter(whatsapp, instance), patch, nil)
}

func (s *SupabaseStore) AssistantUserID(ctx context.Context, instance string) (string, error) {
	q := url.Values{}
	q.Set("instance_name", "eq."+instance)
	q.Set("select", "user_id")
	q.Set("limit", "1")

	var rows []struct {
		UserID string `json:"user_id"`
	}
	if err := s.get(ctx, "assistants", q, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	return rows[0].UserID, nil
}

func (s *SupabaseStore) UserPlan(ctx context.Context, userID string) (string, error) {
	q := url.Values{}
	q.Set("id", "eq."+userID)
	q.Set("select", "plan")
	q.Set("limit", "1")

	var rows []struct {
		Plan string `json:"plan"`
	}
	if err := s.get(ctx, "users", q, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	return rows[0].Plan, nil
}

func (s *SupabaseStore) CountContactsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	q.Set("created_at", "gte."+since.UTC().Format(time.RFC3339))
	q.Set("select", "id")

	var rows []struct {
		ID int64 `json:"id"`
	}
	if err := s.get(ctx, "contacts", q, &rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *SupabaseStore) ListContacts(ctx context.Context, instance string, limit, offset int) ([]model.Contact, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := url.Values{}
	q.Set("instance_name", "eq."+instance)
	q.Set("select", "*")
	q.Set("order", "last_contact.desc")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var rows []contactRow
	if err := s.get(ctx, "contacts", q, &rows); err != nil {
		return nil, err
	}

	out := make([]model.Contact, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SupabaseStore) get(ctx context.Context, table string, query url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.tableURL(table, query), nil)
	if err != nil {
		return err
	}
	return s.do(req, dst)
}

// write performs POST/PATCH against a table. dst may be nil when the caller
// does not need the affected rows back.
func (s *SupabaseStore) write(ctx context.Context, method, table string, query url.Values, body, dst any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("supabase: marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.tableURL(table, query), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if dst != nil {
		req.Header.Set("Prefer", "return=representation")
	}
	return s.do(req, dst)
}

func (s *SupabaseStore) tableURL(table string, query url.Values) string {
	u := s.baseURL + "/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (s *SupabaseStore) do(req *http.Request, dst any) error {
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("supabase: unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("supabase: failed to decode json: %w body=%q", err, string(body))
	}
	return nil
}
