package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EvolutionClient talks to the Evolution API send-message endpoint of one
// gateway server.
type EvolutionClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewEvolutionClient(baseURL, apiKey string) *EvolutionClient {
	return &EvolutionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func (c *EvolutionClient) WithHTTPClient(hc *http.Client) *EvolutionClient {
	c.client = hc
	return c
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	Delay  int    `json:"delay"`
}

type sendTextResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

// sendDelayMillis is passed to the gateway so the recipient sees a short
// "typing" pause before each message.
const sendDelayMillis = 1200

// SendText posts one text message to a number through the given instance and
// returns the gateway message id when the gateway reports one.
func (c *EvolutionClient) SendText(ctx context.Context, instance, number, text string) (string, error) {
	reqBody, err := json.Marshal(sendTextRequest{
		Number: number,
		Text:   text,
		Delay:  sendDelayMillis,
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/message/sendText/%s", c.baseURL, instance)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("evolution: unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendTextResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		// The send succeeded; the id is best-effort.
		return "", nil
	}
	return sr.Key.ID, nil
}
