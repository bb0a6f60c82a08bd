package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient is a focused client for the chat-completions and audio
// transcription endpoints.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type OpenAIOption func(*OpenAIClient)

func WithBaseURL(baseURL string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAIClient) {
		c.httpClient = hc
	}
}

func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    "https://api.openai.com/v1",
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// ChatMessage is the wire shape of one chat-completions message. Content is
// either a plain string or a list of content parts (vision input).
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Tools     []Tool        `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// ChatResult is the assistant's turn: either final text or tool invocations.
type ChatResult struct {
	Content   string
	ToolCalls []ToolCall
}

// Chat calls the chat-completions endpoint.
func (c *OpenAIClient) Chat(ctx context.Context, chatModel string, messages []ChatMessage, tools []Tool) (ChatResult, error) {
	if chatModel == "" {
		return ChatResult{}, errors.New("openai: model must not be empty")
	}

	body, err := json.Marshal(chatRequest{
		Model:    chatModel,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	raw, err := c.postJSON(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		return ChatResult{}, err
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ChatResult{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return ChatResult{}, errors.New("openai: no choices in response")
	}

	choice := payload.Choices[0]
	return ChatResult{
		Content:   choice.Message.Content,
		ToolCalls: choice.Message.ToolCalls,
	}, nil
}

const visionMaxTokens = 500

// DescribeImage asks the vision model for a description of a base64-encoded
// JPEG.
func (c *OpenAIClient) DescribeImage(ctx context.Context, visionModel, prompt, imageBase64 string) (string, error) {
	if imageBase64 == "" {
		return "", errors.New("openai: image data must not be empty")
	}

	body, err := json.Marshal(chatRequest{
		Model: visionModel,
		Messages: []ChatMessage{
			{
				Role: "user",
				Content: []ContentPart{
					{Type: "text", Text: prompt},
					{Type: "image_url", ImageURL: &ImageURL{
						URL: "data:image/jpeg;base64," + imageBase64,
					}},
				},
			},
		},
		MaxTokens: visionMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	raw, err := c.postJSON(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		return "", err
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads OGG audio bytes to the transcription endpoint and
// returns the transcript text.
func (c *OpenAIClient) Transcribe(ctx context.Context, transcribeModel string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("openai: audio data must not be empty")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", "audio.ogg")
	if err != nil {
		return "", fmt.Errorf("openai: create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("openai: write audio: %w", err)
	}
	if err := mw.WriteField("model", transcribeModel); err != nil {
		return "", fmt.Errorf("openai: write model field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("openai: close multipart writer: %w", err)
	}

	url := c.baseURL + "/audio/transcriptions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	raw, err := c.do(req, url)
	if err != nil {
		return "", err
	}

	var payload transcriptionResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("openai: decode transcription response: %w", err)
	}
	return payload.Text, nil
}

func (c *OpenAIClient) postJSON(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, url)
}

func (c *OpenAIClient) do(req *http.Request, url string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openai: read response body: %w", err)
	}
	return buf, nil
}
