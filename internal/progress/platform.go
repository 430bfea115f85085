package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPlatform talks to the chat platform's message API. Message refs are
// the platform's opaque message ids.
type HTTPPlatform struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPPlatform builds a platform client against the given base URL.
func NewHTTPPlatform(baseURL string) *HTTPPlatform {
	return &HTTPPlatform{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type messagePayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// SendMessage creates a new message and returns its ref.
func (p *HTTPPlatform) SendMessage(ctx context.Context, channelKey, text string) (string, error) {
	payload, err := json.Marshal(messagePayload{Channel: channelKey, Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("platform HTTP %d on send", resp.StatusCode)
	}

	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("platform returned empty message ref")
	}
	return out.Ref, nil
}

// EditMessage updates an existing message in place. A 404 or 410 from the
// platform maps to ErrMessageGone so the notifier can recreate.
func (p *HTTPPlatform) EditMessage(ctx context.Context, channelKey, ref, text string) error {
	payload, err := json.Marshal(messagePayload{Channel: channelKey, Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, p.baseURL+"/messages/"+ref, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build edit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrMessageGone
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("platform HTTP %d on edit", resp.StatusCode)
	}
	return nil
}
