package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client drives streaming chat completions against an OpenAI-compatible
// endpoint.
type Client struct {
	URL        string
	Model      string
	Referer    string
	Title      string
	HTTPClient *http.Client
}

func NewClient(url, model string, timeout time.Duration) *Client {
	return &Client{
		URL:   url,
		Model: model,
		// Timeout covers the whole stream, not just connection setup.
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// StreamCompletion posts the conversation with the tool catalog advertised
// and decodes the streamed response. A non-2xx status short-circuits with
// the endpoint's body before any decoding. Cancellation of ctx aborts the
// in-flight request.
func (c *Client) StreamCompletion(ctx context.Context, apiKey string, msgs []WireMessage, tools []ToolDeclaration, onContent ContentFunc) (*StreamResult, error) {
	body, err := json.Marshal(CompletionRequest{
		Model:    c.Model,
		Messages: msgs,
		Tools:    tools,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if c.Referer != "" {
		req.Header.Set("HTTP-Referer", c.Referer)
	}
	if c.Title != "" {
		req.Header.Set("X-Title", c.Title)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, detail)
	}

	result, err := DecodeStream(ctx, resp.Body, onContent)
	if err != nil {
		return nil, err
	}
	slog.Debug("completion stream finished",
		"duration_ms", time.Since(start).Milliseconds(),
		"content_len", len(result.Content),
		"tool_calls", len(result.ToolCalls),
		"finish_reason", result.FinishReason)
	return result, nil
}
