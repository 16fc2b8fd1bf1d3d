// Package notion is a thin REST client for the workspace API. Each method
// issues exactly one HTTP call and passes the response JSON through
// untouched; retries are the caller's business.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultBaseURL = "https://api.notion.com/v1"
	apiVersion     = "2022-06-28"
)

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    DefaultBaseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// do performs one call against the workspace API. Non-2xx responses are
// reduced to the error message field when the body carries one.
func (c *Client) do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Notion-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, err
	}

	var parsed map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("workspace API returned malformed JSON: %w", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg, ok := parsed["message"].(string); ok && msg != "" {
			return nil, fmt.Errorf("workspace API error (%d): %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("workspace API error (%d)", resp.StatusCode)
	}
	return parsed, nil
}

// Search finds pages and databases matching a text query.
func (c *Client) Search(ctx context.Context, query string, limit int) (map[string]any, error) {
	body := map[string]any{"query": query}
	if limit > 0 {
		body["page_size"] = limit
	}
	return c.do(ctx, http.MethodPost, "/search", body)
}

// QueryDatabase runs a structured query against a database.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, filter map[string]any, pageSize int) (map[string]any, error) {
	body := map[string]any{}
	if filter != nil {
		body["filter"] = filter
	}
	if pageSize > 0 {
		body["page_size"] = pageSize
	}
	return c.do(ctx, http.MethodPost, "/databases/"+databaseID+"/query", body)
}

// RetrievePage fetches a page's metadata and properties.
func (c *Client) RetrievePage(ctx context.Context, pageID string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, "/pages/"+pageID, nil)
}

// GetPageContent lists a page's child blocks.
func (c *Client) GetPageContent(ctx context.Context, pageID string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, "/blocks/"+pageID+"/children", nil)
}

// CreatePage creates a page under a parent page, optionally with an
// initial paragraph.
func (c *Client) CreatePage(ctx context.Context, parentID, title, content string) (map[string]any, error) {
	body := map[string]any{
		"parent": map[string]any{"page_id": parentID},
		"properties": map[string]any{
			"title": map[string]any{
				"title": []any{richText(title)},
			},
		},
	}
	if content != "" {
		body["children"] = []any{blockPayload("paragraph", content)}
	}
	return c.do(ctx, http.MethodPost, "/pages", body)
}

// UpdatePageProperties patches page properties and/or the archived flag.
func (c *Client) UpdatePageProperties(ctx context.Context, pageID string, properties map[string]any, archived *bool) (map[string]any, error) {
	body := map[string]any{}
	if properties != nil {
		body["properties"] = properties
	}
	if archived != nil {
		body["archived"] = *archived
	}
	return c.do(ctx, http.MethodPatch, "/pages/"+pageID, body)
}

// AppendBlock appends a single content block to a page.
func (c *Client) AppendBlock(ctx context.Context, pageID, blockType, content string) (map[string]any, error) {
	body := map[string]any{
		"children": []any{blockPayload(blockType, content)},
	}
	return c.do(ctx, http.MethodPatch, "/blocks/"+pageID+"/children", body)
}

// GetDatabase retrieves a database's schema.
func (c *Client) GetDatabase(ctx context.Context, databaseID string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, "/databases/"+databaseID, nil)
}

// ListUsers lists the workspace's users.
func (c *Client) ListUsers(ctx context.Context) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, "/users", nil)
}

// CreateComment adds a comment to a page.
func (c *Client) CreateComment(ctx context.Context, pageID, text string) (map[string]any, error) {
	body := map[string]any{
		"parent":    map[string]any{"page_id": pageID},
		"rich_text": []any{richText(text)},
	}
	return c.do(ctx, http.MethodPost, "/comments", body)
}

// GetSelf returns the bot user the credential belongs to. Also used as the
// credential health check.
func (c *Client) GetSelf(ctx context.Context) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, "/users/me", nil)
}

// BlockTypes is the vocabulary accepted by AppendBlock.
var BlockTypes = []string{
	"paragraph", "heading_1", "heading_2", "heading_3",
	"bulleted_list_item", "numbered_list_item", "to_do", "code", "quote",
}

func richText(content string) map[string]any {
	return map[string]any{
		"type": "text",
		"text": map[string]any{"content": content},
	}
}

func blockPayload(blockType, content string) map[string]any {
	inner := map[string]any{
		"rich_text": []any{richText(content)},
	}
	switch blockType {
	case "heading_1", "heading_2", "heading_3", "bulleted_list_item",
		"numbered_list_item", "to_do", "quote":
	case "code":
		inner["language"] = "plain_text"
	default:
		blockType = "paragraph"
	}
	return map[string]any{
		"object":  "block",
		"type":    blockType,
		blockType: inner,
	}
}
