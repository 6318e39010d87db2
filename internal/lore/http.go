package lore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Defaults for [Client].
const (
	DefaultURL     = "http://localhost:3002"
	DefaultTimeout = 10 * time.Second
)

// Client is a [Store] backed by the memory service. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Store = (*Client)(nil)

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient returns a client for the service at baseURL. An empty baseURL
// selects [DefaultURL].
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type searchRequest struct {
	Query   string            `json:"query"`
	Limit   int               `json:"limit,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

type storeRequest struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type storeResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type getResponse struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt string            `json:"created_at,omitempty"`
	UpdatedAt string            `json:"updated_at,omitempty"`
}

// Search implements [Searcher].
func (c *Client) Search(ctx context.Context, query string, limit int, filters map[string]string) ([]Document, error) {
	var docs []Document
	if err := c.do(ctx, http.MethodPost, "/search", searchRequest{Query: query, Limit: limit, Filters: filters}, &docs); err != nil {
		return nil, fmt.Errorf("lore: search: %w", err)
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

// Put implements [Store].
func (c *Client) Put(ctx context.Context, content string, metadata map[string]string) (string, error) {
	var resp storeResponse
	if err := c.do(ctx, http.MethodPost, "/store", storeRequest{Content: content, Metadata: metadata}, &resp); err != nil {
		return "", fmt.Errorf("lore: store: %w", err)
	}
	return resp.ID, nil
}

// Get implements [Store].
func (c *Client) Get(ctx context.Context, id string) (Document, error) {
	var resp getResponse
	if err := c.do(ctx, http.MethodGet, "/get/"+url.PathEscape(id), nil, &resp); err != nil {
		return Document{}, fmt.Errorf("lore: get %q: %w", id, err)
	}
	doc := Document{ID: resp.ID, Content: resp.Content, Metadata: resp.Metadata}
	doc.CreatedAt, _ = time.Parse(time.RFC3339, resp.CreatedAt)
	doc.UpdatedAt, _ = time.Parse(time.RFC3339, resp.UpdatedAt)
	return doc, nil
}

// Ping checks that the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return fmt.Errorf("lore: health: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
