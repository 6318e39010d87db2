package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Defaults for [Client].
const (
	DefaultURL     = "http://localhost:3001"
	DefaultTimeout = 5 * time.Second
)

// Rules service endpoints.
const (
	rollEndpoint       = "/roll"
	attackEndpoint     = "/attack"
	damageEndpoint     = "/damage"
	skillCheckEndpoint = "/skills/check"
	healthEndpoint     = "/health"
)

// Client is an [Oracle] backed by the HTTP rules service. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Oracle = (*Client)(nil)

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

// WithHTTPClient replaces the HTTP client. Its timeout is kept as is.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
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

// Roll implements [Oracle].
func (c *Client) Roll(ctx context.Context, req RollRequest) (RollResult, error) {
	var resp struct {
		Result RollResult `json:"result"`
	}
	if err := c.post(ctx, rollEndpoint, req, &resp); err != nil {
		return RollResult{}, fmt.Errorf("rules: roll: %w", err)
	}
	return resp.Result, nil
}

// Attack implements [Oracle].
func (c *Client) Attack(ctx context.Context, req AttackRequest) (AttackResult, error) {
	var resp AttackResult
	if err := c.post(ctx, attackEndpoint, req, &resp); err != nil {
		return AttackResult{}, fmt.Errorf("rules: attack: %w", err)
	}
	return resp, nil
}

// Damage implements [Oracle].
func (c *Client) Damage(ctx context.Context, req DamageRequest) (DamageResult, error) {
	var resp DamageResult
	if err := c.post(ctx, damageEndpoint, req, &resp); err != nil {
		return DamageResult{}, fmt.Errorf("rules: damage: %w", err)
	}
	return resp, nil
}

// SkillCheck implements [Oracle].
func (c *Client) SkillCheck(ctx context.Context, req SkillCheckRequest) (SkillCheckResult, error) {
	var resp SkillCheckResult
	if err := c.post(ctx, skillCheckEndpoint, req, &resp); err != nil {
		return SkillCheckResult{}, fmt.Errorf("rules: skill check: %w", err)
	}
	return resp, nil
}

// Ping checks that the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("rules: build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rules: GET %s: %w", healthEndpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rules: GET %s returned status %d", healthEndpoint, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// StatusError reports a non-200 answer from a service.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("POST %s returned status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("POST %s returned status %d: %s", e.Endpoint, e.Code, e.Body)
}

// IsClientError reports whether err is a 4xx [StatusError]. Such errors mean
// the request itself was bad and retrying elsewhere will not help.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}
