package chatsync

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

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat server's HTTP endpoints: login, the online-user
// list and health. Real-time traffic goes through an Engine.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sets the bearer token sent on authenticated requests.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a new chat server client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token, typically after Login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the HTTP base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// WSURL returns the WebSocket endpoint of userID on this server.
func (c *Client) WSURL(userID string) string {
	return WebSocketURL(c.baseURL, userID)
}

// ============================================================================
// Internal request helper
// ============================================================================

type httpResponse struct {
	status int
	body   []byte
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*httpResponse, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &httpResponse{status: resp.StatusCode, body: data}, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// errorDetail extracts the server's {"detail": "..."} message, falling back
// to the raw body.
func errorDetail(body []byte) string {
	var e struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil && len(e.Detail) > 0 {
		var s string
		if json.Unmarshal(e.Detail, &s) == nil {
			return s
		}
		return string(e.Detail)
	}
	return strings.TrimSpace(string(body))
}

// ============================================================================
// Endpoints
// ============================================================================

// Login exchanges a nickname for an access token and user id. A blank
// nickname fails before any request. Failures are *LoginError.
func (c *Client) Login(ctx context.Context, nickname string) (*LoginResult, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, &ValidationError{Field: "nickname", Reason: "must not be empty"}
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/login", map[string]string{"nickname": nickname})
	if err != nil {
		return nil, &LoginError{Category: LoginNetwork, Message: "cannot reach server", Err: err}
	}
	if resp.status < 200 || resp.status > 299 {
		return nil, &LoginError{
			Category:   loginCategory(resp.status),
			StatusCode: resp.status,
			Message:    errorDetail(resp.body),
		}
	}

	res, err := decodeJSON[LoginResult](resp.body)
	if err != nil {
		return nil, &LoginError{Category: LoginOther, StatusCode: resp.status, Message: "malformed response", Err: err}
	}
	if res.AccessToken == "" || res.UserID == "" {
		return nil, &LoginError{Category: LoginOther, StatusCode: resp.status, Message: "response without token or user_id"}
	}
	return res, nil
}

// OnlineUsers fetches the online-user list over HTTP.
func (c *Client) OnlineUsers(ctx context.Context) ([]OnlineUser, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/users", nil)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("list users: HTTP %d: %s", resp.status, errorDetail(resp.body))
	}
	users, err := decodeJSON[[]OnlineUser](resp.body)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// Health reports the server health. A degraded server answers with a non-200
// status and a body that still decodes into HealthStatus.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	h, err := decodeJSON[HealthStatus](resp.body)
	if err != nil {
		return nil, fmt.Errorf("health: HTTP %d: %w", resp.status, err)
	}
	if resp.status != http.StatusOK && h.Status == "" {
		h.Status = "unhealthy"
	}
	return h, nil
}
