// Package chatsync keeps one two-party conversation consistent across a
// push channel, a polling fallback and a row-level change feed, plus the
// local optimistic send path.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	sess, _ := chatsync.NewSession(chatsync.SessionConfig{
//		LocalUserID:  "u1",
//		PeerID:       "u2",
//		Backend:      client,
//		Push:         client.WSChannel(chatsync.RealtimeConfig{Token: token, AutoReconnect: true}),
//		Subscription: client.SSEChannel(chatsync.RealtimeConfig{Token: token, AutoReconnect: true}),
//	})
//	sess.On(chatsync.EventChange, func(_ string, payload any) { render(payload.([]chatsync.Message)) })
//	sess.Open(ctx)
//	defer sess.Close()
//	sess.Send(ctx, "hi")
package chatsync

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

const (
	DefaultBaseURL = "https://prismer.cloud"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP+JSON Backend implementation.
type Client struct {
	token      string
	baseURL    string
	agent      string
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

// WithAgent sets the X-IM-Agent header sent with every request.
func WithAgent(agent string) ClientOption {
	return func(c *Client) { c.agent = agent }
}

// NewClient creates a backend client authenticated with a session token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
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

// SetToken replaces the session token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.agent != "" {
		req.Header.Set("X-IM-Agent", c.agent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do runs a request and unwraps the {ok, data, error} envelope. A
// non-ok envelope comes back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return nil, fmt.Errorf("HTTP %d: %w", status, err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("HTTP %d: request failed", status)
	}
	return res, nil
}

// ============================================================================
// Backend
// ============================================================================

// PersistMessage stores a direct message. The correlation id is sent so
// the backend can echo it on push and change-feed deliveries.
func (c *Client) PersistMessage(ctx context.Context, req PersistRequest) (PersistResult, error) {
	payload := map[string]interface{}{
		"content":         req.Content,
		"type":            "text",
		"correlationId":   req.CorrelationID,
		"clientTimestamp": req.ClientTimestamp.UTC().Format(time.RFC3339Nano),
		"metadata":        map[string]string{"_idempotencyKey": "sdk-" + req.CorrelationID},
	}
	res, err := c.do(ctx, http.MethodPost, "/api/im/direct/"+url.PathEscape(req.RecipientID)+"/messages", payload, nil)
	if err != nil {
		return PersistResult{}, err
	}
	var out struct {
		Message Message `json:"message"`
	}
	if err := res.Decode(&out); err != nil {
		return PersistResult{}, fmt.Errorf("decode persisted message: %w", err)
	}
	return PersistResult{ID: out.Message.ID, ServerTimestamp: out.Message.ServerTimestamp}, nil
}

// FetchMessagesSince returns the conversation's messages at or after
// since. A zero since fetches the backend's default recent window.
func (c *Client) FetchMessagesSince(ctx context.Context, key ConversationKey, since time.Time) ([]Message, error) {
	var query map[string]string
	if !since.IsZero() {
		query = map[string]string{"since": since.UTC().Format(time.RFC3339Nano)}
	}
	res, err := c.do(ctx, http.MethodGet, "/api/im/conversations/"+url.PathEscape(key.String())+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out.Messages, nil
}

// MarkRead marks every id read in one call.
func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, "/api/im/messages/read", map[string][]string{"messageIds": ids}, nil)
	return err
}

// Health checks backend reachability.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/im/health", nil, nil)
	return err
}

// ============================================================================
// Realtime factories
// ============================================================================

// WSUrl returns the WebSocket URL.
func (c *Client) WSUrl(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// SSEUrl returns the change-feed SSE URL.
func (c *Client) SSEUrl(token string) string {
	if token != "" {
		return c.baseURL + "/sse?token=" + url.QueryEscape(token)
	}
	return c.baseURL + "/sse"
}

// WSChannel creates the push channel for this backend.
func (c *Client) WSChannel(config RealtimeConfig) *WSChannel {
	if config.Token == "" {
		config.Token = c.token
	}
	config.defaults()
	return newWSChannel(c.WSUrl(config.Token), &config)
}

// SSEChannel creates the change-feed subscription channel for this backend.
func (c *Client) SSEChannel(config RealtimeConfig) *SSEChannel {
	if config.Token == "" {
		config.Token = c.token
	}
	if config.HTTPClient == nil {
		// The stream is long-lived, so keep the transport but not the timeout.
		config.HTTPClient = &http.Client{Transport: c.httpClient.Transport}
	}
	config.defaults()
	return newSSEChannel(c.SSEUrl(config.Token), &config)
}
