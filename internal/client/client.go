// ABOUTME: HTTP client for the support gateway API used by widgets and the console
// ABOUTME: Maps status codes and error codes back to typed errors callers can match

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/wire"
)

// Sentinels an APIError unwraps to. Not-found and closed reuse the store's.
var (
	ErrValidation   = errors.New("request rejected")
	ErrUnauthorized = errors.New("not authorized")
	ErrTransport    = errors.New("message saved but not broadcast")
	ErrServer       = errors.New("server error")
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// Unwrap lets errors.Is match the sentinel for the response.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case wire.CodeValidation:
		return ErrValidation
	case wire.CodeConversationClosed:
		return store.ErrConversationClosed
	case wire.CodeNotFound:
		return store.ErrNotFound
	case wire.CodeUnauthorized:
		return ErrUnauthorized
	case wire.CodeTransport:
		return ErrTransport
	}
	switch {
	case e.Status == http.StatusBadRequest:
		return ErrValidation
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return ErrUnauthorized
	case e.Status == http.StatusNotFound:
		return store.ErrNotFound
	case e.Status == http.StatusConflict:
		return store.ErrConversationClosed
	case e.Status == http.StatusBadGateway:
		return ErrTransport
	default:
		return ErrServer
	}
}

// Client talks to one gateway.
type Client struct {
	baseURL  string
	http     *http.Client
	identity string
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithIdentityToken sets the agent identity token sent on admin routes.
func WithIdentityToken(token string) Option {
	return func(c *Client) { c.identity = token }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the gateway at baseURL (e.g. http://localhost:8080).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api-client")
	return c
}

// RelayURL returns the websocket endpoint of the gateway's relay.
func (c *Client) RelayURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/relay"
}

// CreateConversation starts a new conversation and returns its ID.
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	var resp wire.CreateConversationResponse
	if err := c.do(ctx, http.MethodPost, "/conversation", false, nil, &resp); err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

// History returns a conversation's messages as seen by the visitor.
func (c *Client) History(ctx context.Context, conversationID string) (*wire.MessagesResponse, error) {
	var resp wire.MessagesResponse
	path := "/conversation?id=" + url.QueryEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, false, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AdminHistory returns a conversation's messages through the agent route.
func (c *Client) AdminHistory(ctx context.Context, conversationID string) (*wire.MessagesResponse, error) {
	var resp wire.MessagesResponse
	path := "/admin/messages/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, true, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Send posts a visitor message. On ErrTransport the returned message is
// non-nil: it was saved but not broadcast.
func (c *Client) Send(ctx context.Context, conversationID, body string) (*wire.Message, error) {
	return c.send(ctx, "/send", false, conversationID, body)
}

// AdminSend posts an agent message.
func (c *Client) AdminSend(ctx context.Context, conversationID, body string) (*wire.Message, error) {
	return c.send(ctx, "/admin/send", true, conversationID, body)
}

func (c *Client) send(ctx context.Context, path string, admin bool, conversationID, body string) (*wire.Message, error) {
	var resp wire.SendResponse
	err := c.do(ctx, http.MethodPost, path, admin, wire.SendRequest{ConversationID: conversationID, Body: body}, &resp)
	if err != nil {
		if errors.Is(err, ErrTransport) && resp.Message.ID != "" {
			return &resp.Message, err
		}
		return nil, err
	}
	return &resp.Message, nil
}

// Token requests a capability token. Failures are *capability.AuthError so
// callers can tell retryable ones apart.
func (c *Client) Token(ctx context.Context, conversationID string, admin bool) (*wire.TokenResponse, error) {
	var resp wire.TokenResponse
	req := wire.TokenRequest{ConversationID: conversationID, IsAdmin: admin}
	if err := c.do(ctx, http.MethodPost, "/token", admin, req, &resp); err != nil {
		return nil, tokenError(err)
	}
	if resp.Token == "" {
		return nil, &capability.AuthError{Kind: capability.KindTokenService, Msg: "empty token in response"}
	}
	return &resp, nil
}

func tokenError(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return &capability.AuthError{Kind: capability.KindTokenService, Msg: "token request failed", Err: err}
	}
	kind := capability.KindTokenService
	switch {
	case apiErr.Code == wire.CodeNotFound || apiErr.Status == http.StatusNotFound:
		kind = capability.KindNotFound
	case apiErr.Code == wire.CodeIdentityUnavailable || apiErr.Status == http.StatusServiceUnavailable:
		kind = capability.KindIdentityUnavailable
	case apiErr.Code == wire.CodeUnauthorized || apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
		kind = capability.KindUnauthorized
	}
	return &capability.AuthError{Kind: kind, Msg: apiErr.Message, Err: apiErr}
}

// AdminClose closes a conversation.
func (c *Client) AdminClose(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/admin/close", true, wire.CloseRequest{ConversationID: conversationID}, nil)
}

// ListOpen returns open conversations for the agent queue.
func (c *Client) ListOpen(ctx context.Context) ([]wire.ConversationSummary, error) {
	var resp wire.ConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/admin/conversations", true, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// do performs one request. out is decoded on success and, for 502, also
// on failure so the persisted message is not lost.
func (c *Client) do(ctx context.Context, method, path string, admin bool, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin && c.identity != "" {
		req.Header.Set("Authorization", "Bearer "+c.identity)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
		}
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	if resp.StatusCode == http.StatusBadGateway && out != nil {
		var sr wire.SendResponse
		if json.Unmarshal(data, &sr) == nil {
			apiErr.Code = wire.CodeTransport
			apiErr.Message = sr.Error
			if target, ok := out.(*wire.SendResponse); ok {
				*target = sr
			}
		}
	}
	if apiErr.Code == "" {
		var er wire.ErrorResponse
		if json.Unmarshal(data, &er) == nil {
			apiErr.Code = er.Code
			apiErr.Message = er.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}

	c.logger.Debug("gateway request failed", "method", method, "path", path, "status", resp.StatusCode, "code", apiErr.Code)
	return apiErr
}
