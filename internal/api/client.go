// Package api is the REST client for the tripmate chat backend. The socket
// carries live events; REST serves history pages, chat previews and the
// operations the server wants confirmed before the client applies them.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tripmate/chatd/internal/creds"
	"github.com/tripmate/chatd/internal/protocol"
)

// ErrUnauthorized is returned on 401/403 responses; the caller should treat
// it like an auth-required disconnect.
var ErrUnauthorized = errors.New("api: unauthorized")

const defaultTimeout = 15 * time.Second

// CredentialSource supplies the bearer credential per request.
type CredentialSource interface {
	Credentials() (*creds.Credentials, error)
}

// ChatPreview is one row of the chat list endpoint.
type ChatPreview struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	IsGroup         bool   `json:"is_group"`
	LastMessage     string `json:"last_message"`
	LastMessageType string `json:"last_message_type"`
	LastActivityMs  int64  `json:"last_activity_ms"`
	UnreadCount     int    `json:"unread_count"`
	Online          bool   `json:"online"`
}

// Client talks to the chat backend. It satisfies the backend interfaces of
// the thread store and, through an adapter, the roster.
type Client struct {
	baseURL string
	creds   CredentialSource
	httpc   *http.Client
}

// NewClient creates a client for the given base URL, e.g.
// "https://chat.tripmate.app".
func NewClient(baseURL string, source CredentialSource) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   source,
		httpc:   &http.Client{Timeout: defaultTimeout},
	}
}

// GetChatPreviews fetches the conversation list.
func (c *Client) GetChatPreviews(ctx context.Context) ([]ChatPreview, error) {
	var previews []ChatPreview
	if err := c.do(ctx, http.MethodGet, "/api/v1/chats", &previews); err != nil {
		return nil, err
	}
	return previews, nil
}

// GetMessages fetches one history page, newest first. A zero beforeMs means
// the latest page.
func (c *Client) GetMessages(ctx context.Context, conversationID string, beforeMs int64, limit int) ([]protocol.Message, error) {
	q := url.Values{}
	if beforeMs > 0 {
		q.Set("before", strconv.FormatInt(beforeMs, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/chats/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var msgs []protocol.Message
	if err := c.do(ctx, http.MethodGet, path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead records the conversation as read server-side.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/chats/"+url.PathEscape(conversationID)+"/read", nil)
}

// DeleteMessage deletes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, msgID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/chats/"+url.PathEscape(conversationID)+"/messages/"+url.PathEscape(msgID), nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	cred, err := c.creds.Credentials()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, body)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
