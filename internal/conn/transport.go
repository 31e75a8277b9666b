package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Socket is a live framed connection to the chat backend.
type Socket interface {
	// ReadMessage blocks until the next frame arrives or the socket dies.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport dials sockets. Split from the manager so tests can run the full
// lifecycle without a network.
type Transport interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// WebsocketTransport dials gorilla websockets.
type WebsocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebsocketTransport creates a transport using the default dialer.
func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{dialer: websocket.DefaultDialer}
}

func (t *WebsocketTransport) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	c, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with %d", ErrAuthRequired, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &wsSocket{c: c}, nil
}

type wsSocket struct {
	c *websocket.Conn
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.c.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	return s.c.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	return s.c.Close()
}

// Close codes the server uses for credential problems. 1008 is the standard
// policy-violation code; 4001/4003 are the backend's expired/invalid codes.
const (
	closeAuthExpired = 4001
	closeAuthInvalid = 4003
)

// isAuthClose reports whether an error represents a forced server-side
// disconnect for credential reasons. Those are never auto-retried.
func isAuthClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRequired) {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.ClosePolicyViolation, closeAuthExpired, closeAuthInvalid:
			return true
		}
	}
	return false
}
