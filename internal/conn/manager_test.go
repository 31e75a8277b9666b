package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/tripmate/chatd/internal/bus"
	"github.com/tripmate/chatd/internal/creds"
	"github.com/tripmate/chatd/internal/protocol"
	"github.com/tripmate/chatd/internal/status"
)

type staticCreds struct {
	token string
}

func (s staticCreds) Credentials() (*creds.Credentials, error) {
	return &creds.Credentials{Token: s.token}, nil
}

func testToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &creds.Claims{
		UserID: "me",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	s, err := token.SignedString([]byte("test_key"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// fakeSocket delivers scripted frames to the read loop and records writes.
type fakeSocket struct {
	in     chan []byte
	readEr chan error

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16), readEr: make(chan error, 1)}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case err := <-s.readEr:
		return nil, err
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("socket closed")
	}
	s.writes = append(s.writes, data)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		select {
		case s.readEr <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}:
		default:
		}
	}
	return nil
}

func (s *fakeSocket) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	s.in <- frame
}

func (s *fakeSocket) lastWrite() *protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		return nil
	}
	var env protocol.Envelope
	_ = json.Unmarshal(s.writes[len(s.writes)-1], &env)
	return &env
}

// fakeTransport hands out one socket per dial, failing the first failDials
// attempts.
type fakeTransport struct {
	mu        sync.Mutex
	dials     int
	failDials int
	sockets   []*fakeSocket
}

func (f *fakeTransport) Dial(_ context.Context, _ string, _ http.Header) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dials <= f.failDials {
		return nil, errors.New("connection refused")
	}
	s := newFakeSocket()
	f.sockets = append(f.sockets, s)
	return s, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) socket(i int) *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sockets) {
		return nil
	}
	return f.sockets[i]
}

func testManager(t *testing.T, transport Transport, opts Options) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	opts.URL = "ws://test/ws"
	opts.Transport = transport
	opts.Bus = b
	opts.Machine = status.NewMachine(b)
	if opts.Credentials == nil {
		opts.Credentials = staticCreds{token: testToken(t, time.Now().Add(time.Hour))}
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Millisecond
	}
	return NewManager(opts), b
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", desc)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnectResetsFailureCounter(t *testing.T) {
	transport := &fakeTransport{failDials: 2}
	m, _ := testManager(t, transport, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, "connection", m.Connected)
	if got := m.Failures(); got != 0 {
		t.Errorf("Failures() = %d after connect, want 0", got)
	}
	if transport.dialCount() != 3 {
		t.Errorf("dials = %d, want 3 (two refused)", transport.dialCount())
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v, want nil on cancel", err)
	}
}

func TestEmitWithAckRoundtrip(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := testManager(t, transport, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitFor(t, "connection", m.Connected)

	sock := transport.socket(0)
	ackDone := make(chan *protocol.Ack, 1)
	go func() {
		ack, err := m.EmitWithAck(ctx, protocol.EventSendMessage, "temp-1", protocol.SendMessage{
			ClientMsgID: "temp-1", ConversationID: "c1", Type: protocol.TypeText, Content: "hi",
		})
		if err != nil {
			t.Errorf("EmitWithAck() error = %v", err)
		}
		ackDone <- ack
	}()

	waitFor(t, "send-message write", func() bool {
		env := sock.lastWrite()
		return env != nil && env.Event == protocol.EventSendMessage
	})
	sock.deliver(t, protocol.EventAck, protocol.Ack{ClientMsgID: "temp-1", ServerMsgID: "srv-9"})

	select {
	case ack := <-ackDone:
		if ack.ServerMsgID != "srv-9" {
			t.Errorf("ServerMsgID = %q, want srv-9", ack.ServerMsgID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ack")
	}
}

func TestEmitWithAckTimeout(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := testManager(t, transport, Options{AckTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitFor(t, "connection", m.Connected)

	_, err := m.EmitWithAck(ctx, protocol.EventSendMessage, "temp-1", protocol.SendMessage{ClientMsgID: "temp-1"})
	if !errors.Is(err, ErrAckTimeout) {
		t.Errorf("EmitWithAck() = %v, want ErrAckTimeout", err)
	}
}

func TestEmitWithAckServerRejection(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := testManager(t, transport, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitFor(t, "connection", m.Connected)

	sock := transport.socket(0)
	errDone := make(chan error, 1)
	go func() {
		_, err := m.EmitWithAck(ctx, protocol.EventSendMessage, "temp-1", protocol.SendMessage{ClientMsgID: "temp-1"})
		errDone <- err
	}()
	waitFor(t, "write", func() bool { return sock.lastWrite() != nil })
	sock.deliver(t, protocol.EventAck, protocol.Ack{ClientMsgID: "temp-1", Error: "recipient blocked you"})

	select {
	case err := <-errDone:
		if err == nil {
			t.Error("EmitWithAck() expected error for rejected ack")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestStalenessTriggersReconnect(t *testing.T) {
	transport := &fakeTransport{}
	m, b := testManager(t, transport, Options{
		Heartbeat: 20 * time.Millisecond,
		Staleness: 80 * time.Millisecond,
	})
	staleCh, unsub := b.Subscribe(bus.KindConnStale, 4)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitFor(t, "first connection", m.Connected)

	// Never deliver a pong: the watchdog must cycle the connection.
	select {
	case <-staleCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no conn.stale event within staleness window")
	}

	waitFor(t, "second dial", func() bool { return transport.dialCount() >= 2 })
	waitFor(t, "reconnected", m.Connected)
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := testManager(t, transport, Options{
		Heartbeat: 10 * time.Millisecond,
		Staleness: 120 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitFor(t, "connection", m.Connected)

	// Answer pings with pongs for a few staleness windows.
	sock := transport.socket(0)
	stop := time.After(300 * time.Millisecond)
	for {
		select {
		case <-stop:
			if transport.dialCount() != 1 {
				t.Errorf("dials = %d, want 1 (connection stayed fresh)", transport.dialCount())
			}
			return
		case <-time.After(20 * time.Millisecond):
			sock.deliver(t, protocol.EventPong, nil)
		}
	}
}

func TestAuthCloseDoesNotRetry(t *testing.T) {
	transport := &fakeTransport{}
	m, b := testManager(t, transport, Options{})
	authCh, unsub := b.Subscribe(bus.KindConnAuthRequired, 4)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	waitFor(t, "connection", m.Connected)

	transport.socket(0).readEr <- &websocket.CloseError{Code: 4001, Text: "token expired"}

	select {
	case err := <-done:
		if !errors.Is(err, ErrAuthRequired) {
			t.Errorf("Run() = %v, want ErrAuthRequired", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop on auth close")
	}

	if got := m.State(); got != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", got)
	}
	if transport.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 (no auto-retry)", transport.dialCount())
	}
	select {
	case <-authCh:
	case <-time.After(time.Second):
		t.Error("no conn.auth_required event published")
	}
}

func TestExpiredCredentialNeverDials(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := testManager(t, transport, Options{
		Credentials: staticCreds{token: testToken(t, time.Now().Add(-time.Minute))},
	})

	err := m.Run(context.Background())
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("Run() = %v, want ErrAuthRequired", err)
	}
	if transport.dialCount() != 0 {
		t.Errorf("dials = %d, want 0 for expired credential", transport.dialCount())
	}
}

func TestInboundEventsRepublished(t *testing.T) {
	transport := &fakeTransport{}
	m, b := testManager(t, transport, Options{})
	msgCh, unsub := b.Subscribe(bus.KindSocketMessage, 4)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitFor(t, "connection", m.Connected)

	transport.socket(0).deliver(t, protocol.EventNewMessage, protocol.Message{
		ID: "m1", ConversationID: "c1", SenderID: "other", Type: protocol.TypeText, Content: "hey",
	})

	select {
	case evt := <-msgCh:
		msg, ok := evt.Payload.(*protocol.Message)
		if !ok {
			t.Fatalf("payload type = %T, want *protocol.Message", evt.Payload)
		}
		if msg.ID != "m1" || msg.Content != "hey" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("socket.message never republished")
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	m, _ := testManager(t, &fakeTransport{}, Options{})
	if err := m.Emit(protocol.EventTypingStart, protocol.TypingStatus{ConversationID: "c1"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit() = %v, want ErrNotConnected", err)
	}
}

func TestEmitWithAckConnectionLost(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := testManager(t, transport, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	waitFor(t, "connection", m.Connected)

	sock := transport.socket(0)
	ackErr := make(chan error, 1)
	go func() {
		_, err := m.EmitWithAck(ctx, protocol.EventSendMessage, "temp-1", protocol.SendMessage{ClientMsgID: "temp-1"})
		ackErr <- err
	}()
	waitFor(t, "write", func() bool { return sock.lastWrite() != nil })

	// Kill the read side with the ack still pending; teardown must settle
	// the waiter as a lost connection, not a rejection.
	sock.readEr <- errors.New("read: connection reset by peer")

	select {
	case err := <-ackErr:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("EmitWithAck() = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EmitWithAck never returned after connection loss")
	}
}
