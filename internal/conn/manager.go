// Package conn owns the single long-lived socket connection per session:
// dialing with the bearer credential, liveness via heartbeat, reconnect with
// backoff, and ack correlation for outbound emissions. Inbound events are
// republished on the bus; the manager holds no conversation state itself.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tripmate/chatd/internal/bus"
	"github.com/tripmate/chatd/internal/creds"
	"github.com/tripmate/chatd/internal/protocol"
	"github.com/tripmate/chatd/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrAuthRequired means the credential was rejected or expired; the
	// surrounding application must re-authenticate before reconnecting.
	ErrAuthRequired = errors.New("authentication required")
	// ErrNotConnected is returned for emissions while the socket is down.
	ErrNotConnected = errors.New("not connected")
	// ErrAckTimeout means the server never acknowledged an emission within
	// the ack window.
	ErrAckTimeout = errors.New("acknowledgement timeout")
	// ErrConnectionLost means the connection died while an acknowledgement
	// was outstanding. The emission was neither confirmed nor rejected.
	ErrConnectionLost = errors.New("connection lost")
)

// connectionLostMarker flags the synthetic acks teardown delivers to pending
// waiters, so EmitWithAck can tell them apart from server rejections.
const connectionLostMarker = "connection lost"

// CredentialSource supplies the bearer credential at dial time. Reading it
// per dial picks up tokens refreshed by the surrounding application.
type CredentialSource interface {
	Credentials() (*creds.Credentials, error)
}

// Options configures a Manager.
type Options struct {
	URL         string
	Credentials CredentialSource
	Transport   Transport
	Bus         *bus.Bus
	Machine     *status.Machine
	Logger      *zap.Logger

	AckTimeout time.Duration // default 10s
	Heartbeat  time.Duration // default 25s
	Staleness  time.Duration // default 60s
	RetryBase  time.Duration // default 1s
}

// Manager maintains exactly one authenticated connection per session.
type Manager struct {
	opts Options

	mu      sync.Mutex
	sock    Socket
	pending map[string]chan protocol.Ack

	writeMu  sync.Mutex
	failures atomic.Int64
	lastPong atomic.Int64 // unix ms
}

// NewManager creates a manager in the Disconnected state.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 25 * time.Second
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 60 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	return &Manager{
		opts:    opts,
		pending: make(map[string]chan protocol.Ack),
	}
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.opts.Machine.Current()
}

// Connected reports whether the socket is live.
func (m *Manager) Connected() bool {
	return m.State() == status.Connected
}

// Failures returns the consecutive error counter. It resets to zero on every
// successful connect.
func (m *Manager) Failures() int64 {
	return m.failures.Load()
}

// LastPong returns when the last liveness pong was observed.
func (m *Manager) LastPong() time.Time {
	return time.UnixMilli(m.lastPong.Load())
}

// Run connects and keeps the connection alive until ctx is canceled. Network
// losses reconnect automatically with exponential backoff; a forced
// server-side disconnect for credential reasons stops the loop and returns
// ErrAuthRequired instead of retrying.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := m.connectWithBackoff(ctx); err != nil {
			if errors.Is(err, ErrAuthRequired) {
				m.opts.Bus.Publish(bus.KindConnAuthRequired, err.Error())
				return ErrAuthRequired
			}
			return err
		}

		err := m.serveSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if isAuthClose(err) {
			m.opts.Logger.Warn("server forced disconnect, auth required", zap.Error(err))
			m.opts.Bus.Publish(bus.KindConnAuthRequired, err.Error())
			return ErrAuthRequired
		}
		m.opts.Logger.Warn("connection lost, reconnecting", zap.Error(err))
	}
}

// connectWithBackoff dials until a connection is established. A no-op when
// already connected.
func (m *Manager) connectWithBackoff(ctx context.Context) error {
	if m.Connected() {
		return nil
	}
	backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(m.opts.RetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.dial(ctx); err != nil {
			if errors.Is(err, ErrAuthRequired) {
				return err // not retryable
			}
			m.failures.Add(1)
			m.opts.Logger.Warn("dial failed", zap.Error(err), zap.Int64("failures", m.failures.Load()))
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (m *Manager) dial(ctx context.Context) error {
	machine := m.opts.Machine
	if machine.Current() != status.Connecting {
		if err := machine.Transition(status.Connecting); err != nil {
			return err
		}
	}

	c, err := m.opts.Credentials.Credentials()
	if err == nil {
		err = c.Check(time.Now())
	}
	if err != nil {
		_ = machine.Transition(status.AuthRequired)
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Token)

	sock, err := m.opts.Transport.Dial(ctx, m.opts.URL, header)
	if err != nil {
		if errors.Is(err, ErrAuthRequired) {
			_ = machine.Transition(status.AuthRequired)
		} else {
			_ = machine.Transition(status.Disconnected)
		}
		return err
	}

	m.mu.Lock()
	m.sock = sock
	m.mu.Unlock()
	m.lastPong.Store(time.Now().UnixMilli())
	m.failures.Store(0)

	if err := machine.Transition(status.Connected); err != nil {
		_ = sock.Close()
		return err
	}
	m.opts.Logger.Info("connected")
	m.opts.Bus.Publish(bus.KindConnConnected, nil)
	return nil
}

// serveSession pumps the socket until it dies, sending heartbeats and
// watching pong staleness. Returns the read error that ended the session.
func (m *Manager) serveSession(ctx context.Context) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}

	readErr := make(chan error, 1)
	go func() { readErr <- m.readLoop(sock) }()

	heartbeat := time.NewTicker(m.opts.Heartbeat)
	defer heartbeat.Stop()
	watchdogEvery := m.opts.Staleness / 4
	if watchdogEvery > time.Second {
		watchdogEvery = time.Second
	}
	watchdog := time.NewTicker(watchdogEvery)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = sock.Close()
			<-readErr
			m.teardown(nil)
			return ctx.Err()

		case err := <-readErr:
			m.teardown(err)
			return err

		case <-heartbeat.C:
			if err := m.writeFrame(protocol.EventPing, nil); err != nil {
				m.opts.Logger.Warn("heartbeat write failed", zap.Error(err))
			}

		case <-watchdog.C:
			if time.Since(m.LastPong()) >= m.opts.Staleness {
				// Socket open at the transport layer but no data flowing.
				m.opts.Logger.Warn("no pong within staleness window, cycling connection",
					zap.Time("last_pong", m.LastPong()))
				_ = m.opts.Machine.Transition(status.Stale)
				m.opts.Bus.Publish(bus.KindConnStale, nil)
				_ = sock.Close()
			}
		}
	}
}

// teardown settles state after a session ends: fails pending ack waiters,
// updates the state machine, and counts the error.
func (m *Manager) teardown(err error) {
	m.mu.Lock()
	m.sock = nil
	for id, ch := range m.pending {
		select {
		case ch <- protocol.Ack{ClientMsgID: id, Error: connectionLostMarker}:
		default:
		}
	}
	m.pending = make(map[string]chan protocol.Ack)
	m.mu.Unlock()

	if err != nil {
		m.failures.Add(1)
	}

	machine := m.opts.Machine
	target := status.Disconnected
	if isAuthClose(err) && machine.Current() == status.Connected {
		target = status.AuthRequired
	}
	if machine.Current() != target {
		_ = machine.Transition(target)
	}
	m.opts.Bus.Publish(bus.KindConnDisconnected, nil)
}

func (m *Manager) readLoop(sock Socket) error {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			m.opts.Logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		m.handleEnvelope(env)
	}
}

func (m *Manager) handleEnvelope(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventPong:
		m.lastPong.Store(time.Now().UnixMilli())

	case protocol.EventAck:
		ack, err := protocol.DecodePayload[protocol.Ack](env)
		if err != nil {
			m.opts.Logger.Warn("bad ack payload", zap.Error(err))
			return
		}
		m.mu.Lock()
		ch, ok := m.pending[ack.ClientMsgID]
		m.mu.Unlock()
		if ok {
			select {
			case ch <- *ack:
			default:
			}
		}

	case protocol.EventNewMessage:
		msg, err := protocol.DecodePayload[protocol.Message](env)
		if err != nil {
			m.opts.Logger.Warn("bad message payload", zap.Error(err))
			return
		}
		if msg.Seq == 0 {
			msg.Seq = env.Seq
		}
		m.opts.Bus.Publish(bus.KindSocketMessage, msg)

	case protocol.EventTypingStatus:
		if p, err := protocol.DecodePayload[protocol.TypingStatus](env); err == nil {
			m.opts.Bus.Publish(bus.KindSocketTyping, p)
		}

	case protocol.EventPresenceChange:
		if p, err := protocol.DecodePayload[protocol.PresenceChange](env); err == nil {
			m.opts.Bus.Publish(bus.KindSocketPresence, p)
		}

	case protocol.EventReadReceipt:
		if p, err := protocol.DecodePayload[protocol.ReadReceipt](env); err == nil {
			m.opts.Bus.Publish(bus.KindSocketReadReceipt, p)
		}

	case protocol.EventReaction:
		if p, err := protocol.DecodePayload[protocol.Reaction](env); err == nil {
			m.opts.Bus.Publish(bus.KindSocketReaction, p)
		}

	case protocol.EventJoinAck:
		if p, err := protocol.DecodePayload[protocol.JoinAck](env); err == nil {
			m.opts.Bus.Publish(bus.KindSocketJoinAck, p)
		}

	case protocol.EventError:
		m.failures.Add(1)
		if p, err := protocol.DecodePayload[protocol.ServerError](env); err == nil {
			m.opts.Logger.Warn("server error event", zap.String("code", p.Code), zap.String("message", p.Message))
		}

	default:
		m.opts.Logger.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
}

// Emit sends a fire-and-forget event.
func (m *Manager) Emit(event string, payload any) error {
	if !m.Connected() {
		return ErrNotConnected
	}
	return m.writeFrame(event, payload)
}

// EmitWithAck sends an event and waits for the server acknowledgement
// correlated by clientMsgID. Returns ErrAckTimeout if none arrives within
// the ack window and ErrConnectionLost if the connection dies first; a
// server rejection is returned as an error alongside the ack itself.
func (m *Manager) EmitWithAck(ctx context.Context, event, clientMsgID string, payload any) (*protocol.Ack, error) {
	ch := make(chan protocol.Ack, 1)
	m.mu.Lock()
	if m.sock == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	m.pending[clientMsgID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, clientMsgID)
		m.mu.Unlock()
	}()

	if err := m.writeFrame(event, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if ack.Error == connectionLostMarker {
			return nil, ErrConnectionLost
		}
		if ack.Error != "" {
			return &ack, fmt.Errorf("send rejected: %s", ack.Error)
		}
		return &ack, nil
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeFrame serializes a single envelope onto the socket. A single-writer
// mutex keeps interleaved emissions from corrupting frames.
func (m *Manager) writeFrame(event string, payload any) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return sock.WriteMessage(frame)
}
