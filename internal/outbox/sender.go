// Package outbox guarantees a composed message is never lost merely because
// the connection was down at send time. Every send goes through a durable
// queue drained in FIFO order whenever the connection is live; entries stay
// until delivered, or failed and explicitly retried or discarded.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tripmate/chatd/internal/bus"
	"github.com/tripmate/chatd/internal/conn"
	"github.com/tripmate/chatd/internal/protocol"
	"github.com/tripmate/chatd/internal/store"
	"github.com/tripmate/chatd/internal/thread"
	"go.uber.org/zap"
)

// Emitter is the slice of the connection manager the sender needs.
type Emitter interface {
	Connected() bool
	EmitWithAck(ctx context.Context, event, clientMsgID string, payload any) (*protocol.Ack, error)
}

// Sender drains the outbox through the socket send path.
type Sender struct {
	db      *store.DB
	threads *thread.Store
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger

	kick   chan struct{}
	cancel context.CancelFunc
}

// NewSender creates a sender over the given durable queue.
func NewSender(db *store.DB, threads *thread.Store, emitter Emitter, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:      db,
		threads: threads,
		emitter: emitter,
		bus:     b,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
}

// Start begins draining: immediately for entries persisted by a previous
// run, then on every reconnect and every new enqueue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe(bus.KindConnConnected, 16)

	go func() {
		defer unsub()
		if s.emitter.Connected() {
			s.drain(ctx)
		}
		for {
			select {
			case <-ch:
				s.drain(ctx)
			case <-s.kick:
				if s.emitter.Connected() {
					s.drain(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the drain loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Send queues a message and shows it optimistically right away. Returns the
// client message id used as the temporary id until reconciliation.
func (s *Sender) Send(conversationID, msgType, content string) (string, error) {
	clientMsgID := uuid.New().String()
	if err := s.db.QueueOutbox(clientMsgID, conversationID, msgType, content); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}
	s.threads.ApplyLocalSend(thread.Message{
		ID:             clientMsgID,
		ConversationID: conversationID,
		Type:           msgType,
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
	})
	s.wake()
	return clientMsgID, nil
}

// Retry re-queues a failed entry exactly like a fresh send.
func (s *Sender) Retry(clientMsgID string) error {
	entry, err := s.db.GetOutboxEntry(clientMsgID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("no outbox entry %s", clientMsgID)
	}
	if entry.Status != store.OutboxFailed {
		return fmt.Errorf("outbox entry %s is %s, only failed entries can be retried", clientMsgID, entry.Status)
	}
	if err := s.db.RequeueOutbox(clientMsgID); err != nil {
		return err
	}
	s.threads.Restore(entry.ConversationID, clientMsgID)
	s.wake()
	return nil
}

// Discard removes a failed entry and its optimistic message. The server
// never saw it, so no backend confirmation is involved.
func (s *Sender) Discard(clientMsgID string) error {
	entry, err := s.db.GetOutboxEntry(clientMsgID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if entry.Status != store.OutboxFailed {
		return fmt.Errorf("outbox entry %s is %s, only failed entries can be discarded", clientMsgID, entry.Status)
	}
	if err := s.db.DiscardOutbox(clientMsgID); err != nil {
		return err
	}
	s.threads.Drop(entry.ConversationID, clientMsgID)
	return nil
}

// Depth returns how many entries are waiting to go out.
func (s *Sender) Depth() int {
	n, err := s.db.OutboxDepth()
	if err != nil {
		s.logger.Error("failed to read outbox depth", zap.Error(err))
		return 0
	}
	return n
}

func (s *Sender) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// drain replays pending entries in enqueue order, one at a time, each
// through the normal send path so each can independently succeed or fail.
func (s *Sender) drain(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if !s.emitter.Connected() {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		ack, err := s.emitter.EmitWithAck(ctx, protocol.EventSendMessage, entry.ClientMsgID, protocol.SendMessage{
			ClientMsgID:    entry.ClientMsgID,
			ConversationID: entry.ConversationID,
			Type:           entry.MessageType,
			Content:        entry.Content,
		})
		if err != nil {
			if interrupted(err) {
				// The connection or the daemon dropped under us; the entry
				// stays queued for the next flush rather than burning a
				// failure.
				_ = s.db.MarkOutboxQueued(entry.ClientMsgID)
				return
			}
			s.logger.Warn("send failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.threads.Reconcile(entry.ConversationID, entry.ClientMsgID, nil, err)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, ack.ServerMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.threads.Reconcile(entry.ConversationID, entry.ClientMsgID, &protocol.Message{
			ID:             ack.ServerMsgID,
			ConversationID: entry.ConversationID,
			Seq:            ack.Seq,
			TimestampMs:    ack.TimestampMs,
		}, nil)
		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", ack.ServerMsgID))
	}
}

// interrupted reports whether a send error means the connection or the
// daemon went away mid-flight, as opposed to the server rejecting or
// timing out the message. Interrupted entries were never settled, so they
// stay queued for the next flush.
func interrupted(err error) bool {
	return errors.Is(err, conn.ErrNotConnected) ||
		errors.Is(err, conn.ErrConnectionLost) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
