// Package thread maintains the per-conversation in-memory message lists.
// Each thread is an ordered (newest-first) deduplicated view mutated by
// inbound socket events and local optimistic sends; every mutation is also
// persisted to the session database so history survives restarts.
package thread

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tripmate/chatd/internal/bus"
	"github.com/tripmate/chatd/internal/protocol"
	"github.com/tripmate/chatd/internal/store"
	"go.uber.org/zap"
)

// Backend is the slice of the REST client the store needs: history pages
// and confirmed deletes.
type Backend interface {
	GetMessages(ctx context.Context, conversationID string, beforeMs int64, limit int) ([]protocol.Message, error)
	DeleteMessage(ctx context.Context, conversationID, msgID string) error
}

// Message is one entry of a conversation thread.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Type           string
	Content        string
	Status         string
	FromMe         bool
	Seq            int64
	Timestamp      int64
	Reactions      []protocol.Reaction
}

// Ref identifies a message in bus event payloads.
type Ref struct {
	ConversationID string
	MsgID          string
}

// Reconciled is the payload for message.reconciled events.
type Reconciled struct {
	ConversationID string
	TempID         string
	MsgID          string
	Status         string
}

const defaultPageSize = 50

// Store holds every loaded conversation thread.
type Store struct {
	mu      sync.RWMutex
	threads map[string][]Message

	db      *store.DB
	bus     *bus.Bus
	backend Backend
	selfID  string
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewStore creates an empty thread store. selfID is the signed-in user's id,
// used to tag messages from other devices of the same account.
func NewStore(db *store.DB, b *bus.Bus, backend Backend, selfID string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		threads: make(map[string][]Message),
		db:      db,
		bus:     b,
		backend: backend,
		selfID:  selfID,
		logger:  logger,
	}
}

// Start subscribes to inbound socket events on the bus.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe("socket.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				s.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the bus subscription.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Store) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindSocketMessage:
		if m, ok := evt.Payload.(*protocol.Message); ok {
			s.ApplyIncoming(m)
		}
	case bus.KindSocketReaction:
		if r, ok := evt.Payload.(*protocol.Reaction); ok {
			s.ApplyReaction(*r)
		}
	case bus.KindSocketReadReceipt:
		if r, ok := evt.Payload.(*protocol.ReadReceipt); ok {
			s.ApplyReadReceipt(r.ConversationID, r.MessageIDs)
		}
	case bus.KindSocketJoinAck:
		if a, ok := evt.Payload.(*protocol.JoinAck); ok {
			s.catchUp(ctx, a)
		}
	}
}

// catchUp reloads a conversation whose server-side head sequence moved past
// what the thread holds, which happens when joining after missed messages.
func (s *Store) catchUp(ctx context.Context, ack *protocol.JoinAck) {
	if ack.Seq == 0 {
		return
	}
	var head int64
	s.mu.RLock()
	for _, m := range s.threads[ack.ConversationID] {
		if m.Seq > head {
			head = m.Seq
		}
	}
	s.mu.RUnlock()
	if ack.Seq <= head {
		return
	}
	if err := s.Load(ctx, ack.ConversationID); err != nil {
		s.logger.Warn("catch-up reload failed", zap.Error(err), zap.String("conversation_id", ack.ConversationID))
	}
}

// Load fetches the initial page for a conversation and replaces the thread's
// contents. Newest-first ordering from the backend is preserved.
func (s *Store) Load(ctx context.Context, conversationID string) error {
	page, err := s.backend.GetMessages(ctx, conversationID, 0, defaultPageSize)
	if err != nil {
		return err
	}

	msgs := make([]Message, 0, len(page))
	rows := make([]store.Message, 0, len(page))
	for _, pm := range page {
		m := s.fromWire(&pm)
		msgs = append(msgs, m)
		rows = append(rows, toRow(m))
	}

	s.mu.Lock()
	s.threads[conversationID] = msgs
	s.mu.Unlock()

	if err := s.db.ReplaceHistory(conversationID, rows); err != nil {
		s.logger.Warn("failed to persist history page", zap.Error(err), zap.String("conversation_id", conversationID))
	}
	s.bus.Publish(bus.KindMessageUpserted, Ref{ConversationID: conversationID})
	return nil
}

// Messages returns a copy of the thread, newest first. A nil slice means the
// conversation was never loaded.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(t))
	copy(out, t)
	return out
}

// ApplyIncoming inserts a server-originated message at the head of its
// thread. Idempotent: a duplicate id (or duplicate per-conversation seq) is
// ignored.
func (s *Store) ApplyIncoming(pm *protocol.Message) {
	m := s.fromWire(pm)

	s.mu.Lock()
	t := s.threads[m.ConversationID]
	for i := range t {
		if t[i].ID == m.ID || (m.Seq > 0 && t[i].Seq == m.Seq) {
			s.mu.Unlock()
			return
		}
	}
	s.threads[m.ConversationID] = append([]Message{m}, t...)
	s.mu.Unlock()

	row := toRow(m)
	if err := s.db.UpsertMessage(&row); err != nil {
		s.logger.Error("failed to persist incoming message", zap.Error(err), zap.String("msg_id", m.ID))
	}
	s.bus.Publish(bus.KindMessageUpserted, Ref{ConversationID: m.ConversationID, MsgID: m.ID})
}

// ApplyLocalSend inserts an optimistic entry with status "sending" at the
// head of the thread, before any network confirmation.
func (s *Store) ApplyLocalSend(m Message) {
	m.Status = store.StatusSending
	m.FromMe = true

	s.mu.Lock()
	s.threads[m.ConversationID] = append([]Message{m}, s.threads[m.ConversationID]...)
	s.mu.Unlock()

	row := toRow(m)
	if err := s.db.UpsertMessage(&row); err != nil {
		s.logger.Error("failed to persist optimistic send", zap.Error(err), zap.String("msg_id", m.ID))
	}
	s.bus.Publish(bus.KindMessageUpserted, Ref{ConversationID: m.ConversationID, MsgID: m.ID})
}

// Reconcile resolves an optimistic entry in place. On success the entry
// adopts the server id and "sent" status at the same position; on failure it
// is marked "failed" and kept, so the user can retry or discard.
func (s *Store) Reconcile(conversationID, tempID string, serverMsg *protocol.Message, sendErr error) {
	s.mu.Lock()
	t := s.threads[conversationID]
	idx := -1
	for i := range t {
		if t[i].ID == tempID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		// The screen may have been reloaded meanwhile; the database row
		// still gets settled below.
	} else if sendErr != nil {
		t[idx].Status = store.StatusFailed
		s.mu.Unlock()
	} else if echoed := indexOf(t, idx, serverMsg.ID); echoed >= 0 {
		// The server broadcast our own message before the ack landed, so
		// the thread already holds it under the server id. The temp entry
		// just goes away.
		s.threads[conversationID] = append(t[:idx], t[idx+1:]...)
		s.mu.Unlock()
		if err := s.db.DeleteMessage(conversationID, tempID); err != nil {
			s.logger.Error("failed to drop echoed temp row", zap.Error(err), zap.String("msg_id", tempID))
		}
		s.bus.Publish(bus.KindMessageReconciled, Reconciled{
			ConversationID: conversationID, TempID: tempID, MsgID: serverMsg.ID, Status: store.StatusSent,
		})
		return
	} else {
		t[idx].ID = serverMsg.ID
		t[idx].Status = store.StatusSent
		t[idx].Seq = serverMsg.Seq
		if serverMsg.TimestampMs > 0 {
			t[idx].Timestamp = serverMsg.TimestampMs
		}
		s.mu.Unlock()
	}

	if sendErr != nil {
		if err := s.db.SetMessageStatus(conversationID, tempID, store.StatusFailed); err != nil {
			s.logger.Error("failed to persist failed status", zap.Error(err), zap.String("msg_id", tempID))
		}
		s.bus.Publish(bus.KindMessageFailed, Reconciled{
			ConversationID: conversationID, TempID: tempID, Status: store.StatusFailed,
		})
		return
	}

	if err := s.db.RenameMessage(conversationID, tempID, serverMsg.ID, store.StatusSent); err != nil {
		s.logger.Error("failed to persist reconciliation", zap.Error(err), zap.String("msg_id", tempID))
	}
	s.bus.Publish(bus.KindMessageReconciled, Reconciled{
		ConversationID: conversationID, TempID: tempID, MsgID: serverMsg.ID, Status: store.StatusSent,
	})
}

// indexOf finds id within t, ignoring the entry at skip.
func indexOf(t []Message, skip int, id string) int {
	for i := range t {
		if i != skip && t[i].ID == id {
			return i
		}
	}
	return -1
}

// Restore puts a failed entry back into "sending" for an explicit retry.
func (s *Store) Restore(conversationID, tempID string) {
	s.mu.Lock()
	t := s.threads[conversationID]
	for i := range t {
		if t[i].ID == tempID {
			t[i].Status = store.StatusSending
			break
		}
	}
	s.mu.Unlock()

	if err := s.db.SetMessageStatus(conversationID, tempID, store.StatusSending); err != nil {
		s.logger.Error("failed to persist retry status", zap.Error(err), zap.String("msg_id", tempID))
	}
	s.bus.Publish(bus.KindMessageUpserted, Ref{ConversationID: conversationID, MsgID: tempID})
}

// ApplyReaction appends a reaction to the matching message. A miss is a
// no-op: the message may have scrolled out of the loaded window.
func (s *Store) ApplyReaction(r protocol.Reaction) {
	s.mu.Lock()
	t := s.threads[r.ConversationID]
	found := false
	var reactions []protocol.Reaction
	for i := range t {
		if t[i].ID == r.MessageID {
			t[i].Reactions = append(t[i].Reactions, r)
			reactions = t[i].Reactions
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return
	}

	raw, err := json.Marshal(reactions)
	if err == nil {
		if err := s.db.SetMessageReactions(r.ConversationID, r.MessageID, string(raw)); err != nil {
			s.logger.Error("failed to persist reaction", zap.Error(err), zap.String("msg_id", r.MessageID))
		}
	}
	s.bus.Publish(bus.KindMessageUpserted, Ref{ConversationID: r.ConversationID, MsgID: r.MessageID})
}

// ApplyReadReceipt marks the listed ids "read", ignoring ids not present
// locally.
func (s *Store) ApplyReadReceipt(conversationID string, msgIDs []string) {
	ids := make(map[string]struct{}, len(msgIDs))
	for _, id := range msgIDs {
		ids[id] = struct{}{}
	}

	s.mu.Lock()
	t := s.threads[conversationID]
	var changed []string
	for i := range t {
		if _, ok := ids[t[i].ID]; ok && t[i].Status != store.StatusRead {
			t[i].Status = store.StatusRead
			changed = append(changed, t[i].ID)
		}
	}
	s.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	if err := s.db.SetMessagesRead(conversationID, changed); err != nil {
		s.logger.Error("failed to persist read receipts", zap.Error(err), zap.String("conversation_id", conversationID))
	}
	s.bus.Publish(bus.KindMessageUpserted, Ref{ConversationID: conversationID})
}

// Delete removes a message after the backend confirms deletion. Deletes are
// never optimistic: destructive operations leave local state only once
// confirmed, unlike sends which are additive and safe to show speculatively.
func (s *Store) Delete(ctx context.Context, conversationID, msgID string) error {
	if err := s.backend.DeleteMessage(ctx, conversationID, msgID); err != nil {
		return err
	}

	s.mu.Lock()
	t := s.threads[conversationID]
	for i := range t {
		if t[i].ID == msgID {
			s.threads[conversationID] = append(t[:i:i], t[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := s.db.DeleteMessage(conversationID, msgID); err != nil {
		s.logger.Error("failed to delete persisted message", zap.Error(err), zap.String("msg_id", msgID))
	}
	s.bus.Publish(bus.KindMessageDeleted, Ref{ConversationID: conversationID, MsgID: msgID})
	return nil
}

// Drop removes a message locally without backend confirmation. Only valid
// for failed optimistic sends the server never saw; confirmed messages go
// through Delete.
func (s *Store) Drop(conversationID, msgID string) {
	s.mu.Lock()
	t := s.threads[conversationID]
	for i := range t {
		if t[i].ID == msgID {
			s.threads[conversationID] = append(t[:i:i], t[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := s.db.DeleteMessage(conversationID, msgID); err != nil {
		s.logger.Error("failed to drop persisted message", zap.Error(err), zap.String("msg_id", msgID))
	}
	s.bus.Publish(bus.KindMessageDeleted, Ref{ConversationID: conversationID, MsgID: msgID})
}

func (s *Store) fromWire(pm *protocol.Message) Message {
	return Message{
		ID:             pm.ID,
		ConversationID: pm.ConversationID,
		SenderID:       pm.SenderID,
		Type:           pm.Type,
		Content:        pm.Content,
		Status:         store.StatusSent,
		FromMe:         pm.SenderID == s.selfID,
		Seq:            pm.Seq,
		Timestamp:      pm.TimestampMs,
		Reactions:      pm.Reactions,
	}
}

func toRow(m Message) store.Message {
	reactions := "[]"
	if len(m.Reactions) > 0 {
		if raw, err := json.Marshal(m.Reactions); err == nil {
			reactions = string(raw)
		}
	}
	return store.Message{
		ConversationID: m.ConversationID,
		MsgID:          m.ID,
		SenderID:       m.SenderID,
		MessageType:    m.Type,
		Content:        m.Content,
		FromMe:         m.FromMe,
		Status:         m.Status,
		Reactions:      reactions,
		Seq:            m.Seq,
		Timestamp:      m.Timestamp,
	}
}
