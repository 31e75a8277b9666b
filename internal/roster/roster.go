// Package roster maintains the conversation list: one preview per
// conversation with the latest message, unread counter, presence and an
// ephemeral typing flag. It feeds off the same socket events as the thread
// store but never depends on it; both converge on their own.
package roster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tripmate/chatd/internal/bus"
	"github.com/tripmate/chatd/internal/protocol"
	"github.com/tripmate/chatd/internal/store"
)

// Backend is the slice of the REST client the roster needs.
type Backend interface {
	GetChatPreviews(ctx context.Context) ([]Chat, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Notifier is the slice of the connection manager the roster needs. Emit
// failures are tolerated; mark-read reaches the server over REST first.
type Notifier interface {
	Emit(event string, payload any) error
}

// Chat is one conversation preview. Typing is ephemeral and never persisted.
type Chat struct {
	ID              string
	DisplayName     string
	AvatarURL       string
	IsGroup         bool
	LastMessage     string
	LastMessageType string
	LastActivity    int64
	Unread          int
	Online          bool
	Typing          bool
}

const defaultTypingClear = 6 * time.Second

// Roster is the chat list aggregator.
type Roster struct {
	db       *store.DB
	bus      *bus.Bus
	backend  Backend
	notifier Notifier
	selfID   string
	logger   *zap.Logger

	typingClear time.Duration

	mu           sync.RWMutex
	chats        map[string]*Chat
	active       string
	typingTimers map[string]*time.Timer

	unsub  func()
	cancel context.CancelFunc
}

// NewRoster creates a roster over the given conversation store.
func NewRoster(db *store.DB, b *bus.Bus, backend Backend, notifier Notifier, selfID string, typingClear time.Duration, logger *zap.Logger) *Roster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if typingClear <= 0 {
		typingClear = defaultTypingClear
	}
	return &Roster{
		db:           db,
		bus:          b,
		backend:      backend,
		notifier:     notifier,
		selfID:       selfID,
		logger:       logger,
		typingClear:  typingClear,
		chats:        make(map[string]*Chat),
		typingTimers: make(map[string]*time.Timer),
	}
}

// Start restores persisted previews and begins consuming socket events.
func (r *Roster) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	rows, err := r.db.ListConversations(500, 0)
	if err != nil {
		r.logger.Warn("failed to restore conversation previews", zap.Error(err))
	}
	r.mu.Lock()
	for _, row := range rows {
		r.chats[row.ID] = fromRow(row)
	}
	r.mu.Unlock()

	ch, unsub := r.bus.Subscribe("socket.", 64)
	r.unsub = unsub
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				r.handle(evt)
			}
		}
	}()
}

// Stop stops event consumption and cancels pending typing timers.
func (r *Roster) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.unsub != nil {
		r.unsub()
	}
	r.mu.Lock()
	for id, timer := range r.typingTimers {
		timer.Stop()
		delete(r.typingTimers, id)
	}
	r.mu.Unlock()
}

func (r *Roster) handle(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSocketMessage:
		if m, ok := evt.Payload.(*protocol.Message); ok {
			r.OnNewMessage(m)
		}
	case bus.KindSocketPresence:
		if p, ok := evt.Payload.(*protocol.PresenceChange); ok {
			r.OnPresenceChange(p)
		}
	case bus.KindSocketTyping:
		if p, ok := evt.Payload.(*protocol.TypingStatus); ok {
			r.OnTypingStatus(p)
		}
	}
}

// Load replaces the preview set with the server's over REST. Unread counts
// and presence come from the server; typing flags reset.
func (r *Roster) Load(ctx context.Context) error {
	previews, err := r.backend.GetChatPreviews(ctx)
	if err != nil {
		return fmt.Errorf("load chat previews: %w", err)
	}

	r.mu.Lock()
	for i := range previews {
		c := previews[i]
		c.Typing = false
		r.chats[c.ID] = &c
	}
	r.mu.Unlock()

	for i := range previews {
		if err := r.db.UpsertConversation(toRow(previews[i])); err != nil {
			r.logger.Warn("failed to persist preview", zap.Error(err), zap.String("conversation_id", previews[i].ID))
		}
	}
	r.bus.Publish(bus.KindRosterUpdated, nil)
	return nil
}

// Chats returns a copy of all previews sorted by last activity, newest first.
func (r *Roster) Chats() []Chat {
	r.mu.RLock()
	out := make([]Chat, 0, len(r.chats))
	for _, c := range r.chats {
		out = append(out, *c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity > out[j].LastActivity })
	return out
}

// Chat returns a single preview copy, or nil if unknown.
func (r *Roster) Chat(conversationID string) *Chat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[conversationID]
	if !ok {
		return nil
	}
	out := *c
	return &out
}

// SetActive marks a conversation as open: new messages in it stop counting
// as unread, and the server is told to join the conversation's live feed.
// An empty id means no conversation is open.
func (r *Roster) SetActive(conversationID string) {
	r.mu.Lock()
	r.active = conversationID
	r.mu.Unlock()

	if conversationID == "" || r.notifier == nil {
		return
	}
	// Best-effort while disconnected; reconnecting re-joins everything.
	if err := r.notifier.Emit(protocol.EventJoinConversation, protocol.JoinConversation{ConversationID: conversationID}); err != nil {
		r.logger.Debug("join emit skipped", zap.Error(err))
	}
}

// Typing forwards the local user's typing state for the given conversation.
func (r *Roster) Typing(conversationID string, typing bool) error {
	if r.notifier == nil {
		return nil
	}
	event := protocol.EventTypingStop
	if typing {
		event = protocol.EventTypingStart
	}
	return r.notifier.Emit(event, protocol.TypingStatus{
		ConversationID: conversationID,
		UserID:         r.selfID,
		IsTyping:       typing,
	})
}

// OnNewMessage folds a message into the preview: latest text, bumped
// activity, unread counter unless the conversation is active or the message
// is our own. A message also clears the sender's typing flag.
func (r *Roster) OnNewMessage(m *protocol.Message) {
	r.mu.Lock()
	c, ok := r.chats[m.ConversationID]
	if !ok {
		c = &Chat{ID: m.ConversationID}
		r.chats[m.ConversationID] = c
	}
	c.LastMessage = m.Content
	c.LastMessageType = m.Type
	if m.TimestampMs > c.LastActivity {
		c.LastActivity = m.TimestampMs
	}
	if m.SenderID != r.selfID && r.active != m.ConversationID {
		c.Unread++
	}
	c.Typing = false
	if timer, ok := r.typingTimers[m.ConversationID]; ok {
		timer.Stop()
		delete(r.typingTimers, m.ConversationID)
	}
	row := toRow(*c)
	r.mu.Unlock()

	if err := r.db.UpsertConversation(row); err != nil {
		r.logger.Warn("failed to persist preview", zap.Error(err), zap.String("conversation_id", m.ConversationID))
	}
	r.bus.Publish(bus.KindRosterUpdated, &Update{ConversationID: m.ConversationID})
}

// OnPresenceChange flips the online flag of a conversation.
func (r *Roster) OnPresenceChange(p *protocol.PresenceChange) {
	r.mu.Lock()
	c, ok := r.chats[p.ConversationID]
	if ok {
		c.Online = p.Online
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := r.db.SetOnline(p.ConversationID, p.Online); err != nil {
		r.logger.Warn("failed to persist presence", zap.Error(err), zap.String("conversation_id", p.ConversationID))
	}
	r.bus.Publish(bus.KindRosterUpdated, &Update{ConversationID: p.ConversationID})
}

// OnTypingStatus sets the ephemeral typing flag. The flag clears itself
// after the typing window unless refreshed.
func (r *Roster) OnTypingStatus(p *protocol.TypingStatus) {
	if p.UserID == r.selfID {
		return
	}

	r.mu.Lock()
	c, ok := r.chats[p.ConversationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.Typing = p.IsTyping
	if timer, ok := r.typingTimers[p.ConversationID]; ok {
		timer.Stop()
		delete(r.typingTimers, p.ConversationID)
	}
	if p.IsTyping {
		id := p.ConversationID
		r.typingTimers[id] = time.AfterFunc(r.typingClear, func() { r.clearTyping(id) })
	}
	r.mu.Unlock()

	r.bus.Publish(bus.KindRosterTyping, &Update{ConversationID: p.ConversationID})
}

func (r *Roster) clearTyping(conversationID string) {
	r.mu.Lock()
	c, ok := r.chats[conversationID]
	if ok && c.Typing {
		c.Typing = false
		delete(r.typingTimers, conversationID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.bus.Publish(bus.KindRosterTyping, &Update{ConversationID: conversationID})
	}
}

// MarkRead tells the server the conversation was read, then zeroes the
// local counter. The counter survives an Emit failure but not a REST one:
// the server owns read state.
func (r *Roster) MarkRead(ctx context.Context, conversationID string) error {
	if err := r.backend.MarkRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}

	r.mu.Lock()
	if c, ok := r.chats[conversationID]; ok {
		c.Unread = 0
	}
	r.mu.Unlock()

	if err := r.db.ResetUnread(conversationID); err != nil {
		r.logger.Warn("failed to persist read state", zap.Error(err), zap.String("conversation_id", conversationID))
	}
	if r.notifier != nil {
		if err := r.notifier.Emit(protocol.EventMarkRead, protocol.MarkRead{ConversationID: conversationID, UpToMs: time.Now().UnixMilli()}); err != nil {
			r.logger.Debug("mark-read emit skipped", zap.Error(err))
		}
	}
	r.bus.Publish(bus.KindRosterUpdated, &Update{ConversationID: conversationID})
	return nil
}

// Update is the payload of roster bus events.
type Update struct {
	ConversationID string
}

func fromRow(row store.Conversation) *Chat {
	return &Chat{
		ID:              row.ID,
		DisplayName:     row.DisplayName,
		AvatarURL:       row.AvatarURL,
		IsGroup:         row.IsGroup,
		LastMessage:     row.LastMessage,
		LastMessageType: row.LastMessageType,
		LastActivity:    row.LastActivityAt,
		Unread:          row.UnreadCount,
		Online:          row.Online,
	}
}

func toRow(c Chat) *store.Conversation {
	return &store.Conversation{
		ID:              c.ID,
		DisplayName:     c.DisplayName,
		AvatarURL:       c.AvatarURL,
		IsGroup:         c.IsGroup,
		LastMessage:     c.LastMessage,
		LastMessageType: c.LastMessageType,
		LastActivityAt:  c.LastActivity,
		UnreadCount:     c.Unread,
		Online:          c.Online,
	}
}
