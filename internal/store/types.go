package store

// Message delivery status values.
const (
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusRead    = "read"
)

// Outbox entry status values.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// Conversation represents a persisted conversation preview.
type Conversation struct {
	ID              string
	DisplayName     string
	AvatarURL       string
	IsGroup         bool
	LastMessage     string
	LastMessageType string
	LastActivityAt  int64
	UnreadCount     int
	Online          bool
}

// Message represents a persisted chat message.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	MessageType    string
	Content        string
	FromMe         bool
	Status         string
	Reactions      string // JSON array of protocol.Reaction
	Seq            int64
	Timestamp      int64
}

// OutboxEntry represents a pending outgoing message with delivery tracking.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	MessageType    string
	Content        string
	Status         string
	Attempts       int
	ErrorMessage   string
	ServerMsgID    string
}
