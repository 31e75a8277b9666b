// Package protocol defines the websocket wire contract shared with the
// tripmate chat backend: the event names, the envelope framing and the
// typed payloads carried by each event.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound events (server → client).
const (
	EventNewMessage     = "new-message"
	EventTypingStatus   = "typing-status"
	EventPresenceChange = "presence-change"
	EventReadReceipt    = "read-receipt"
	EventReaction       = "reaction"
	EventJoinAck        = "join-ack"
	EventAck            = "ack"
	EventPong           = "pong"
	EventError          = "error"
)

// Outbound events (client → server).
const (
	EventSendMessage      = "send-message"
	EventMarkRead         = "mark-read"
	EventTypingStart      = "typing-start"
	EventTypingStop       = "typing-stop"
	EventJoinConversation = "join-conversation"
	EventPing             = "ping"
)

// Message content types.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeAudio    = "audio"
	TypeDocument = "document"
)

var ErrMissingEvent = errors.New("protocol: frame has no event field")

// Envelope is the outer framing of every websocket text frame. Seq is a
// per-conversation monotonic number the server attaches to message-bearing
// events; zero means the server did not send one.
type Envelope struct {
	Event   string          `json:"event"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is the payload of new-message and of REST history pages.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Type           string     `json:"type"`
	Content        string     `json:"content"`
	MediaURL       string     `json:"media_url,omitempty"`
	Seq            int64      `json:"seq,omitempty"`
	TimestampMs    int64      `json:"timestamp_ms"`
	Reactions      []Reaction `json:"reactions,omitempty"`
}

// Reaction is the payload of the reaction event, and the element type of
// Message.Reactions.
type Reaction struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
	TimestampMs    int64  `json:"timestamp_ms,omitempty"`
}

// SendMessage is the payload of send-message. ClientMsgID is the locally
// generated id the server echoes back in the matching ack.
type SendMessage struct {
	ClientMsgID    string `json:"client_msg_id"`
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	MediaURL       string `json:"media_url,omitempty"`
}

// Ack is the payload of ack. A non-empty Error means the server rejected
// the send.
type Ack struct {
	ClientMsgID string `json:"client_msg_id"`
	ServerMsgID string `json:"server_msg_id,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
	TimestampMs int64  `json:"timestamp_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

// TypingStatus is the payload of typing-status.
type TypingStatus struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// PresenceChange is the payload of presence-change.
type PresenceChange struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Online         bool   `json:"online"`
	LastSeenMs     int64  `json:"last_seen_ms,omitempty"`
}

// ReadReceipt is the payload of read-receipt.
type ReadReceipt struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	MessageIDs     []string `json:"message_ids"`
}

// JoinConversation is the payload of join-conversation.
type JoinConversation struct {
	ConversationID string `json:"conversation_id"`
}

// JoinAck is the payload of join-ack. Seq is the latest sequence number
// the server holds for the conversation.
type JoinAck struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq,omitempty"`
}

// MarkRead is the payload of mark-read.
type MarkRead struct {
	ConversationID string `json:"conversation_id"`
	UpToMs         int64  `json:"up_to_ms,omitempty"`
}

// ServerError is the payload of error.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds a wire frame for the given event. A nil payload produces
// an envelope without a payload field.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses a wire frame into an envelope without touching the payload.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return &env, nil
}

// DecodePayload parses the envelope payload as the event's typed payload.
func DecodePayload[T any](env *Envelope) (*T, error) {
	var p T
	if len(env.Payload) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return &p, nil
}
