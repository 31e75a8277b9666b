package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	frame, err := Encode(EventSendMessage, SendMessage{
		ClientMsgID:    "temp-1",
		ConversationID: "c1",
		Type:           TypeText,
		Content:        "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if env.Event != EventSendMessage {
		t.Errorf("Event = %q, want %q", env.Event, EventSendMessage)
	}

	p, err := DecodePayload[SendMessage](env)
	if err != nil {
		t.Fatal(err)
	}
	if p.ClientMsgID != "temp-1" || p.Content != "hello" {
		t.Errorf("payload = %+v", p)
	}
}

func TestEncodeNilPayloadOmitsField(t *testing.T) {
	frame, err := Encode(EventPing, nil)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["payload"]; ok {
		t.Errorf("frame %s carries a payload field", frame)
	}
}

func TestDecodeMissingEvent(t *testing.T) {
	if _, err := Decode([]byte(`{"payload":{}}`)); !errors.Is(err, ErrMissingEvent) {
		t.Errorf("Decode() = %v, want ErrMissingEvent", err)
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	if _, err := Decode([]byte(`{"event":`)); err == nil {
		t.Error("Decode() of truncated frame should fail")
	}
}

func TestDecodeCarriesSeq(t *testing.T) {
	env, err := Decode([]byte(`{"event":"new-message","seq":41,"payload":{"id":"m1","conversation_id":"c1"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Seq != 41 {
		t.Errorf("Seq = %d, want 41", env.Seq)
	}
	msg, err := DecodePayload[Message](env)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m1" || msg.ConversationID != "c1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := &Envelope{Event: EventPong}
	p, err := DecodePayload[Ack](env)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.ClientMsgID != "" {
		t.Errorf("payload = %+v, want zero value", p)
	}
}

func TestDecodePayloadTypeMismatch(t *testing.T) {
	env := &Envelope{Event: EventAck, Payload: json.RawMessage(`["not","an","ack"]`)}
	if _, err := DecodePayload[Ack](env); err == nil {
		t.Error("DecodePayload() of wrong shape should fail")
	}
}
