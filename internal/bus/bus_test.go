package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 4)
	defer unsub()

	b.Publish(KindConnConnected, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindConnConnected {
			t.Errorf("kind = %q, want %q", evt.Kind, KindConnConnected)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	connCh, unsub1 := b.Subscribe("conn.", 4)
	defer unsub1()
	msgCh, unsub2 := b.Subscribe("message.", 4)
	defer unsub2()

	b.Publish(KindMessageUpserted, "payload")

	select {
	case <-connCh:
		t.Error("conn. subscriber received message. event")
	default:
	}

	select {
	case evt := <-msgCh:
		if evt.Payload != "payload" {
			t.Errorf("payload = %v, want %q", evt.Payload, "payload")
		}
	case <-time.After(time.Second):
		t.Fatal("message. subscriber did not receive event")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 1)
	unsub()

	b.Publish(KindConnConnected, nil)

	select {
	case <-ch:
		t.Error("received event after unsubscribe")
	default:
	}
}

func TestFullSubscriberDropsNotBlocks(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(KindConnConnected, 1)
		b.Publish(KindConnConnected, 2)
		b.Publish(KindConnConnected, 3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}

	if evt := <-ch; evt.Payload != 1 {
		t.Errorf("first buffered payload = %v, want 1", evt.Payload)
	}
}

func TestClose(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe("conn.", 1)
	b.Close()
	b.Publish(KindConnConnected, nil)

	select {
	case <-ch:
		t.Error("received event after close")
	default:
	}
}
