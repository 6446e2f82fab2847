package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(NewEvent(KindMessageUpserted, "m1"))

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageUpserted)
		}
		if evt.Timestamp.IsZero() {
			t.Error("NewEvent did not stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("live.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindPresenceChanged})
	b.Publish(Event{Kind: KindLiveTyping})

	select {
	case evt := <-ch:
		if evt.Kind != KindLiveTyping {
			t.Errorf("got kind %q, want %s", evt.Kind, KindLiveTyping)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindMessageRemoved})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Publish(Event{Kind: "message.one"})
	// Dropped, the buffer is full.
	b.Publish(Event{Kind: "message.two"})

	evt := <-ch
	if evt.Kind != "message.one" {
		t.Errorf("got %q, want message.one", evt.Kind)
	}
}

func TestPublishOnNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindMessageUpserted})
}

func TestConsume(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan string, 1)
	done := b.Consume(ctx, "conversation.", 4, func(evt Event) {
		got <- evt.Kind
	})

	// Consume subscribes before returning, so this cannot race the goroutine.
	b.Publish(NewEvent(KindConversationReady, nil))

	select {
	case k := <-got:
		if k != KindConversationReady {
			t.Errorf("got %q, want %s", k, KindConversationReady)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for consumed event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}
