package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindChannelStatus, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindChannelStatus {
			t.Errorf("got kind %q, want %s", evt.Kind, KindChannelStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindCacheUpdated})
	b.Publish(Event{Kind: KindMsgSent})

	select {
	case evt := <-ch:
		if evt.Kind != KindMsgSent {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMsgSent)
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

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	before := time.Now()
	if n := b.Emit("auth.state_changed", nil); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	evt := <-ch
	if evt.Timestamp.Before(before) {
		t.Errorf("timestamp %v before publish time %v", evt.Timestamp, before)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("channel.", 10)
	unsub()
	// A second call must be harmless.
	unsub()

	b.Publish(Event{Kind: KindChannelStatus})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
	if got := b.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d, want 0", got)
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 1)
	defer unsub()

	b.Publish(Event{Kind: "cache.one"})
	// Buffer is full; this one is dropped rather than blocking.
	if n := b.Publish(Event{Kind: "cache.two"}); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}

	evt := <-ch
	if evt.Kind != "cache.one" {
		t.Errorf("got %q, want cache.one", evt.Kind)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}
