package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/gateway"
)

func threadTopic(entityID string) gateway.Topic {
	f := gateway.EqFilter("entity_id", entityID)
	return gateway.Topic{Table: "post_messages", Event: gateway.Insert, Filter: &f}
}

func TestHubDeliversMatchingEvents(t *testing.T) {
	h := NewHub(bus.New(), nil)
	got := make(chan gateway.ChangeEvent, 4)

	sub, err := h.Subscribe(context.Background(), threadTopic("ride-1"), func(evt gateway.ChangeEvent) { got <- evt })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx := context.Background()
	_ = h.Publish(ctx, gateway.ChangeEvent{Table: "post_messages", Type: gateway.Insert, New: gateway.Row{"entity_id": "ride-2"}})
	_ = h.Publish(ctx, gateway.ChangeEvent{Table: "notifications", Type: gateway.Insert, New: gateway.Row{"entity_id": "ride-1"}})
	_ = h.Publish(ctx, gateway.ChangeEvent{Table: "post_messages", Type: gateway.Insert, New: gateway.Row{"entity_id": "ride-1", "id": "m1"}})

	select {
	case evt := <-got:
		if id, _ := evt.New.String("id"); id != "m1" {
			t.Errorf("delivered row id = %q, want m1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case evt := <-got:
		t.Errorf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	b := bus.New()
	h := NewHub(b, nil)
	got := make(chan gateway.ChangeEvent, 1)
	sub, err := h.Subscribe(context.Background(), threadTopic("ride-1"), func(evt gateway.ChangeEvent) { got <- evt })
	if err != nil {
		t.Fatal(err)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	_ = h.Publish(context.Background(), gateway.ChangeEvent{Table: "post_messages", Type: gateway.Insert, New: gateway.Row{"entity_id": "ride-1"}})
	select {
	case evt := <-got:
		t.Errorf("event after unsubscribe: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("bus subscribers = %d, want 0", n)
	}
}

func TestHubDropFailsSubscriptions(t *testing.T) {
	h := NewHub(bus.New(), nil)
	sub, err := h.Subscribe(context.Background(), threadTopic("ride-1"), func(gateway.ChangeEvent) {})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	boom := errors.New("socket reset")
	h.Drop(boom)
	select {
	case err := <-sub.Done():
		if !errors.Is(err, boom) {
			t.Errorf("Done() = %v, want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not failed")
	}
}

func TestHubClosedRefusesSubscribe(t *testing.T) {
	h := NewHub(bus.New(), nil)
	_ = h.Close()
	if _, err := h.Subscribe(context.Background(), threadTopic("x"), func(gateway.ChangeEvent) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close error = %v, want ErrClosed", err)
	}
}
