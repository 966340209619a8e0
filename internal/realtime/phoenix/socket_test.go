package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRealtime is a minimal Phoenix channels server.
type fakeRealtime struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conn       *websocket.Conn
	query      string
	joins      []message
	leaves     []message
	heartbeats int
	rejectWith string
	silent     bool
	deaf       bool // ignore heartbeats
	connects   int
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/realtime/v1/websocket"
}

func (f *fakeRealtime) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.query = r.URL.RawQuery
	f.connects++
	f.mu.Unlock()

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		f.mu.Lock()
		switch msg.Event {
		case "phx_join":
			f.joins = append(f.joins, msg)
			switch {
			case f.silent:
			case f.rejectWith != "":
				f.replyLocked(msg, "error", map[string]any{"reason": f.rejectWith})
			default:
				f.replyLocked(msg, "ok", map[string]any{"postgres_changes": []any{}})
			}
		case "phx_leave":
			f.leaves = append(f.leaves, msg)
			f.replyLocked(msg, "ok", map[string]any{})
		case "heartbeat":
			f.heartbeats++
			if !f.deaf {
				f.replyLocked(msg, "ok", map[string]any{})
			}
		}
		f.mu.Unlock()
	}
}

func (f *fakeRealtime) replyLocked(to message, status string, response any) {
	payload, _ := json.Marshal(map[string]any{"status": status, "response": response})
	_ = f.conn.WriteJSON(message{Topic: to.Topic, Event: "phx_reply", Payload: payload, Ref: to.Ref})
}

func (f *fakeRealtime) push(topic string, data map[string]any) {
	payload, _ := json.Marshal(map[string]any{"data": data, "ids": []int{1}})
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.WriteJSON(message{Topic: topic, Event: "postgres_changes", Payload: payload})
}

func (f *fakeRealtime) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.Close()
}

func (f *fakeRealtime) snapshot() (joins, leaves []message, heartbeats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.joins...), append([]message(nil), f.leaves...), f.heartbeats
}

func chatTopic(entityID string) gateway.Topic {
	filter := gateway.EqFilter("entity_id", entityID)
	return gateway.Topic{Table: "post_messages", Event: gateway.Insert, Filter: &filter}
}

func TestJoinSendsPostgresChangesConfig(t *testing.T) {
	fake := newFakeRealtime(t)
	s := New(Config{URL: fake.url(), APIKey: "anon", Token: func() string { return "jwt-1" }}, nil)
	defer s.Close()

	sub, err := s.Subscribe(context.Background(), chatTopic("ride-9"), func(gateway.ChangeEvent) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	joins, _, _ := fake.snapshot()
	require.Len(t, joins, 1)

	var payload struct {
		Config struct {
			PostgresChanges []changeFilter `json:"postgres_changes"`
		} `json:"config"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(joins[0].Payload, &payload))
	require.Len(t, payload.Config.PostgresChanges, 1)
	assert.Equal(t, changeFilter{Event: "INSERT", Schema: "public", Table: "post_messages", Filter: "entity_id=eq.ride-9"}, payload.Config.PostgresChanges[0])
	assert.Equal(t, "jwt-1", payload.AccessToken)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.query, "apikey=anon")
}

func TestChangesReachHandler(t *testing.T) {
	fake := newFakeRealtime(t)
	s := New(Config{URL: fake.url()}, nil)
	defer s.Close()

	got := make(chan gateway.ChangeEvent, 1)
	sub, err := s.Subscribe(context.Background(), chatTopic("ride-9"), func(evt gateway.ChangeEvent) { got <- evt })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	joins, _, _ := fake.snapshot()
	fake.push(joins[0].Topic, map[string]any{
		"schema":           "public",
		"table":            "post_messages",
		"type":             "INSERT",
		"commit_timestamp": "2026-05-01T10:00:00.123Z",
		"record":           map[string]any{"id": "m1", "entity_id": "ride-9", "message": "leaving at 5"},
		"old_record":       map[string]any{},
	})

	select {
	case evt := <-got:
		assert.Equal(t, gateway.Insert, evt.Type)
		body, _ := evt.New.String("message")
		assert.Equal(t, "leaving at 5", body)
		assert.False(t, evt.CommitAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change event")
	}
}

func TestRejectedJoinWithBadTokenIsAuth(t *testing.T) {
	fake := newFakeRealtime(t)
	fake.rejectWith = "Invalid token"
	s := New(Config{URL: fake.url()}, nil)
	defer s.Close()

	_, err := s.Subscribe(context.Background(), chatTopic("ride-9"), func(gateway.ChangeEvent) {})
	assert.True(t, errors.Is(err, apperr.ErrAuth), "got %v", err)
}

func TestJoinTimeoutIsNetwork(t *testing.T) {
	fake := newFakeRealtime(t)
	fake.silent = true
	s := New(Config{URL: fake.url(), JoinTimeout: 100 * time.Millisecond}, nil)
	defer s.Close()

	_, err := s.Subscribe(context.Background(), chatTopic("ride-9"), func(gateway.ChangeEvent) {})
	assert.True(t, errors.Is(err, apperr.ErrNetwork), "got %v", err)
}

func TestDialFailureIsNetwork(t *testing.T) {
	s := New(Config{URL: "ws://127.0.0.1:1/realtime/v1/websocket", JoinTimeout: time.Second}, nil)
	_, err := s.Subscribe(context.Background(), chatTopic("x"), func(gateway.ChangeEvent) {})
	assert.True(t, errors.Is(err, apperr.ErrNetwork), "got %v", err)
}

// TestConnectionLossFailsEveryChannel guards the reconnect path: every
// channel sharing the socket must learn that it dropped.
func TestConnectionLossFailsEveryChannel(t *testing.T) {
	fake := newFakeRealtime(t)
	s := New(Config{URL: fake.url()}, nil)
	defer s.Close()

	a, err := s.Subscribe(context.Background(), chatTopic("ride-1"), func(gateway.ChangeEvent) {})
	require.NoError(t, err)
	b, err := s.Subscribe(context.Background(), gateway.Topic{Table: "notifications"}, func(gateway.ChangeEvent) {})
	require.NoError(t, err)

	fake.kill()

	for _, sub := range []gateway.Subscription{a, b} {
		select {
		case err := <-sub.Done():
			assert.True(t, errors.Is(err, apperr.ErrNetwork), "got %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("channel not failed after connection loss")
		}
	}

	// A fresh subscribe dials a new connection.
	c, err := s.Subscribe(context.Background(), chatTopic("ride-1"), func(gateway.ChangeEvent) {})
	require.NoError(t, err)
	c.Unsubscribe()
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 2, fake.connects)
}

func TestUnsubscribeLeaves(t *testing.T) {
	fake := newFakeRealtime(t)
	s := New(Config{URL: fake.url()}, nil)
	defer s.Close()

	keep, err := s.Subscribe(context.Background(), gateway.Topic{Table: "notifications"}, func(gateway.ChangeEvent) {})
	require.NoError(t, err)
	defer keep.Unsubscribe()
	sub, err := s.Subscribe(context.Background(), chatTopic("ride-1"), func(gateway.ChangeEvent) {})
	require.NoError(t, err)
	sub.Unsubscribe()

	require.Eventually(t, func() bool {
		_, leaves, _ := fake.snapshot()
		return len(leaves) == 1
	}, 2*time.Second, 10*time.Millisecond)

	joins, leaves, _ := fake.snapshot()
	assert.Equal(t, joins[1].Topic, leaves[0].Topic)

	select {
	case err, ok := <-sub.Done():
		if ok {
			t.Errorf("Done() after Unsubscribe = %v", err)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeat(t *testing.T) {
	fake := newFakeRealtime(t)
	s := New(Config{URL: fake.url(), Heartbeat: 20 * time.Millisecond}, nil)
	defer s.Close()

	sub, err := s.Subscribe(context.Background(), chatTopic("ride-1"), func(gateway.ChangeEvent) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		_, _, hb := fake.snapshot()
		return hb >= 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sub.(*gateway.Live).Active())
}

func TestMissedHeartbeatDropsSocket(t *testing.T) {
	fake := newFakeRealtime(t)
	fake.deaf = true
	s := New(Config{URL: fake.url(), Heartbeat: 20 * time.Millisecond}, nil)
	defer s.Close()

	sub, err := s.Subscribe(context.Background(), chatTopic("ride-1"), func(gateway.ChangeEvent) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case err := <-sub.Done():
		assert.True(t, errors.Is(err, apperr.ErrNetwork), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("missed heartbeat did not fail the channel")
	}
}
