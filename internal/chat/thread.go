// Package chat runs the message threads attached to carpool posts, errands
// and help tickets.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/cache"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/outbox"
	"github.com/matheus3301/campus/internal/profile"
)

// EntityType is the kind of record a thread hangs off.
type EntityType string

const (
	Carpool    EntityType = "carpool"
	Errand     EntityType = "errand"
	HelpTicket EntityType = "help_ticket"
)

// Key identifies a thread.
type Key struct {
	Type EntityType
	ID   string
}

// ParseEntityType validates s.
func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(s); t {
	case Carpool, Errand, HelpTicket:
		return t, nil
	}
	return "", apperr.Validationf("open thread", "unknown entity type %q", s)
}

func (k Key) validate() error {
	if _, err := ParseEntityType(string(k.Type)); err != nil {
		return err
	}
	if k.ID == "" {
		return apperr.New(apperr.Validation, "open thread", "entity id is required")
	}
	return nil
}

// ChannelKey is the realtime channel name, shared by every consumer of the
// thread.
func (k Key) ChannelKey() string {
	return fmt.Sprintf("post_chat:%s:%s", k.Type, k.ID)
}

func (k Key) String() string {
	return k.ChannelKey()
}

// layout maps a thread to where its messages are stored.
type layout struct {
	table     string
	entityCol string
	senderCol string
	senderKey profile.Key
}

func (k Key) layout() layout {
	if k.Type == HelpTicket {
		return layout{
			table:     "help_ticket_messages",
			entityCol: "ticket_id",
			senderCol: "sender_user_id",
			senderKey: profile.ByUserID,
		}
	}
	return layout{
		table:     "post_messages",
		entityCol: "entity_id",
		senderCol: "sender_profile_id",
		senderKey: profile.ByID,
	}
}

func (k Key) query() gateway.Query {
	l := k.layout()
	q := gateway.Query{
		Table:   l.table,
		Filters: []gateway.Filter{gateway.EqFilter(l.entityCol, k.ID)},
		Order:   []gateway.Order{{Column: "created_at"}},
	}
	if k.Type != HelpTicket {
		q.Filters = append(q.Filters, gateway.EqFilter("entity_type", string(k.Type)))
	}
	return q
}

func (k Key) topic() gateway.Topic {
	l := k.layout()
	f := gateway.EqFilter(l.entityCol, k.ID)
	return gateway.Topic{Table: l.table, Event: gateway.Insert, Filter: &f}
}

// Message is one display row of a thread.
type Message struct {
	ID        string
	ClientID  string
	CreatedAt time.Time
	SenderID  string
	Sender    profile.Profile
	Body      string
	Pending   bool
}

// sortMessages orders by server timestamp, breaking ties by id.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func messageFromRow(row gateway.Row, l layout) Message {
	var m Message
	m.ID, _ = row.String("id")
	m.CreatedAt, _ = row.Time("created_at")
	m.SenderID, _ = row.String(l.senderCol)
	m.Body, _ = row.String("message")
	return m
}

// Snapshot is what a thread renders at one point in time.
type Snapshot struct {
	Messages []Message
	// Loaded is false until the first fetch succeeded.
	Loaded   bool
	Fetching bool
	Stale    bool
	// Err is the last fetch failure. With Loaded false it calls for a retry
	// affordance rather than an empty thread.
	Err error
}

// Thread is one consumer's view of a thread.
type Thread struct {
	c       *Controller
	key     Key
	handle  *cache.Handle
	release func()
	queue   *outbox.Queue

	mu     sync.Mutex
	draft  string
	closed bool
}

// Key returns the thread key.
func (t *Thread) Key() Key {
	return t.key
}

// Snapshot returns the fetched messages in order followed by this
// client's sends still in flight. A send whose row was already fetched is
// shown once, as the fetched row.
func (t *Thread) Snapshot() Snapshot {
	e, ok := t.handle.Entry()
	if !ok {
		return Snapshot{Err: ErrClosed}
	}
	snap := Snapshot{
		Loaded:   e.HasData(),
		Fetching: e.Fetching,
		Stale:    e.Stale,
		Err:      e.Err,
	}
	msgs, _ := cache.Data[[]Message](e)
	snap.Messages = append(snap.Messages, msgs...)

	pending := t.queue.Pending()
	if len(pending) > 0 {
		fetched := make(map[string]struct{}, len(msgs))
		for _, m := range msgs {
			fetched[m.ID] = struct{}{}
		}
		selfID, self := t.c.self(t.key)
		for _, p := range pending {
			if _, ok := fetched[p.ClientID]; ok {
				continue
			}
			snap.Messages = append(snap.Messages, Message{
				ClientID:  p.ClientID,
				CreatedAt: p.QueuedAt,
				SenderID:  selfID,
				Sender:    self,
				Body:      p.Body,
				Pending:   true,
			})
		}
	}
	return snap
}

// Messages is Snapshot().Messages.
func (t *Thread) Messages() []Message {
	return t.Snapshot().Messages
}

// Changed signals when the fetched messages may have changed.
func (t *Thread) Changed() <-chan struct{} {
	return t.handle.Changed()
}

// Refetch reloads the thread and waits for the result.
func (t *Thread) Refetch(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	_, err := t.handle.Refetch(ctx)
	return err
}

func (t *Thread) SetDraft(s string) {
	t.mu.Lock()
	t.draft = s
	t.mu.Unlock()
}

func (t *Thread) Draft() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draft
}

// Send sends body as the current user. body becomes the draft; it is
// cleared once the message is delivered and kept when the send fails.
// Sends from one client are delivered one at a time in call order.
func (t *Thread) Send(ctx context.Context, body string) (Message, error) {
	if t.isClosed() {
		return Message{}, ErrClosed
	}
	t.SetDraft(body)
	text, err := t.c.check(body)
	if err != nil {
		return Message{}, err
	}
	entry, err := t.queue.Send(ctx, text)
	if err != nil {
		if apperr.Is(err, apperr.Auth) {
			return Message{}, err
		}
		return Message{}, &SendError{Err: err}
	}

	t.mu.Lock()
	if t.draft == body {
		t.draft = ""
	}
	t.mu.Unlock()

	selfID, self := t.c.self(t.key)
	return Message{ID: entry.ClientID, ClientID: entry.ClientID, SenderID: selfID, Sender: self, Body: text}, nil
}

func (t *Thread) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close disables the message list and releases the realtime channel. Safe
// to call more than once.
func (t *Thread) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.c.closeThread(t)
}
