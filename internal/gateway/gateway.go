// Package gateway is the boundary to the campus backend: table reads and
// writes, server-side functions and realtime change feeds.
package gateway

import (
	"context"
	"fmt"
	"time"
)

// EventType is a realtime change kind.
type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
	All    EventType = "*"
)

// ChangeEvent is a row change pushed by the backend.
type ChangeEvent struct {
	Table    string
	Type     EventType
	New      Row
	Old      Row
	CommitAt time.Time
}

// Topic is a realtime subscription scope: one table, an event mask and an
// optional row filter.
type Topic struct {
	Table  string
	Event  EventType
	Filter *Filter
}

// Name renders the topic in the backend's filter syntax.
func (t Topic) Name() string {
	ev := t.Event
	if ev == "" {
		ev = All
	}
	if t.Filter == nil {
		return fmt.Sprintf("%s:%s", t.Table, ev)
	}
	return fmt.Sprintf("%s:%s:%s", t.Table, ev, t.Filter)
}

// Matches reports whether evt falls inside the topic. Deletes are matched
// against the old row.
func (t Topic) Matches(evt ChangeEvent) bool {
	if evt.Table != t.Table {
		return false
	}
	if t.Event != "" && t.Event != All && t.Event != evt.Type {
		return false
	}
	if t.Filter == nil {
		return true
	}
	row := evt.New
	if evt.Type == Delete || row == nil {
		row = evt.Old
	}
	return row != nil && t.Filter.Matches(row)
}

// Handler receives change events for one subscription. Handlers must not
// block.
type Handler func(ChangeEvent)

// Subscription is a live channel. Done yields the transport error and is
// closed when the channel drops on its own; it is never signalled after
// Unsubscribe.
type Subscription interface {
	Done() <-chan error
	Unsubscribe()
}

// Store is the request/response half of the backend. Implementations do not
// retry.
type Store interface {
	Fetch(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filters []Filter, patch Row) ([]Row, error)
	Delete(ctx context.Context, table string, filters []Filter) error
	Call(ctx context.Context, fn string, args Row) (any, error)
}

// Feed opens realtime channels. Subscribe returns once the backend has
// acknowledged the channel.
type Feed interface {
	Subscribe(ctx context.Context, topic Topic, h Handler) (Subscription, error)
}

// Publisher pushes change events to every process sharing a feed. Only the
// local backend publishes; the hosted backend emits changes itself.
type Publisher interface {
	Publish(ctx context.Context, evt ChangeEvent) error
}

// Gateway is the full backend surface.
type Gateway interface {
	Store
	Feed
}

type composite struct {
	Store
	Feed
}

// Compose joins a store and a feed into a Gateway.
func Compose(s Store, f Feed) Gateway {
	return composite{Store: s, Feed: f}
}

// Channel returns the broker channel a table's change events travel on.
func Channel(table string) string {
	return "realtime." + table
}

type userKey struct{}

// WithUser attaches the caller's user id to ctx. Backends that cannot read
// the caller from a bearer token use it for server-side functions.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user id attached by WithUser.
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

type tokenKey struct{}

// WithToken makes token the bearer of the requests made with ctx, ahead of
// the signed-in user's token. Sign-in uses it before the session exists.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFrom returns the token attached by WithToken.
func TokenFrom(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey{}).(string)
	return tok, ok && tok != ""
}
