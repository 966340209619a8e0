package chat

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/cache"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/identity"
	"github.com/matheus3301/campus/internal/outbox"
	"github.com/matheus3301/campus/internal/profile"
	"github.com/matheus3301/campus/internal/subscription"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed thread or controller.
var ErrClosed = errors.New("thread closed")

// Identity is the signed-in user as seen by chat.
type Identity interface {
	Require() (*identity.Session, error)
	RequireProfile() (*identity.Session, error)
}

// Options limits sends.
type Options struct {
	MaxLength int
	SendRate  float64
	SendBurst int
}

// SendError is a delivery failure. The draft that failed is kept.
type SendError struct {
	Err error
}

func (e *SendError) Error() string  { return "send message: " + e.Err.Error() }
func (e *SendError) Unwrap() error  { return e.Err }
func (e *SendError) Notice() string { return "Couldn't send. Try again." }

var validate = validator.New()

// Controller opens threads. Threads opened for the same key share the
// realtime channel, the cache entry and the send queue.
type Controller struct {
	store    gateway.Store
	cache    *cache.Cache
	subs     *subscription.Manager
	ids      Identity
	resolver *profile.Resolver
	bus      *bus.Bus
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	queues  map[Key]*sharedQueue
	threads map[*Thread]struct{}
	closed  bool
}

type sharedQueue struct {
	q    *outbox.Queue
	refs int
}

// NewController wires a controller. The bus may be nil.
func NewController(s gateway.Store, c *cache.Cache, subs *subscription.Manager, ids Identity, b *bus.Bus, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = 1000
	}
	return &Controller{
		store:    s,
		cache:    c,
		subs:     subs,
		ids:      ids,
		resolver: profile.NewResolver(s, logger),
		bus:      b,
		opts:     opts,
		logger:   logger,
		queues:   make(map[Key]*sharedQueue),
		threads:  make(map[*Thread]struct{}),
	}
}

// Open enables the thread's message list and its realtime channel. The
// first load runs in the background; use Thread.Refetch to wait for it.
func (c *Controller) Open(typ EntityType, id string) (*Thread, error) {
	key := Key{Type: typ, ID: id}
	if err := key.validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	release, err := c.subs.Acquire(subscription.Spec{
		Key:   key.ChannelKey(),
		Topic: key.topic(),
	})
	if err != nil {
		return nil, err
	}
	handle := c.cache.Mount(key.query().Key(), c.fetcher(key), cache.WithScope(key.ChannelKey()))

	sq, ok := c.queues[key]
	if !ok {
		sq = &sharedQueue{q: outbox.NewQueue(key.ChannelKey(), c.deliver(key), c.bus, outbox.Options{
			Rate:  c.opts.SendRate,
			Burst: c.opts.SendBurst,
		}, c.logger)}
		sq.q.Start(context.Background())
		c.queues[key] = sq
	}
	sq.refs++

	t := &Thread{c: c, key: key, handle: handle, release: release, queue: sq.q}
	c.threads[t] = struct{}{}
	c.logger.Debug("thread opened", zap.String("thread", key.ChannelKey()))
	return t, nil
}

func (c *Controller) closeThread(t *Thread) {
	c.mu.Lock()
	delete(c.threads, t)
	var stop *outbox.Queue
	if sq, ok := c.queues[t.key]; ok {
		sq.refs--
		if sq.refs == 0 {
			delete(c.queues, t.key)
			stop = sq.q
		}
	}
	c.mu.Unlock()

	t.handle.Close()
	t.release()
	if stop != nil {
		stop.Stop()
	}
	c.logger.Debug("thread closed", zap.String("thread", t.key.ChannelKey()))
}

// Close closes every open thread.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	threads := make([]*Thread, 0, len(c.threads))
	for t := range c.threads {
		threads = append(threads, t)
	}
	c.mu.Unlock()
	for _, t := range threads {
		t.Close()
	}
}

// fetcher loads a page of messages and resolves their senders in one batch.
// Unresolvable senders degrade to the placeholder profile.
func (c *Controller) fetcher(key Key) cache.Fetcher {
	q := key.query()
	l := key.layout()
	return func(ctx context.Context) (any, error) {
		rows, err := c.store.Fetch(ctx, q)
		if err != nil {
			return nil, err
		}
		msgs := make([]Message, 0, len(rows))
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			m := messageFromRow(row, l)
			msgs = append(msgs, m)
			ids = append(ids, m.SenderID)
		}
		profiles, err := c.resolver.Resolve(ctx, l.senderKey, ids)
		if err != nil {
			c.logger.Warn("sender lookup failed, using placeholders",
				zap.String("thread", key.ChannelKey()), zap.Error(err))
			profiles = nil
		}
		for i := range msgs {
			p, ok := profiles[msgs[i].SenderID]
			if !ok {
				p = profile.Profile{ID: msgs[i].SenderID, Placeholder: true}
			}
			msgs[i].Sender = p
		}
		sortMessages(msgs)
		return msgs, nil
	}
}

// deliver inserts one message as the current user, then refetches the
// thread so the new row arrives sender-resolved. The row id is the entry's
// client id, which lets Snapshot drop the pending copy as soon as any fetch
// returns the row.
func (c *Controller) deliver(key Key) outbox.SendFunc {
	l := key.layout()
	return func(ctx context.Context, e outbox.Entry) error {
		row := gateway.Row{
			"id":        e.ClientID,
			l.entityCol: key.ID,
			"message":   e.Body,
		}
		if key.Type == HelpTicket {
			sess, err := c.ids.Require()
			if err != nil {
				return err
			}
			row[l.senderCol] = sess.UserID
		} else {
			sess, err := c.ids.RequireProfile()
			if err != nil {
				return err
			}
			row[l.senderCol] = sess.ProfileID
			row["entity_type"] = string(key.Type)
			row["expires_at"] = gateway.FormatTime(time.Now())
		}
		if _, err := c.store.Insert(ctx, l.table, row); err != nil {
			return err
		}
		if _, err := c.cache.Refetch(ctx, key.query().Key()); err != nil {
			c.logger.Warn("refetch after send failed",
				zap.String("thread", key.ChannelKey()), zap.Error(err))
		}
		return nil
	}
}

// check trims body and enforces the length bounds.
func (c *Controller) check(body string) (string, error) {
	const op = "send message"
	text := strings.TrimSpace(body)
	if err := validate.Var(text, "required"); err != nil {
		return "", apperr.New(apperr.Validation, op, "Message cannot be empty")
	}
	if err := validate.Var(text, "max="+strconv.Itoa(c.opts.MaxLength)); err != nil {
		return "", apperr.Validationf(op, "Message is too long (max %d characters)", c.opts.MaxLength)
	}
	return text, nil
}

func (c *Controller) self(key Key) (string, profile.Profile) {
	var (
		sess *identity.Session
		err  error
	)
	if key.Type == HelpTicket {
		sess, err = c.ids.Require()
	} else {
		sess, err = c.ids.RequireProfile()
	}
	if err != nil {
		return "", profile.Profile{Placeholder: true}
	}
	id := sess.ProfileID
	if key.Type == HelpTicket {
		id = sess.UserID
	}
	return id, profile.Profile{ID: sess.ProfileID, UserID: sess.UserID, FullName: sess.FullName}
}
