package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/cache"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/subscription"
	"go.uber.org/zap"
)

// DefaultLimit is the size of the loaded window.
const DefaultLimit = 30

// ErrClosed is returned by operations on a closed feed or controller.
var ErrClosed = errors.New("feed closed")

type Options struct {
	Limit int
	// OptimisticRead shows a notification as read as soon as MarkRead is
	// called, and reverts it if the update fails.
	OptimisticRead bool
}

// Controller loads notification feeds.
type Controller struct {
	store  gateway.Store
	cache  *cache.Cache
	subs   *subscription.Manager
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	feeds  map[*Feed]struct{}
	closed bool
}

func NewController(s gateway.Store, c *cache.Cache, subs *subscription.Manager, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	return &Controller{
		store:  s,
		cache:  c,
		subs:   subs,
		opts:   opts,
		logger: logger,
		feeds:  make(map[*Feed]struct{}),
	}
}

// ChannelKey is the realtime channel of a recipient's feed.
func ChannelKey(recipientID string) string {
	return "notifications:" + recipientID
}

func (c *Controller) query(recipientID string) gateway.Query {
	return gateway.Query{
		Table:   "notifications",
		Filters: []gateway.Filter{gateway.EqFilter("user_id", recipientID)},
		Order:   []gateway.Order{{Column: "created_at", Desc: true}},
		Limit:   c.opts.Limit,
	}
}

// Load opens the feed of recipientID (a profile id): the newest
// notifications, newest first, kept current by a realtime channel scoped to
// the recipient. The first fetch runs in the background.
func (c *Controller) Load(recipientID string) (*Feed, error) {
	if recipientID == "" {
		return nil, apperr.New(apperr.Validation, "load notifications", "recipient is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	key := ChannelKey(recipientID)
	filter := gateway.EqFilter("user_id", recipientID)
	release, err := c.subs.Acquire(subscription.Spec{
		Key:   key,
		Topic: gateway.Topic{Table: "notifications", Event: gateway.All, Filter: &filter},
	})
	if err != nil {
		return nil, err
	}
	q := c.query(recipientID)
	handle := c.cache.Mount(q.Key(), func(ctx context.Context) (any, error) {
		rows, err := c.store.Fetch(ctx, q)
		if err != nil {
			return nil, err
		}
		items := make([]Notification, 0, len(rows))
		for _, r := range rows {
			items = append(items, fromRow(r))
		}
		return items, nil
	}, cache.WithScope(key))

	f := &Feed{
		c:         c,
		recipient: recipientID,
		handle:    handle,
		release:   release,
		overlay:   make(map[string]struct{}),
	}
	c.feeds[f] = struct{}{}
	return f, nil
}

// Close closes every loaded feed.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	feeds := make([]*Feed, 0, len(c.feeds))
	for f := range c.feeds {
		feeds = append(feeds, f)
	}
	c.mu.Unlock()
	for _, f := range feeds {
		f.Close()
	}
}

// Snapshot is the rendered state of a feed.
type Snapshot struct {
	Items    []Notification
	Unread   int
	Loaded   bool
	Fetching bool
	Stale    bool
	Err      error
}

// Feed is one consumer's view of a recipient's notifications.
type Feed struct {
	c         *Controller
	recipient string
	handle    *cache.Handle
	release   func()

	mu      sync.Mutex
	overlay map[string]struct{} // ids shown read ahead of the backend
	closed  bool
}

func (f *Feed) Recipient() string {
	return f.recipient
}

// Snapshot returns the loaded window with pending reads applied.
func (f *Feed) Snapshot() Snapshot {
	e, ok := f.handle.Entry()
	if !ok {
		return Snapshot{Err: ErrClosed}
	}
	loaded, _ := cache.Data[[]Notification](e)
	items := make([]Notification, len(loaded))
	copy(items, loaded)

	f.mu.Lock()
	for i := range items {
		if _, ok := f.overlay[items[i].ID]; !ok {
			continue
		}
		if items[i].Read {
			// The backend caught up.
			delete(f.overlay, items[i].ID)
			continue
		}
		items[i].Read = true
	}
	f.mu.Unlock()

	return Snapshot{
		Items:    items,
		Unread:   unread(items),
		Loaded:   e.HasData(),
		Fetching: e.Fetching,
		Stale:    e.Stale,
		Err:      e.Err,
	}
}

func (f *Feed) Items() []Notification {
	return f.Snapshot().Items
}

// UnreadCount counts unread notifications in the loaded window.
func (f *Feed) UnreadCount() int {
	return f.Snapshot().Unread
}

// Changed signals when the loaded window may have changed.
func (f *Feed) Changed() <-chan struct{} {
	return f.handle.Changed()
}

// Refetch reloads the feed and waits for the result.
func (f *Feed) Refetch(ctx context.Context) error {
	if f.isClosed() {
		return ErrClosed
	}
	_, err := f.handle.Refetch(ctx)
	return err
}

// MarkRead marks one notification read, then refetches the feed.
func (f *Feed) MarkRead(ctx context.Context, id string) error {
	const op = "mark notification read"
	if f.isClosed() {
		return ErrClosed
	}
	if id == "" {
		return apperr.New(apperr.Validation, op, "notification id is required")
	}
	return f.markRead(ctx, op, []string{id}, []gateway.Filter{
		gateway.EqFilter("id", id),
		gateway.EqFilter("user_id", f.recipient),
	})
}

// MarkAllRead marks every unread notification of the recipient read.
func (f *Feed) MarkAllRead(ctx context.Context) error {
	if f.isClosed() {
		return ErrClosed
	}
	var ids []string
	for _, n := range f.Snapshot().Items {
		if !n.Read {
			ids = append(ids, n.ID)
		}
	}
	return f.markRead(ctx, "mark all notifications read", ids, []gateway.Filter{
		gateway.EqFilter("user_id", f.recipient),
		gateway.EqFilter("is_read", false),
	})
}

func (f *Feed) markRead(ctx context.Context, op string, ids []string, filters []gateway.Filter) error {
	optimistic := f.c.opts.OptimisticRead
	if optimistic {
		f.setOverlay(ids, true)
	}
	_, err := f.c.store.Update(ctx, "notifications", filters, gateway.Row{"is_read": true})
	if err != nil {
		if optimistic {
			f.setOverlay(ids, false)
		}
		f.c.logger.Warn("mark read failed", zap.String("recipient", f.recipient), zap.Error(err))
		return err
	}
	if err := f.Refetch(ctx); err != nil && !errors.Is(err, ErrClosed) {
		// The write landed; the overlay holds until a later fetch confirms.
		f.c.logger.Warn("refetch after mark read failed", zap.String("recipient", f.recipient), zap.Error(err))
	}
	return nil
}

func (f *Feed) setOverlay(ids []string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if on {
			f.overlay[id] = struct{}{}
		} else {
			delete(f.overlay, id)
		}
	}
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close releases the feed's query and channel. Safe to call more than once.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.c.mu.Lock()
	delete(f.c.feeds, f)
	f.c.mu.Unlock()
	f.handle.Close()
	f.release()
}
