// Package cache is a keyed stale-while-revalidate query cache.
//
// Each key has at most one fetch in flight and at most one queued behind it,
// so any burst of invalidations collapses into a single extra fetch. Entries
// are immutable snapshots replaced whole when a fetch completes; a failed
// fetch keeps the previous data and records the error. Consumers mount a key
// through a Handle; when the last handle closes, results of fetches still in
// flight are discarded and the stale entry lingers for a grace period so a
// remount can render it immediately.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/bus"
	"go.uber.org/zap"
)

// ErrDisabled is returned by Refetch on a key with no enabled consumer.
var ErrDisabled = errors.New("query disabled")

// ErrNotMounted is returned for keys that are not in the cache.
var ErrNotMounted = errors.New("query not mounted")

// Fetcher loads the data for one key.
type Fetcher func(ctx context.Context) (any, error)

// Entry is a point-in-time view of one key.
type Entry struct {
	Key       string
	Data      any
	FetchedAt time.Time
	Stale     bool
	Fetching  bool
	Err       error
}

// HasData reports whether a fetch ever succeeded for the entry.
func (e Entry) HasData() bool {
	return !e.FetchedAt.IsZero()
}

// Data returns the entry data as T.
func Data[T any](e Entry) (T, bool) {
	v, ok := e.Data.(T)
	return v, ok
}

// Update is the payload of cache.updated bus events.
type Update struct {
	Key    string
	Scopes []string
}

// Options configures a Cache.
type Options struct {
	// QueryTimeout bounds every fetch. Zero means no bound.
	QueryTimeout time.Duration
	// GCAfter is how long an unreferenced entry is kept.
	GCAfter time.Duration
}

// Cache maps query keys to their last known result.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	bus     *bus.Bus
	logger  *zap.Logger
}

type cycle struct {
	done chan struct{}
	err  error
}

type entry struct {
	key     string
	fetch   Fetcher
	scopes  map[string]struct{}
	snap    Entry
	refs    int
	enabled int
	gen     uint64
	current *cycle
	next    *cycle
	handles map[*Handle]struct{}
	gcTimer *time.Timer
	fetches int
}

// New creates a cache. The bus may be nil.
func New(opts Options, b *bus.Bus, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries: make(map[string]*entry),
		opts:    opts,
		bus:     b,
		logger:  logger,
	}
}

// MountOption adjusts a Mount call.
type MountOption func(*mountConfig)

type mountConfig struct {
	enabled bool
	scopes  []string
}

// WithScope tags the entry so InvalidateScope(scope) reaches it.
func WithScope(scope string) MountOption {
	return func(c *mountConfig) { c.scopes = append(c.scopes, scope) }
}

// Disabled mounts the key without enabling it.
func Disabled() MountOption {
	return func(c *mountConfig) { c.enabled = false }
}

// Mount registers a consumer of key. The first mount of a key decides its
// fetcher. An enabled mount of an entry that is missing or stale starts a
// fetch in the background.
func (c *Cache) Mount(key string, fetch Fetcher, opts ...MountOption) *Handle {
	cfg := mountConfig{enabled: true}
	for _, o := range opts {
		o(&cfg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{
			key:     key,
			fetch:   fetch,
			scopes:  make(map[string]struct{}),
			snap:    Entry{Key: key},
			handles: make(map[*Handle]struct{}),
		}
		c.entries[key] = e
	}
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	for _, s := range cfg.scopes {
		e.scopes[s] = struct{}{}
	}
	h := &Handle{c: c, e: e, changed: make(chan struct{}, 1)}
	e.handles[h] = struct{}{}
	e.refs++
	if cfg.enabled {
		c.enableLocked(h)
	}
	return h
}

func (c *Cache) enableLocked(h *Handle) {
	if h.enabled {
		return
	}
	h.enabled = true
	e := h.e
	e.enabled++
	if e.enabled == 1 && (!e.snap.HasData() || e.snap.Stale) {
		c.startLocked(e)
	}
}

func (c *Cache) disableLocked(h *Handle) {
	if !h.enabled {
		return
	}
	h.enabled = false
	h.e.enabled--
}

// startLocked begins a fetch cycle, or queues one behind the cycle in
// flight. It returns the cycle whose completion reflects state at least as
// new as the call.
func (c *Cache) startLocked(e *entry) *cycle {
	if e.current != nil {
		if e.next == nil {
			e.next = &cycle{done: make(chan struct{})}
		}
		return e.next
	}
	cy := &cycle{done: make(chan struct{})}
	c.launchLocked(e, cy)
	return cy
}

func (c *Cache) launchLocked(e *entry, cy *cycle) {
	e.current = cy
	e.fetches++
	snap := e.snap
	snap.Fetching = true
	e.snap = snap
	go c.run(e, cy, e.gen, e.fetch)
	c.notifyLocked(e)
}

func (c *Cache) run(e *entry, cy *cycle, gen uint64, fetch Fetcher) {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if c.opts.QueryTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.opts.QueryTimeout)
	}
	data, err := fetch(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !apperr.Is(err, apperr.Network) {
		err = apperr.Wrap(apperr.Network, "query "+e.key, err)
	}
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := e.snap
	snap.Fetching = false
	switch {
	case gen != e.gen:
		c.logger.Debug("discarding result of released query", zap.String("key", e.key))
	case err != nil:
		snap.Err = err
		snap.Stale = true
		c.logger.Warn("query failed", zap.String("key", e.key), zap.Error(err))
	default:
		snap.Data = data
		snap.FetchedAt = time.Now()
		snap.Stale = false
		snap.Err = nil
	}
	e.snap = snap
	e.current = nil
	cy.err = err
	close(cy.done)

	if nx := e.next; nx != nil {
		e.next = nil
		if e.enabled > 0 && c.entries[e.key] == e {
			c.launchLocked(e, nx)
			return
		}
		nx.err = ErrDisabled
		close(nx.done)
	}
	c.notifyLocked(e)
}

func (c *Cache) notifyLocked(e *entry) {
	for h := range e.handles {
		select {
		case h.changed <- struct{}{}:
		default:
		}
	}
	if c.bus != nil {
		scopes := make([]string, 0, len(e.scopes))
		for s := range e.scopes {
			scopes = append(scopes, s)
		}
		c.bus.Publish(bus.Event{
			Kind:      bus.KindCacheUpdated,
			Timestamp: time.Now(),
			Payload:   Update{Key: e.key, Scopes: scopes},
		})
	}
}

// Invalidate marks the key stale and schedules a refetch if any consumer
// has it enabled. Repeated calls while a fetch is in flight queue at most
// one further fetch.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.invalidateLocked(e)
	}
}

// InvalidateScope invalidates every entry tagged with scope and returns how
// many were reached.
func (c *Cache) InvalidateScope(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if _, ok := e.scopes[scope]; ok {
			c.invalidateLocked(e)
			n++
		}
	}
	return n
}

func (c *Cache) invalidateLocked(e *entry) {
	if !e.snap.Stale {
		snap := e.snap
		snap.Stale = true
		e.snap = snap
	}
	if e.enabled > 0 {
		c.startLocked(e)
		return
	}
	c.notifyLocked(e)
}

// Refetch fetches key and waits for a result at least as new as the call.
func (c *Cache) Refetch(ctx context.Context, key string) (Entry, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return Entry{}, ErrNotMounted
	}
	if e.enabled == 0 {
		c.mu.Unlock()
		return Entry{}, ErrDisabled
	}
	cy := c.startLocked(e)
	c.mu.Unlock()

	select {
	case <-cy.done:
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
	c.mu.Lock()
	snap := e.snap
	c.mu.Unlock()
	return snap, cy.err
}

// Get returns the current entry for key. Disabled or unknown keys are absent.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.enabled == 0 {
		return Entry{}, false
	}
	return e.snap, true
}

// Len returns the number of entries held, mounted or lingering.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fetches returns how many fetch cycles ran for key.
func (c *Cache) Fetches(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.fetches
	}
	return 0
}

func (c *Cache) release(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	c.disableLocked(h)
	e := h.e
	delete(e.handles, h)
	e.refs--
	if e.refs > 0 {
		return
	}
	// Nobody renders this key any more: results still in flight are stale
	// writes and get dropped.
	e.gen++
	if !e.snap.Stale {
		snap := e.snap
		snap.Stale = true
		e.snap = snap
	}
	if c.opts.GCAfter <= 0 {
		delete(c.entries, e.key)
		return
	}
	e.gcTimer = time.AfterFunc(c.opts.GCAfter, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.entries[e.key]; ok && cur == e && e.refs == 0 {
			delete(c.entries, e.key)
		}
	})
}

// Close stops pending eviction timers and drops every entry.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.gcTimer != nil {
			e.gcTimer.Stop()
		}
		delete(c.entries, k)
	}
}

// Handle is one consumer's mount of a key.
type Handle struct {
	c       *Cache
	e       *entry
	enabled bool
	closed  bool
	changed chan struct{}
}

// Key returns the mounted key.
func (h *Handle) Key() string {
	return h.e.key
}

// Entry returns the current snapshot. It is absent while the handle is
// disabled or closed.
func (h *Handle) Entry() (Entry, bool) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.closed || !h.enabled {
		return Entry{}, false
	}
	return h.e.snap, true
}

// Changed signals whenever the entry may have changed. The channel holds at
// most one pending signal.
func (h *Handle) Changed() <-chan struct{} {
	return h.changed
}

// SetEnabled gates network activity for this consumer.
func (h *Handle) SetEnabled(enabled bool) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.closed {
		return
	}
	if enabled {
		h.c.enableLocked(h)
	} else {
		h.c.disableLocked(h)
	}
}

// Invalidate invalidates the mounted key.
func (h *Handle) Invalidate() {
	h.c.Invalidate(h.e.key)
}

// Refetch refetches the mounted key and waits for the result.
func (h *Handle) Refetch(ctx context.Context) (Entry, error) {
	h.c.mu.Lock()
	closed := h.closed
	h.c.mu.Unlock()
	if closed {
		return Entry{}, ErrNotMounted
	}
	return h.c.Refetch(ctx, h.e.key)
}

// Close unmounts the consumer. Safe to call more than once.
func (h *Handle) Close() {
	h.c.release(h)
}
