// Package subscription keeps one realtime channel per logical feed and turns
// change events into cache invalidations.
package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/status"
	"go.uber.org/zap"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("subscription manager closed")

// Invalidator is the part of the cache the manager drives.
type Invalidator interface {
	InvalidateScope(scope string) int
}

// Spec describes one live channel.
type Spec struct {
	// Key identifies the channel, e.g. "notifications:<profile id>".
	Key   string
	Topic gateway.Topic
	// Scope is the cache scope invalidated by events. Defaults to Key.
	Scope string
}

func (s Spec) scope() string {
	if s.Scope != "" {
		return s.Scope
	}
	return s.Key
}

// Info is a snapshot of one channel.
type Info struct {
	Key      string
	State    status.State
	Since    time.Time
	Refs     int
	Events   uint64
	Failures int
}

// Manager owns the live channels of the process.
type Manager struct {
	feed    gateway.Feed
	inv     Invalidator
	bus     *bus.Bus
	logger  *zap.Logger
	backoff Backoff

	mu       sync.Mutex
	channels map[string]*channel
	draining map[string]*channel
	closed   bool
	wg       sync.WaitGroup
}

type channel struct {
	spec     Spec
	machine  *status.Machine
	refs     int
	cancel   context.CancelFunc
	retry    chan struct{}
	prev     <-chan struct{}
	done     chan struct{}
	events   atomic.Uint64
	failures atomic.Int32
}

// NewManager creates a manager on top of feed.
func NewManager(feed gateway.Feed, inv Invalidator, b *bus.Bus, backoff Backoff, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		feed:     feed,
		inv:      inv,
		bus:      b,
		logger:   logger,
		backoff:  backoff,
		channels: make(map[string]*channel),
		draining: make(map[string]*channel),
	}
}

// Acquire registers a consumer of the channel described by spec, opening it
// if this is the first consumer and reconnecting it if it had failed. The returned release function must be
// called once the consumer goes away; the channel closes with its last
// consumer.
func (m *Manager) Acquire(spec Spec) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	ch, ok := m.channels[spec.Key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		ch = &channel{
			spec:    spec,
			machine: status.NewChannelMachine(spec.Key, m.bus),
			cancel:  cancel,
			retry:   make(chan struct{}, 1),
			done:    make(chan struct{}),
		}
		if old, ok := m.draining[spec.Key]; ok {
			ch.prev = old.done
		}
		m.channels[spec.Key] = ch
		m.wg.Add(1)
		go m.run(ctx, ch)
	} else if ch.machine.Current() == status.Failed {
		// A new consumer restarts a channel that gave up.
		select {
		case ch.retry <- struct{}{}:
		default:
		}
	}
	ch.refs++

	var once sync.Once
	return func() { once.Do(func() { m.release(ch) }) }, nil
}

func (m *Manager) release(ch *channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch.refs--
	if ch.refs > 0 {
		return
	}
	key := ch.spec.Key
	if m.channels[key] == ch {
		delete(m.channels, key)
	}
	m.draining[key] = ch
	ch.cancel()
	go func() {
		<-ch.done
		m.mu.Lock()
		if m.draining[key] == ch {
			delete(m.draining, key)
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) run(ctx context.Context, ch *channel) {
	defer m.wg.Done()
	defer close(ch.done)
	log := m.logger.With(zap.String("channel", ch.spec.Key))

	// A channel for the same key that is still tearing down must be gone
	// before this one subscribes.
	if ch.prev != nil {
		select {
		case <-ch.prev:
		case <-ctx.Done():
			_ = ch.machine.Transition(status.Closed)
			return
		}
	}

	opened := false
	for {
		_ = ch.machine.Transition(status.Connecting)
		sub, err := m.feed.Subscribe(ctx, ch.spec.Topic, func(evt gateway.ChangeEvent) {
			m.handle(ch, evt)
		})
		if err != nil {
			if ctx.Err() != nil {
				_ = ch.machine.Transition(status.Closed)
				return
			}
			n := int(ch.failures.Add(1))
			log.Warn("channel subscribe failed", zap.Int("attempt", n), zap.Error(err))
			if !m.wait(ctx, ch) {
				return
			}
			continue
		}

		_ = ch.machine.Transition(status.Open)
		ch.failures.Store(0)
		// Changes committed before the server acknowledged the channel, or
		// while it was down, were never pushed.
		m.inv.InvalidateScope(ch.spec.scope())
		if opened {
			log.Info("channel reopened")
		} else {
			log.Debug("channel open")
		}
		opened = true

		select {
		case err := <-sub.Done():
			sub.Unsubscribe()
			n := int(ch.failures.Add(1))
			log.Warn("channel dropped", zap.Int("attempt", n), zap.Error(err))
			if !m.wait(ctx, ch) {
				return
			}
		case <-ctx.Done():
			sub.Unsubscribe()
			_ = ch.machine.Transition(status.Closed)
			log.Debug("channel closed")
			return
		}
	}
}

// wait sits out the backoff after a failure. It returns false when the
// channel was released meanwhile.
func (m *Manager) wait(ctx context.Context, ch *channel) bool {
	_ = ch.machine.Transition(status.Reconnecting)
	n := int(ch.failures.Load())

	var timer <-chan time.Time
	if m.backoff.Exhausted(n) {
		_ = ch.machine.Transition(status.Failed)
		m.logger.Error("channel gave up reconnecting", zap.String("channel", ch.spec.Key), zap.Int("attempts", n))
	} else {
		t := time.NewTimer(m.backoff.Delay(n))
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-timer:
		return true
	case <-ch.retry:
		ch.failures.Store(0)
		return true
	case <-ctx.Done():
		_ = ch.machine.Transition(status.Closed)
		return false
	}
}

func (m *Manager) handle(ch *channel, evt gateway.ChangeEvent) {
	if ch.machine.Current() != status.Open {
		return
	}
	ch.events.Add(1)
	m.inv.InvalidateScope(ch.spec.scope())
}

// Retry cuts short the backoff of a reconnecting or failed channel.
func (m *Manager) Retry(key string) bool {
	m.mu.Lock()
	ch, ok := m.channels[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	switch ch.machine.Current() {
	case status.Reconnecting, status.Failed:
	default:
		return false
	}
	select {
	case ch.retry <- struct{}{}:
	default:
	}
	return true
}

// Status returns the state of the channel for key.
func (m *Manager) Status(key string) (Info, bool) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	refs := 0
	if ok {
		refs = ch.refs
	}
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return Info{
		Key:      key,
		State:    ch.machine.Current(),
		Since:    ch.machine.Since(),
		Refs:     refs,
		Events:   ch.events.Load(),
		Failures: int(ch.failures.Load()),
	}, true
}

// Channels returns a snapshot of every acquired channel.
func (m *Manager) Channels() []Info {
	m.mu.Lock()
	keys := make([]string, 0, len(m.channels))
	for k := range m.channels {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	out := make([]Info, 0, len(keys))
	for _, k := range keys {
		if info, ok := m.Status(k); ok {
			out = append(out, info)
		}
	}
	return out
}

// Close releases every channel and waits for them to unsubscribe.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for k, ch := range m.channels {
		ch.cancel()
		delete(m.channels, k)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
