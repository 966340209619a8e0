// Package realtime carries backend change events to subscribers. Hub keeps
// them inside one process; the subpackages move them over brokers and the
// hosted realtime socket.
package realtime

import (
	"context"
	"sync"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/gateway"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscription event buffer.
const DefaultBuffer = 256

// Hub is an in-process gateway.Feed and gateway.Publisher. Events travel
// on the bus under gateway.Channel(table).
type Hub struct {
	bus    *bus.Bus
	logger *zap.Logger
	buf    int

	mu     sync.Mutex
	closed bool
	subs   map[*gateway.Live]struct{}
}

// NewHub creates a hub on b.
func NewHub(b *bus.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{bus: b, logger: logger, buf: DefaultBuffer, subs: make(map[*gateway.Live]struct{})}
}

var (
	_ gateway.Feed      = (*Hub)(nil)
	_ gateway.Publisher = (*Hub)(nil)
)

// Publish implements gateway.Publisher.
func (h *Hub) Publish(_ context.Context, evt gateway.ChangeEvent) error {
	h.bus.Emit(gateway.Channel(evt.Table), evt)
	return nil
}

// Subscribe implements gateway.Feed. The hub acknowledges immediately.
func (h *Hub) Subscribe(ctx context.Context, topic gateway.Topic, handler gateway.Handler) (gateway.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	ch, unsub := h.bus.Subscribe(gateway.Channel(topic.Table), h.buf)
	stop := make(chan struct{})
	var live *gateway.Live
	live = gateway.NewLive(func() {
		unsub()
		close(stop)
		h.forget(live)
	})
	h.subs[live] = struct{}{}

	go func() {
		for {
			select {
			case <-stop:
				return
			case evt := <-ch:
				change, ok := evt.Payload.(gateway.ChangeEvent)
				if !ok || !topic.Matches(change) {
					continue
				}
				handler(change)
			}
		}
	}()
	return live, nil
}

func (h *Hub) forget(l *gateway.Live) {
	h.mu.Lock()
	delete(h.subs, l)
	h.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Drop fails every live subscription as if the transport went away.
func (h *Hub) Drop(err error) {
	h.mu.Lock()
	subs := make([]*gateway.Live, 0, len(h.subs))
	for l := range h.subs {
		subs = append(subs, l)
	}
	h.mu.Unlock()
	for _, l := range subs {
		l.Fail(err)
	}
	if len(subs) > 0 {
		h.logger.Info("dropped realtime subscriptions", zap.Int("count", len(subs)), zap.Error(err))
	}
}

// Close fails the live subscriptions and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.Drop(ErrClosed)
	return nil
}
