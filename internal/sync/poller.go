// Package sync keeps feeds converging while their realtime channel is down
// by polling the affected cache scopes.
package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/status"
	"go.uber.org/zap"
)

// Invalidator is the part of the cache the poller drives.
type Invalidator interface {
	InvalidateScope(scope string) int
}

// Poller watches channel status changes. While a channel is reconnecting or
// failed it invalidates the channel's scope every interval.
type Poller struct {
	inv      Invalidator
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	degraded map[string]context.CancelFunc
	wg       sync.WaitGroup
	polls    atomic.Uint64
}

// NewPoller creates a poller. Scopes are the channel keys.
func NewPoller(inv Invalidator, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		inv:      inv,
		bus:      b,
		interval: interval,
		logger:   logger,
		degraded: make(map[string]context.CancelFunc),
	}
}

// Start subscribes to channel status changes on the bus.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ch, unsub := p.bus.Subscribe(bus.KindChannelStatus, 256)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					p.handle(ctx, change)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends every poll loop and waits for them.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	for key, stop := range p.degraded {
		stop()
		delete(p.degraded, key)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) handle(ctx context.Context, change status.StatusChange) {
	key := change.Subject
	p.mu.Lock()
	defer p.mu.Unlock()

	switch change.To {
	case status.Reconnecting, status.Failed:
		if _, ok := p.degraded[key]; ok || ctx.Err() != nil {
			return
		}
		pollCtx, stop := context.WithCancel(ctx)
		p.degraded[key] = stop
		p.wg.Add(1)
		go p.poll(pollCtx, key)
		p.logger.Info("polling while channel is down", zap.String("channel", key), zap.Duration("interval", p.interval))
	case status.Open, status.Closed:
		if stop, ok := p.degraded[key]; ok {
			stop()
			delete(p.degraded, key)
			p.logger.Debug("stopped polling", zap.String("channel", key), zap.String("state", string(change.To)))
		}
	}
}

func (p *Poller) poll(ctx context.Context, key string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := p.inv.InvalidateScope(key)
			p.polls.Add(1)
			p.logger.Debug("polled", zap.String("channel", key), zap.Int("queries", n))
		case <-ctx.Done():
			return
		}
	}
}

// Degraded returns the channels currently being polled.
func (p *Poller) Degraded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.degraded))
	for k := range p.degraded {
		out = append(out, k)
	}
	return out
}

// Polls returns how many poll invalidations ran.
func (p *Poller) Polls() uint64 {
	return p.polls.Load()
}
