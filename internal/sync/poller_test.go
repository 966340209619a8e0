package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/status"
	"go.uber.org/zap"
)

type countingInvalidator struct {
	mu     sync.Mutex
	scopes map[string]int
}

func (c *countingInvalidator) InvalidateScope(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scopes == nil {
		c.scopes = make(map[string]int)
	}
	c.scopes[scope]++
	return 1
}

func (c *countingInvalidator) count(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopes[scope]
}

func emit(b *bus.Bus, key string, from, to status.State) {
	b.Emit(bus.KindChannelStatus, status.StatusChange{Subject: key, From: from, To: to})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func startPoller(t *testing.T, inv Invalidator, b *bus.Bus) *Poller {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	p := NewPoller(inv, b, 20*time.Millisecond, logger)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func TestPollerPollsWhileReconnecting(t *testing.T) {
	b := bus.New()
	inv := &countingInvalidator{}
	p := startPoller(t, inv, b)

	emit(b, "notifications:p1", status.Open, status.Reconnecting)
	waitFor(t, func() bool { return inv.count("notifications:p1") >= 2 }, "scope never polled")

	if got := p.Degraded(); len(got) != 1 || got[0] != "notifications:p1" {
		t.Errorf("Degraded() = %v", got)
	}

	emit(b, "notifications:p1", status.Reconnecting, status.Open)
	waitFor(t, func() bool { return len(p.Degraded()) == 0 }, "polling did not stop on open")

	settled := inv.count("notifications:p1")
	time.Sleep(60 * time.Millisecond)
	if got := inv.count("notifications:p1"); got != settled {
		t.Errorf("polled %d more times after reopen", got-settled)
	}
}

// TestPollerRepeatedDropsShareOneLoop guards against stacking a new poll
// loop for every reconnect attempt of the same channel.
func TestPollerRepeatedDropsShareOneLoop(t *testing.T) {
	b := bus.New()
	inv := &countingInvalidator{}
	p := startPoller(t, inv, b)

	emit(b, "post_chat:errand:e1", status.Open, status.Reconnecting)
	emit(b, "post_chat:errand:e1", status.Reconnecting, status.Connecting)
	emit(b, "post_chat:errand:e1", status.Connecting, status.Reconnecting)
	emit(b, "post_chat:errand:e1", status.Reconnecting, status.Failed)

	waitFor(t, func() bool { return len(p.Degraded()) == 1 }, "channel not degraded")
	time.Sleep(50 * time.Millisecond)
	if n := len(p.Degraded()); n != 1 {
		t.Errorf("got %d poll loops, want 1", n)
	}
}

func TestPollerStopsOnClose(t *testing.T) {
	b := bus.New()
	inv := &countingInvalidator{}
	p := startPoller(t, inv, b)

	emit(b, "k", status.Open, status.Failed)
	waitFor(t, func() bool { return len(p.Degraded()) == 1 }, "channel not degraded")
	emit(b, "k", status.Failed, status.Closed)
	waitFor(t, func() bool { return len(p.Degraded()) == 0 }, "polling did not stop on close")
}

func TestPollerIgnoresHealthyChannels(t *testing.T) {
	b := bus.New()
	inv := &countingInvalidator{}
	p := startPoller(t, inv, b)

	emit(b, "k", status.Idle, status.Connecting)
	emit(b, "k", status.Connecting, status.Open)
	time.Sleep(60 * time.Millisecond)
	if p.Polls() != 0 || inv.count("k") != 0 {
		t.Errorf("polled a healthy channel")
	}
}

func TestPollerStop(t *testing.T) {
	b := bus.New()
	p := NewPoller(&countingInvalidator{}, b, 10*time.Millisecond, nil)
	p.Start(context.Background())
	emit(b, "k", status.Open, status.Reconnecting)
	waitFor(t, func() bool { return len(p.Degraded()) == 1 }, "channel not degraded")

	p.Stop()
	if n := len(p.Degraded()); n != 0 {
		t.Errorf("got %d loops after Stop", n)
	}
	if b.Subscribers() != 0 {
		t.Errorf("bus still has %d subscribers", b.Subscribers())
	}
}
