package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// counter is a fetcher that counts calls and can be held open by a gate.
type counter struct {
	calls atomic.Int32
	gate  chan struct{}

	mu  sync.Mutex
	err error
}

func (f *counter) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *counter) fetch(ctx context.Context) (any, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return int(n), nil
}

func newCache(opts Options) *Cache {
	return New(opts, bus.New(), zap.NewNop())
}

func waitData(t *testing.T, h *Handle, want int) Entry {
	t.Helper()
	var last Entry
	require.Eventually(t, func() bool {
		e, ok := h.Entry()
		last = e
		v, _ := Data[int](e)
		return ok && !e.Fetching && v == want
	}, time.Second, 5*time.Millisecond, "entry never reached %d (last %+v)", want, last)
	return last
}

func TestMountFetchesOnce(t *testing.T) {
	c := newCache(Options{})
	f := &counter{}

	h1 := c.Mount("k", f.fetch)
	h2 := c.Mount("k", f.fetch)
	defer h1.Close()
	defer h2.Close()

	waitData(t, h1, 1)
	waitData(t, h2, 1)
	assert.EqualValues(t, 1, f.calls.Load(), "identical mounts must share one fetch")
}

func TestDisabledMountStaysOffline(t *testing.T) {
	c := newCache(Options{})
	f := &counter{}

	h := c.Mount("k", f.fetch, Disabled())
	defer h.Close()

	time.Sleep(20 * time.Millisecond)
	_, ok := h.Entry()
	assert.False(t, ok, "disabled entry must be absent")
	assert.EqualValues(t, 0, f.calls.Load())

	c.Invalidate("k")
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, f.calls.Load(), "invalidating a disabled key must not fetch")

	h.SetEnabled(true)
	waitData(t, h, 1)
}

// TestInvalidateBurstCollapses checks that any number of invalidations
// during a fetch produce exactly one queued fetch.
func TestInvalidateBurstCollapses(t *testing.T) {
	c := newCache(Options{})
	f := &counter{gate: make(chan struct{})}

	h := c.Mount("k", f.fetch)
	defer h.Close()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	for range 10 {
		c.Invalidate("k")
	}
	close(f.gate)

	waitData(t, h, 2)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 2, f.calls.Load(), "want one in-flight plus one queued fetch")
	assert.Equal(t, 2, c.Fetches("k"))
}

func TestFailureKeepsStaleData(t *testing.T) {
	c := newCache(Options{})
	f := &counter{}

	h := c.Mount("k", f.fetch)
	defer h.Close()
	waitData(t, h, 1)

	boom := apperr.Networkf("fetch", "connection reset")
	f.fail(boom)
	_, err := h.Refetch(context.Background())
	require.ErrorIs(t, err, apperr.ErrNetwork)

	e, ok := h.Entry()
	require.True(t, ok)
	assert.Equal(t, 1, e.Data, "stale data must survive a failed refetch")
	assert.True(t, e.Stale)
	assert.ErrorIs(t, e.Err, apperr.ErrNetwork)
}

func TestSuccessClearsError(t *testing.T) {
	c := newCache(Options{})
	f := &counter{}
	f.fail(errors.New("permission denied"))

	h := c.Mount("k", f.fetch)
	defer h.Close()
	require.Eventually(t, func() bool {
		e, _ := h.Entry()
		return e.Err != nil
	}, time.Second, time.Millisecond)

	f.fail(nil)
	e, err := h.Refetch(context.Background())
	require.NoError(t, err)
	assert.NoError(t, e.Err)
	assert.False(t, e.Stale)
	assert.True(t, e.HasData())
}

// TestReleasedQueryDropsLateResult guards against a fetch that completes
// after its last consumer unmounted writing into the cache.
func TestReleasedQueryDropsLateResult(t *testing.T) {
	c := newCache(Options{GCAfter: time.Minute})
	f := &counter{gate: make(chan struct{})}

	h := c.Mount("k", f.fetch)
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	h.Close()
	close(f.gate)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.entries["k"].current == nil
	}, time.Second, time.Millisecond)

	c.mu.Lock()
	snap := c.entries["k"].snap
	c.mu.Unlock()
	assert.False(t, snap.HasData(), "late result must be discarded")
}

func TestRemountServesStaleEntry(t *testing.T) {
	c := newCache(Options{GCAfter: time.Minute})
	f := &counter{}

	h := c.Mount("k", f.fetch)
	waitData(t, h, 1)
	h.Close()

	f.gate = make(chan struct{})
	h2 := c.Mount("k", f.fetch)
	defer h2.Close()

	e, ok := h2.Entry()
	require.True(t, ok)
	assert.Equal(t, 1, e.Data, "remount should render last known data immediately")
	assert.True(t, e.Stale)
	close(f.gate)
	waitData(t, h2, 2)
}

func TestUnreferencedEntryIsEvicted(t *testing.T) {
	c := newCache(Options{GCAfter: 10 * time.Millisecond})
	f := &counter{}

	h := c.Mount("k", f.fetch)
	waitData(t, h, 1)
	h.Close()
	h.Close()

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRefetchWaitsForNewerCycle(t *testing.T) {
	c := newCache(Options{})
	f := &counter{gate: make(chan struct{})}

	h := c.Mount("k", f.fetch)
	defer h.Close()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan Entry, 1)
	go func() {
		e, _ := h.Refetch(context.Background())
		done <- e
	}()
	time.Sleep(10 * time.Millisecond)
	close(f.gate)

	select {
	case e := <-done:
		assert.Equal(t, 2, e.Data, "refetch must not return the cycle already in flight")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for refetch")
	}
}

func TestQueryTimeoutIsNetworkError(t *testing.T) {
	c := newCache(Options{QueryTimeout: 10 * time.Millisecond})
	f := &counter{gate: make(chan struct{})}
	defer close(f.gate)

	h := c.Mount("k", f.fetch)
	defer h.Close()

	require.Eventually(t, func() bool {
		e, _ := h.Entry()
		return e.Err != nil && !e.Fetching
	}, time.Second, time.Millisecond)
	e, _ := h.Entry()
	assert.True(t, apperr.Is(e.Err, apperr.Network), "got %v", e.Err)
}

func TestInvalidateScope(t *testing.T) {
	b := bus.New()
	updates, unsub := b.Subscribe(bus.KindCacheUpdated, 64)
	defer unsub()

	c := New(Options{}, b, zap.NewNop())
	thread := &counter{}
	other := &counter{}

	h1 := c.Mount("post_messages?entity_id=eq.r1", thread.fetch, WithScope("post_chat:carpool:r1"))
	h2 := c.Mount("notifications?user_id=eq.p1", other.fetch, WithScope("notifications:p1"))
	defer h1.Close()
	defer h2.Close()
	waitData(t, h1, 1)
	waitData(t, h2, 1)

	n := c.InvalidateScope("post_chat:carpool:r1")
	assert.Equal(t, 1, n)
	waitData(t, h1, 2)
	assert.EqualValues(t, 1, other.calls.Load(), "other scopes must not refetch")

	select {
	case evt := <-updates:
		_, ok := evt.Payload.(Update)
		assert.True(t, ok, "payload type = %T", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("no cache.updated event")
	}
}

func TestRefetchUnknownKey(t *testing.T) {
	c := newCache(Options{})
	_, err := c.Refetch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotMounted)
}
