// Package outbox serializes the sends of one chat thread.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/campus/internal/bus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrStopped is returned for sends queued on a stopped queue.
var ErrStopped = errors.New("outbox stopped")

// SendFunc delivers one entry. It returns once the message is visible to
// readers of the thread. The entry's ClientID is stored as the row id, so
// readers can tell a pending entry from its delivered row.
type SendFunc func(ctx context.Context, e Entry) error

// Entry is a message accepted locally and not yet delivered.
type Entry struct {
	ClientID string
	Thread   string
	Body     string
	QueuedAt time.Time
}

// Event is the payload of message.* bus events.
type Event struct {
	ClientID string
	Thread   string
	Body     string
	Err      string
}

// Options tunes a Queue.
type Options struct {
	// Rate is the sustained sends per second. Zero disables throttling.
	Rate  float64
	Burst int
}

type job struct {
	entry Entry
	ctx   context.Context
	res   chan error
}

// Queue sends one thread's messages one at a time in the order they were
// queued.
type Queue struct {
	thread  string
	send    SendFunc
	bus     *bus.Bus
	limiter *rate.Limiter
	logger  *zap.Logger

	jobs chan *job

	mu      sync.Mutex
	pending []Entry
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewQueue creates a queue for thread. The bus may be nil.
func NewQueue(thread string, send SendFunc, b *bus.Bus, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		thread: thread,
		send:   send,
		bus:    b,
		logger: logger.With(zap.String("thread", thread)),
		jobs:   make(chan *job, 64),
		done:   make(chan struct{}),
	}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return q
}

// Start begins draining the queue.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	if q.stopped || q.cancel != nil {
		q.mu.Unlock()
		cancel()
		return
	}
	q.cancel = cancel
	q.mu.Unlock()
	go q.loop(ctx)
}

// Stop fails queued sends with ErrStopped and waits for the send in
// progress to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()
	if cancel == nil {
		close(q.done)
		return
	}
	cancel()
	<-q.done
}

// Send queues body and waits until it was delivered or failed. The entry
// is listed by Pending meanwhile.
func (q *Queue) Send(ctx context.Context, body string) (Entry, error) {
	j := &job{
		entry: Entry{
			ClientID: uuid.NewString(),
			Thread:   q.thread,
			Body:     body,
			QueuedAt: time.Now(),
		},
		ctx: ctx,
		res: make(chan error, 1),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return j.entry, ErrStopped
	}
	q.pending = append(q.pending, j.entry)
	q.mu.Unlock()
	q.emit(bus.KindMsgSending, j.entry, nil)

	select {
	case q.jobs <- j:
	case <-ctx.Done():
		q.finish(j.entry, ctx.Err())
		return j.entry, ctx.Err()
	}
	select {
	case err := <-j.res:
		return j.entry, err
	case <-q.done:
		// The worker may have finished this job just before stopping.
		select {
		case err := <-j.res:
			return j.entry, err
		default:
		}
		q.finish(j.entry, ErrStopped)
		return j.entry, ErrStopped
	}
}

// Pending returns the entries not yet delivered, oldest first. An entry
// stays listed until its send returns, even if its row is already visible.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.pending...)
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case j := <-q.jobs:
			j.res <- q.process(ctx, j)
		case <-ctx.Done():
			q.drain()
			return
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case j := <-q.jobs:
			q.finish(j.entry, ErrStopped)
			j.res <- ErrStopped
		default:
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, j *job) error {
	sendCtx, cancel := mergeCancel(j.ctx, ctx)
	defer cancel()

	if err := sendCtx.Err(); err != nil {
		q.finish(j.entry, err)
		return err
	}
	if q.limiter != nil {
		if err := q.limiter.Wait(sendCtx); err != nil {
			q.finish(j.entry, err)
			return err
		}
	}
	err := q.send(sendCtx, j.entry)
	q.finish(j.entry, err)
	return err
}

// finish drops the pending entry and reports the outcome.
func (q *Queue) finish(e Entry, err error) {
	q.mu.Lock()
	for i, p := range q.pending {
		if p.ClientID == e.ClientID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("message send failed", zap.String("client_msg_id", e.ClientID), zap.Error(err))
		q.emit(bus.KindMsgSendFailed, e, err)
		return
	}
	q.logger.Info("message sent", zap.String("client_msg_id", e.ClientID))
	q.emit(bus.KindMsgSent, e, nil)
}

func (q *Queue) emit(kind string, e Entry, err error) {
	if q.bus == nil {
		return
	}
	evt := Event{ClientID: e.ClientID, Thread: e.Thread, Body: e.Body}
	if err != nil {
		evt.Err = err.Error()
	}
	q.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: evt})
}

// mergeCancel returns a context of a that is also cancelled with b.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
