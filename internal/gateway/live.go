package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

// Live is a Subscription implementation shared by the feeds.
type Live struct {
	mu       sync.Mutex
	done     chan error
	finished bool
	cancel   func()
}

// NewLive returns a Live whose Unsubscribe runs cancel exactly once.
func NewLive(cancel func()) *Live {
	return &Live{done: make(chan error, 1), cancel: cancel}
}

func (l *Live) Done() <-chan error {
	return l.done
}

// Fail reports a transport failure. Only the first failure is delivered and
// nothing is delivered after Unsubscribe.
func (l *Live) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}
	l.finished = true
	l.done <- err
	close(l.done)
}

// Unsubscribe releases the channel. Later calls are no-ops.
func (l *Live) Unsubscribe() {
	l.mu.Lock()
	if l.finished && l.cancel == nil {
		l.mu.Unlock()
		return
	}
	l.finished = true
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Active reports whether the subscription has neither failed nor been
// released.
func (l *Live) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.finished
}

type wireEvent struct {
	Table    string    `json:"table"`
	Type     EventType `json:"type"`
	New      Row       `json:"new,omitempty"`
	Old      Row       `json:"old,omitempty"`
	CommitAt time.Time `json:"commit_at"`
}

// EncodeEvent serializes a change event for broker transports.
func EncodeEvent(evt ChangeEvent) ([]byte, error) {
	return json.Marshal(wireEvent(evt))
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent(w), nil
}
