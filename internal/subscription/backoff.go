package subscription

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is the reconnect policy for dropped channels.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, e.g. 0.2 for +/-20%
	MaxAttempts int     // consecutive failures before giving up; 0 retries forever
}

// DefaultBackoff starts at 500ms and doubles up to 30s, giving up after 8
// consecutive failures.
var DefaultBackoff = Backoff{
	Initial:     500 * time.Millisecond,
	Max:         30 * time.Second,
	Multiplier:  2,
	Jitter:      0.2,
	MaxAttempts: 8,
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether n consecutive failures exceed the budget.
func (b Backoff) Exhausted(n int) bool {
	return b.MaxAttempts > 0 && n >= b.MaxAttempts
}
