package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff yields reconnect delays: exponential with jitter, never shorter
// than the previous delay and never longer than the maximum. The first delay
// after Reset is exactly the minimum.
type Backoff struct {
	min, max time.Duration
	exp      *backoff.ExponentialBackOff
	last     time.Duration
	fresh    bool
}

func NewBackoff(lo, hi time.Duration) *Backoff {
	if hi < lo {
		hi = lo
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = lo
	exp.MaxInterval = hi
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.25
	exp.Reset()

	return &Backoff{min: lo, max: hi, exp: exp, fresh: true}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if b.fresh {
		b.fresh = false
		d = b.min
	}
	d = min(max(d, b.last, b.min), b.max)
	b.last = d
	return d
}

// Reset starts the sequence over from the minimum.
func (b *Backoff) Reset() {
	b.exp.Reset()
	b.last = 0
	b.fresh = true
}
