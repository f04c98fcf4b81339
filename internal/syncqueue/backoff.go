package syncqueue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffPolicy is a jitter-free exponential schedule: initial, x2, capped.
type backoffPolicy struct {
	initial time.Duration
	max     time.Duration
}

// delay returns the wait after the n-th consecutive failure (n >= 1).
func (p backoffPolicy) delay(n uint32) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.max
	b.MaxElapsedTime = 0
	b.Reset()

	d := p.initial
	for i := uint32(0); i < n; i++ {
		d = b.NextBackOff()
		if d >= p.max {
			return p.max
		}
	}
	return d
}
