// Package clock provides the wall clock seam and the logical sequence clock.
//
// Everything time-dependent in tillsync (lock TTLs, queue backoff, history
// eviction, offline staleness) reads time through Clock so tests can move
// time forward without sleeping.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock, in UTC.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Or returns c, or System when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
