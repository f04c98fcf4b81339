package clock

import "sync/atomic"

// Sequence is a monotonic logical clock used to order queue entries.
//
// Queue replay order is defined by seq, never by wall-clock timestamps, so
// two entries created within the same millisecond (or across a clock
// adjustment) still replay in creation order.
//
// Sequence is safe for concurrent use.
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence resuming after start.
// Used on open to continue from the highest persisted seq.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number.
// Calls are linearizable - each call returns a unique, increasing value.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last issued sequence number without incrementing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}

// Observe raises the sequence to at least v. Lower values are ignored.
func (s *Sequence) Observe(v int64) {
	for {
		cur := s.seq.Load()
		if v <= cur || s.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}
