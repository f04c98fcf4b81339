// Package events is the typed publish/subscribe bus the sync engine uses to
// tell the UI shell about queue, history, transaction and protection changes.
//
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the drop is counted. Subscribers re-read authoritative state on the
// next event they do receive, so a dropped notification only delays a
// re-render.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event.
type Kind string

const (
	QueueStatusChanged   Kind = "queue_status_changed"
	HistoryChanged       Kind = "history_changed"
	SyncCompleted        Kind = "sync_completed"
	TransactionCompleted Kind = "transaction_completed"
	ProtectionChanged    Kind = "protection_changed"
	ConnectivityChanged  Kind = "connectivity_changed"
)

// Event is one notification. Payload is kind-specific and read-only.
type Event struct {
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(e Event)
}

// DefaultBuffer is the subscription buffer used when Subscribe gets <= 0.
const DefaultBuffer = 32

type subscription struct {
	ch    chan Event
	kinds map[Kind]bool // nil = all kinds
}

// Bus fans events out to subscribers. The zero value is not usable; use New.
// A nil *Bus accepts and discards every Publish.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	next    uint64
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Subscribe registers a subscriber for the given kinds (all kinds when none
// are given). The returned cancel func unregisters and closes the channel;
// it is safe to call more than once.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers e to every matching subscriber without blocking.
// A zero At is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[e.Kind] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Recorder is a Publisher that keeps every event, for tests and golden traces.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends e.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds published so far, in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// Count returns how many events of kind k were published.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// Fanout publishes to every non-nil publisher in order.
func Fanout(ps ...Publisher) Publisher {
	out := make(fanout, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

type fanout []Publisher

func (f fanout) Publish(e Event) {
	for _, p := range f {
		p.Publish(e)
	}
}

// Or returns p, or a no-op publisher when p is nil.
func Or(p Publisher) Publisher {
	if p == nil {
		return (*Bus)(nil)
	}
	return p
}
