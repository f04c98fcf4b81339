// Package ids generates identifiers for invoices, queue entries and ledger
// records.
package ids

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique identifiers.
type Generator interface {
	New() string
}

// UUIDv7 generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids issued on
// the device sort by creation time, which keeps invoice ids readable in the
// activity log and in remote tables.
//
// UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// New returns a new hyphenated UUIDv7. Panics if the random source fails.
func (UUIDv7) New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Or returns g, or UUIDv7 when g is nil.
func Or(g Generator) Generator {
	if g == nil {
		return UUIDv7{}
	}
	return g
}

// Fixed returns predetermined ids in order, for tests and golden scenarios.
//
// Panics once all ids are consumed so a test that creates more records than
// it planned for fails loudly.
type Fixed struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixed creates a generator that returns ids in order.
func NewFixed(ids ...string) *Fixed {
	return &Fixed{ids: ids}
}

// New returns the next predetermined id.
func (g *Fixed) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("ids.Fixed: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Sequential returns prefix-1, prefix-2, ... and never runs out.
type Sequential struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequential creates a sequential generator. An empty prefix becomes "id".
func NewSequential(prefix string) *Sequential {
	if prefix == "" {
		prefix = "id"
	}
	return &Sequential{prefix: prefix}
}

// New returns the next id in the sequence.
func (g *Sequential) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
