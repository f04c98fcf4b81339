// Package history keeps the small, UI-facing window of recent sync activity.
//
// History is a projection of queue activity, never a source of truth:
// updates to unknown ids are ignored and the whole list may be cleared at
// any time without affecting replay.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/securestore"
)

// Status of a history row.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

const (
	// MaxEntries caps the list; the oldest row is evicted on overflow.
	MaxEntries = 10
	// SyncedRetention is how long a synced row stays visible.
	SyncedRetention = time.Hour
	// DefaultCleanupInterval is the Run ticker period.
	DefaultCleanupInterval = 5 * time.Minute

	namespace = "sync_history"
	itemsKey  = "items"
)

// Entry is one history row.
type Entry struct {
	ID        string    `json:"id"`
	OpType    string    `json:"type"`
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

var typeLabels = map[string]string{
	"sale":             "Sale",
	"invoice_create":   "Invoice",
	"debt_sale":        "Debt sale",
	"refund":           "Refund",
	"expense":          "Expense",
	"debt":             "Debt",
	"debt_payment":     "Debt payment",
	"debt_sale_bundle": "Deferred sale",
	"stock_update":     "Stock update",
	"customer_update":  "Customer update",
	"profit_record":    "Profit record",
}

// LabelFor returns the human-readable label for an op type, or the op type
// itself when none is known.
func LabelFor(opType string) string {
	if l, ok := typeLabels[opType]; ok {
		return l
	}
	return opType
}

// Options configures a Log.
type Options struct {
	Clock           clock.Clock
	Events          events.Publisher
	Logger          *logger.Logger
	CleanupInterval time.Duration
}

// Log is the sync history. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	sec      *securestore.Store
	clock    clock.Clock
	bus      events.Publisher
	log      *logger.Logger
	interval time.Duration
}

// New creates a Log persisted through sec.
func New(sec *securestore.Store, opt Options) *Log {
	if opt.CleanupInterval <= 0 {
		opt.CleanupInterval = DefaultCleanupInterval
	}
	log := opt.Logger
	if log == nil {
		log = logger.Named("history")
	}
	return &Log{
		sec:      sec,
		clock:    clock.Or(opt.Clock),
		bus:      events.Or(opt.Events),
		log:      log,
		interval: opt.CleanupInterval,
	}
}

// List returns the rows oldest first.
func (l *Log) List(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}

// Record adds a pending row for id. No-op if id is already present.
// An empty label falls back to LabelFor(opType).
func (l *Log) Record(ctx context.Context, id, opType, label string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	items, err := l.load(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.ID == id {
			return nil
		}
	}

	if label == "" {
		label = LabelFor(opType)
	}
	items = append(items, Entry{
		ID:        id,
		OpType:    opType,
		Label:     norm.NFC.String(label),
		Timestamp: l.clock.Now(),
		Status:    StatusPending,
	})
	return l.save(ctx, items)
}

// UpdateStatus transitions the row for id. Unknown ids are ignored.
// errMsg is kept only when non-empty.
func (l *Log) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	items, err := l.load(ctx)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].ID != id {
			continue
		}
		items[i].Status = status
		if errMsg != "" {
			items[i].Error = errMsg
		}
		return l.save(ctx, items)
	}
	return nil
}

// MarkAllSynced moves every pending or syncing row to synced.
func (l *Log) MarkAllSynced(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	items, err := l.load(ctx)
	if err != nil {
		return err
	}
	changed := false
	for i := range items {
		if items[i].Status == StatusPending || items[i].Status == StatusSyncing {
			items[i].Status = StatusSynced
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return l.save(ctx, items)
}

// Cleanup removes synced rows older than SyncedRetention and returns how
// many were removed. Pending and failed rows are kept regardless of age.
func (l *Log) Cleanup(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	items, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := l.clock.Now().Add(-SyncedRetention)
	kept := items[:0:0]
	for _, it := range items {
		if it.Status == StatusSynced && !it.Timestamp.After(cutoff) {
			continue
		}
		kept = append(kept, it)
	}
	removed := len(items) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, l.save(ctx, kept)
}

// Clear drops every row.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.sec.Remove(ctx, namespace, itemsKey); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	l.bus.Publish(events.Event{Kind: events.HistoryChanged, At: l.clock.Now(), Payload: []Entry{}})
	return nil
}

// Run calls Cleanup every interval until ctx is done.
func (l *Log) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := l.Cleanup(ctx)
			if err != nil {
				l.log.Warn().Err(err).Msg("history cleanup failed")
				continue
			}
			if n > 0 {
				l.log.Debug().Int("removed", n).Msg("history cleanup")
			}
		}
	}
}

func (l *Log) load(ctx context.Context) ([]Entry, error) {
	var items []Entry
	if _, err := l.sec.Get(ctx, namespace, itemsKey, &items); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if items == nil {
		items = []Entry{}
	}
	return items, nil
}

// save keeps the newest MaxEntries rows and notifies subscribers.
func (l *Log) save(ctx context.Context, items []Entry) error {
	if len(items) > MaxEntries {
		items = items[len(items)-MaxEntries:]
	}
	if err := l.sec.Put(ctx, namespace, itemsKey, items, 0); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	l.bus.Publish(events.Event{Kind: events.HistoryChanged, At: l.clock.Now(), Payload: append([]Entry(nil), items...)})
	return nil
}
