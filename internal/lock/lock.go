// Package lock is the transaction lock manager: advisory, fail-fast mutual
// exclusion for named critical sections that may span remote calls.
//
// TryAcquire never waits. A busy resource is reported immediately and the
// caller decides what to tell the user. Handles carry a lease: once a handle
// outlives its TTL it is considered abandoned and the next TryAcquire steals
// it, bumping the fencing token so the stale holder's Release is rejected.
package lock

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/logger"
)

// Well-known resources.
const (
	Cashbox           = "cashbox"
	Inventory         = "inventory"
	SaleProcessing    = "sale_processing"
	ExpenseProcessing = "expense_processing"
	DebtProcessing    = "debt_processing"
	StockUpdate       = "stock_update"
	ProfitRecord      = "profit_record"
	SyncQueueWorker   = "sync_queue_worker"
)

// LedgerResources guard local ledger state. Holding all of them excludes
// every transaction.
var LedgerResources = []string{Cashbox, DebtProcessing, ExpenseProcessing, Inventory, SaleProcessing}

// DefaultTTL is the lease after which a held handle counts as abandoned.
const DefaultTTL = 30 * time.Second

var (
	// ErrBusy is returned (wrapped in *BusyError) when a live handle exists.
	ErrBusy = errors.New("lock: resource busy")

	// ErrNotHeld is returned by Release and Renew when the handle no longer
	// owns the resource (released already, or stolen after expiry).
	ErrNotHeld = errors.New("lock: handle not held")
)

// BusyError reports which resource was busy and since when.
type BusyError struct {
	Resource  string
	HeldSince time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("lock: %s busy since %s", e.Resource, e.HeldSince.Format(time.RFC3339))
}

// Unwrap lets errors.Is(err, ErrBusy) match.
func (e *BusyError) Unwrap() error { return ErrBusy }

// IsBusy reports whether err is a lock contention error.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// Handle is a live hold on a resource.
type Handle struct {
	Resource     string    `json:"resource"`
	Token        string    `json:"token"`
	FencingToken int64     `json:"fencingToken"`
	HeldSince    time.Time `json:"heldSince"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// IsExpired reports whether the lease has run out at now.
func (h Handle) IsExpired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Options configures a Manager.
type Options struct {
	TTL    time.Duration
	Clock  clock.Clock
	IDs    ids.Generator
	Logger *logger.Logger
}

// Manager owns the handle table. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	held    map[string]*Handle
	fencing map[string]int64
	ttl     time.Duration
	clock   clock.Clock
	ids     ids.Generator
	log     *logger.Logger
}

// NewManager creates a manager with no held resources.
func NewManager(opt Options) *Manager {
	if opt.TTL <= 0 {
		opt.TTL = DefaultTTL
	}
	log := opt.Logger
	if log == nil {
		log = logger.Named("lock")
	}
	return &Manager{
		held:    make(map[string]*Handle),
		fencing: make(map[string]int64),
		ttl:     opt.TTL,
		clock:   clock.Or(opt.Clock),
		ids:     ids.Or(opt.IDs),
		log:     log,
	}
}

// TTL returns the configured lease.
func (m *Manager) TTL() time.Duration { return m.ttl }

// TryAcquire takes resource or fails immediately with a *BusyError.
// An expired handle is stolen and the anomaly logged.
func (m *Manager) TryAcquire(resource string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(resource, m.clock.Now())
}

func (m *Manager) acquireLocked(resource string, now time.Time) (*Handle, error) {
	if cur, ok := m.held[resource]; ok {
		if !cur.IsExpired(now) {
			return nil, &BusyError{Resource: resource, HeldSince: cur.HeldSince}
		}
		m.log.Warn().
			Str("resource", resource).
			Dur("held_for", now.Sub(cur.HeldSince)).
			Int64("fencing_token", cur.FencingToken).
			Msg("stealing abandoned lock")
	}

	m.fencing[resource]++
	h := &Handle{
		Resource:     resource,
		Token:        m.ids.New(),
		FencingToken: m.fencing[resource],
		HeldSince:    now,
		ExpiresAt:    now.Add(m.ttl),
	}
	m.held[resource] = h
	return h, nil
}

// Release frees h. Returns ErrNotHeld if h was already released or its
// resource was stolen after expiry; the current holder is left untouched.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[h.Resource]
	if !ok || cur.Token != h.Token {
		return fmt.Errorf("release %s: %w", h.Resource, ErrNotHeld)
	}
	delete(m.held, h.Resource)
	return nil
}

// Renew extends the lease of h by the TTL from now.
func (m *Manager) Renew(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[h.Resource]
	if !ok || cur.Token != h.Token {
		return fmt.Errorf("renew %s: %w", h.Resource, ErrNotHeld)
	}
	cur.ExpiresAt = m.clock.Now().Add(m.ttl)
	h.ExpiresAt = cur.ExpiresAt
	return nil
}

// IsLocked reports whether resource has a live (unexpired) handle.
func (m *Manager) IsLocked(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[resource]
	return ok && !cur.IsExpired(m.clock.Now())
}

// Active returns copies of every live handle, sorted by resource.
func (m *Manager) Active() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	out := make([]Handle, 0, len(m.held))
	for _, h := range m.held {
		if !h.IsExpired(now) {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// tryAcquireAll takes every resource or none. Resources are deduplicated
// and sorted so callers never hold a partial set.
func (m *Manager) tryAcquireAll(resources []string) ([]*Handle, error) {
	sorted := append([]string(nil), resources...)
	sort.Strings(sorted)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	handles := make([]*Handle, 0, len(sorted))
	for i, r := range sorted {
		if i > 0 && r == sorted[i-1] {
			continue
		}
		h, err := m.acquireLocked(r, now)
		if err != nil {
			for _, got := range handles {
				delete(m.held, got.Resource)
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}
