// Package gate is the offline protection gate.
//
// The gate tracks the last successful contact with the server. After
// WarnAfter without contact the UI is asked to warn; after LockAfter every
// protected namespace is sealed into a snapshot and its plaintext deleted.
// The next successful contact opens the snapshots again.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/activity"
	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/lock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/securestore"
	"github.com/roach88/tillsync/internal/store"
)

// State of the gate.
type State string

const (
	StateFresh   State = "fresh"
	StateWarning State = "warning"
	StateLocked  State = "locked"
)

const (
	DefaultWarnAfter = 5 * 24 * time.Hour
	DefaultLockAfter = 30 * 24 * time.Hour
	DefaultInterval  = 30 * time.Minute

	stateNamespace    = "offline_protection"
	stateKey          = "state"
	snapshotNamespace = "protected_snapshots"
)

// ProtectedNamespaces are sealed on lockdown.
var ProtectedNamespaces = []string{
	ledger.NSInvoices,
	ledger.NSProducts,
	ledger.NSCustomers,
	ledger.NSDebts,
	ledger.NSExpenses,
	"partners",
	"categories",
	ledger.NSCashbox,
	ledger.NSProfits,
	ledger.NSProductCache,
}

// persisted is the OfflineProtectionState record.
type persisted struct {
	LastServerContact *time.Time `json:"lastServerContact,omitempty"`
	IsEncrypted       bool       `json:"isEncrypted"`
	LockedAt          *time.Time `json:"lockedAt,omitempty"`
	Sealed            []string   `json:"sealed,omitempty"`
}

// Status is the UI view of the gate.
type Status struct {
	State             State      `json:"state"`
	DaysOffline       int        `json:"daysOffline"`
	DaysUntilLock     int        `json:"daysUntilLock"`
	ShouldWarn        bool       `json:"shouldWarn"`
	IsEncrypted       bool       `json:"isEncrypted"`
	LastServerContact *time.Time `json:"lastServerContact,omitempty"`
	LockedAt          *time.Time `json:"lockedAt,omitempty"`
}

// Auditor records lockdown and unlock in the activity log.
type Auditor interface {
	Record(ctx context.Context, e activity.Entry) (int64, error)
}

// Options configures a Gate.
type Options struct {
	Clock  clock.Clock
	Events events.Publisher
	Logger *logger.Logger
	Audit  Auditor
	// Locks, when set, are taken over every ledger resource while sealing.
	Locks     *lock.Manager
	WarnAfter time.Duration
	LockAfter time.Duration
	Interval  time.Duration
	// Namespaces overrides ProtectedNamespaces.
	Namespaces []string
}

// Gate is the offline protection gate. Safe for concurrent use.
type Gate struct {
	st    *store.Store
	sec   *securestore.Store
	clock clock.Clock
	bus   events.Publisher
	log   *logger.Logger
	opt   Options

	mu    sync.Mutex
	state persisted
}

// New loads the gate state. On first use the contact clock starts now, so a
// fresh install is not treated as stale.
func New(ctx context.Context, st *store.Store, sec *securestore.Store, opt Options) (*Gate, error) {
	if opt.WarnAfter <= 0 {
		opt.WarnAfter = DefaultWarnAfter
	}
	if opt.LockAfter <= 0 {
		opt.LockAfter = DefaultLockAfter
	}
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if len(opt.Namespaces) == 0 {
		opt.Namespaces = ProtectedNamespaces
	}
	log := opt.Logger
	if log == nil {
		log = logger.Named("gate")
	}
	g := &Gate{st: st, sec: sec, clock: clock.Or(opt.Clock), bus: events.Or(opt.Events), log: log, opt: opt}

	ok, err := sec.Get(ctx, stateNamespace, stateKey, &g.state)
	if err != nil {
		return nil, fmt.Errorf("load protection state: %w", err)
	}
	if !ok {
		snaps, err := st.Keys(ctx, snapshotNamespace)
		if err != nil {
			return nil, fmt.Errorf("load protection state: %w", err)
		}
		g.state = persisted{IsEncrypted: len(snaps) > 0, Sealed: snaps}
	}
	if g.state.LastServerContact == nil {
		now := g.clock.Now()
		g.state.LastServerContact = &now
		if err := g.saveLocked(ctx); err != nil {
			return nil, err
		}
		log.Info().Msg("contact clock initialized")
	}
	return g, nil
}

func (g *Gate) saveLocked(ctx context.Context) error {
	if err := g.sec.Put(ctx, stateNamespace, stateKey, g.state, 0); err != nil {
		return fmt.Errorf("save protection state: %w", err)
	}
	return nil
}

// IsDataEncrypted reports whether the protected namespaces are sealed.
func (g *Gate) IsDataEncrypted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.IsEncrypted
}

// DaysWithoutContact is the whole number of days since the last contact.
func (g *Gate) DaysWithoutContact() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.daysLocked()
}

func (g *Gate) daysLocked() int {
	if g.state.LastServerContact == nil {
		return 0
	}
	d := g.clock.Now().Sub(*g.state.LastServerContact)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

func (g *Gate) elapsedLocked() time.Duration {
	if g.state.LastServerContact == nil {
		return 0
	}
	return g.clock.Now().Sub(*g.state.LastServerContact)
}

// State derives the gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked()
}

func (g *Gate) stateLocked() State {
	elapsed := g.elapsedLocked()
	switch {
	case g.state.IsEncrypted || elapsed >= g.opt.LockAfter:
		return StateLocked
	case elapsed >= g.opt.WarnAfter:
		return StateWarning
	default:
		return StateFresh
	}
}

// Status returns the UI view.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked()
}

func (g *Gate) statusLocked() Status {
	st := g.stateLocked()
	days := g.daysLocked()
	until := int(g.opt.LockAfter/(24*time.Hour)) - days
	if until < 0 {
		until = 0
	}
	s := Status{
		State:         st,
		DaysOffline:   days,
		DaysUntilLock: until,
		ShouldWarn:    st == StateWarning,
		IsEncrypted:   g.state.IsEncrypted,
	}
	if g.state.LastServerContact != nil {
		t := *g.state.LastServerContact
		s.LastServerContact = &t
	}
	if g.state.LockedAt != nil {
		t := *g.state.LockedAt
		s.LockedAt = &t
	}
	return s
}

func (g *Gate) publishLocked() {
	g.bus.Publish(events.Event{Kind: events.ProtectionChanged, At: g.clock.Now(), Payload: g.statusLocked()})
}

// RecordServerContact resets the staleness clock. A sealed cache is opened.
func (g *Gate) RecordServerContact(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.stateLocked()
	now := g.clock.Now()
	g.state.LastServerContact = &now
	if err := g.saveLocked(ctx); err != nil {
		return err
	}
	var err error
	sealed := g.state.IsEncrypted
	if sealed {
		// publishes on its own
		err = g.decryptLocked(ctx)
	}
	if prev != g.stateLocked() {
		g.log.Info().Str("from", string(prev)).Str("to", string(g.stateLocked())).Msg("protection state changed")
		if !sealed {
			g.publishLocked()
		}
	}
	return err
}

// CheckAndEnforce seals the cache when the lock threshold has passed.
// Already sealed is a no-op.
func (g *Gate) CheckAndEnforce(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.IsEncrypted {
		return StateLocked, nil
	}
	st := g.stateLocked()
	switch st {
	case StateLocked:
		g.log.Warn().Int("days_offline", g.daysLocked()).Msg("no server contact, locking local data")
		if err := g.encryptLocked(ctx); err != nil {
			if lock.IsBusy(err) {
				g.log.Info().Err(err).Msg("transaction in progress, sealing on the next check")
				return st, nil
			}
			return st, err
		}
	case StateWarning:
		g.log.Warn().Int("days_offline", g.daysLocked()).Msg("server contact overdue")
		g.publishLocked()
	}
	return st, nil
}

// Run checks immediately and then every Interval until ctx is done.
func (g *Gate) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.opt.Interval)
	defer ticker.Stop()
	for {
		if _, err := g.CheckAndEnforce(ctx); err != nil {
			g.log.Error().Err(err).Msg("protection check failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
