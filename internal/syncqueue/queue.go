// Package syncqueue is the durable FIFO of operations that could not be
// mirrored to the remote service.
//
// Entries are sealed through the secure record store, one record per entry
// keyed by zero-padded sequence number. A single replay worker drains them
// in sequence order. A transient failure puts the entry into exponential
// backoff and blocks everything behind it; an entry that exhausts its
// attempts, or is rejected outright, is parked as Failed for manual
// inspection and later entries proceed, except those carrying the same
// logical id.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/history"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/lock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/securestore"
)

const namespace = "sync_queue"

const (
	DefaultMaxAttempts    = 5
	DefaultBackoffInitial = 2 * time.Second
	DefaultBackoffMax     = 5 * time.Minute
	DefaultGrace          = 30 * time.Second
	DefaultInterval       = time.Minute
	DefaultTimeout        = 10 * time.Second
)

// Handler mirrors one entry to the remote service.
type Handler func(ctx context.Context, e Entry) error

// ContactRecorder is told about every successful remote round-trip.
type ContactRecorder interface {
	RecordServerContact(ctx context.Context) error
}

// Options configures a Queue. Locks is required.
type Options struct {
	Clock   clock.Clock
	IDs     ids.Generator
	Locks   *lock.Manager
	Events  events.Publisher
	History *history.Log
	Contact ContactRecorder
	Logger  *logger.Logger

	MaxAttempts    uint32
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Grace keeps Synced entries visible before they are purged.
	Grace time.Duration
	// Interval is the periodic drain trigger of the worker.
	Interval time.Duration
	// Timeout bounds one handler call. It is kept below the lock TTL so a
	// slow remote never outlives the worker's lease.
	Timeout time.Duration
}

func (o *Options) defaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = DefaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if ttl := o.Locks.TTL(); o.Timeout >= ttl {
		o.Timeout = ttl / 2
	}
}

// Queue is the sync queue. Safe for concurrent use; only the replay worker
// moves entries out of Pending.
type Queue struct {
	sec    *securestore.Store
	opt    Options
	clock  clock.Clock
	ids    ids.Generator
	bus    events.Publisher
	log    *logger.Logger
	seq    *clock.Sequence
	policy backoffPolicy
	signal chan struct{} // buffered, size 1

	mu         sync.Mutex
	entries    []Entry // ascending seq
	handlers   map[model.OpType]Handler
	processing bool
	lastSync   *time.Time

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New loads the persisted entries and returns a Queue. Unreadable records
// are dropped by the secure store. Entries left Processing by a crash are
// reset to Pending.
func New(ctx context.Context, sec *securestore.Store, opt Options) (*Queue, error) {
	if opt.Locks == nil {
		return nil, fmt.Errorf("syncqueue: lock manager required")
	}
	opt.defaults()
	log := opt.Logger
	if log == nil {
		log = logger.Named("syncqueue")
	}

	q := &Queue{
		sec:      sec,
		opt:      opt,
		clock:    clock.Or(opt.Clock),
		ids:      ids.Or(opt.IDs),
		bus:      events.Or(opt.Events),
		log:      log,
		policy:   backoffPolicy{initial: opt.BackoffInitial, max: opt.BackoffMax},
		signal:   make(chan struct{}, 1),
		handlers: make(map[model.OpType]Handler),
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	keys, err := q.sec.Keys(ctx, namespace)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	var maxSeq int64
	for _, k := range keys {
		var e Entry
		ok, err := q.sec.Get(ctx, namespace, k, &e)
		if err != nil {
			return fmt.Errorf("load queue: %w", err)
		}
		if !ok {
			continue
		}
		if e.Status == StatusProcessing {
			e.Status = StatusPending
			if err := q.sec.Put(ctx, namespace, seqKey(e.Seq), e, 0); err != nil {
				return fmt.Errorf("load queue: %w", err)
			}
			q.log.Warn().Str("entry", e.ID).Msg("resetting entry interrupted mid-replay")
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	q.entries = entries
	q.seq = clock.NewSequenceAt(maxSeq)
	if len(entries) > 0 {
		q.log.Info().Int("entries", len(entries)).Int64("seq", maxSeq).Msg("queue loaded")
	}
	return nil
}

// Register binds a handler to an op type, replacing any previous one.
func (q *Queue) Register(op model.OpType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[op] = h
}

// Enqueue persists a Pending entry. It touches local storage only. The
// entry is held while any of dependsOn is parked.
func (q *Queue) Enqueue(ctx context.Context, op model.OpType, logicalID string, payload any, dependsOn ...string) (Entry, error) {
	q.mu.Lock()
	e, err := q.enqueueLocked(ctx, op, logicalID, payload, dependsOn)
	q.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}
	q.afterEnqueue(ctx, e)
	return e, nil
}

// EnqueueUnique is Enqueue unless a Pending or Processing entry already
// carries (op, logicalID); then that entry is returned with created=false.
func (q *Queue) EnqueueUnique(ctx context.Context, op model.OpType, logicalID string, payload any) (e Entry, created bool, err error) {
	q.mu.Lock()
	for _, cur := range q.entries {
		if cur.OpType == op && cur.LogicalID == logicalID &&
			(cur.Status == StatusPending || cur.Status == StatusProcessing) {
			q.mu.Unlock()
			q.log.Debug().Str("op", string(op)).Str("logical_id", logicalID).Msg("operation already queued")
			return cur, false, nil
		}
	}
	e, err = q.enqueueLocked(ctx, op, logicalID, payload, nil)
	q.mu.Unlock()
	if err != nil {
		return Entry{}, false, err
	}
	q.afterEnqueue(ctx, e)
	return e, true, nil
}

func (q *Queue) enqueueLocked(ctx context.Context, op model.OpType, logicalID string, payload any, dependsOn []string) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, &Error{Code: ErrCodeBadPayload, Message: err.Error()}
	}
	e := Entry{
		ID:        q.ids.New(),
		Seq:       q.seq.Next(),
		OpType:    op,
		LogicalID: logicalID,
		DependsOn: dependsOn,
		Payload:   raw,
		CreatedAt: q.clock.Now(),
		Status:    StatusPending,
	}
	if err := q.sec.Put(ctx, namespace, seqKey(e.Seq), e, 0); err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", op, err)
	}
	q.entries = append(q.entries, e)
	return e, nil
}

func (q *Queue) afterEnqueue(ctx context.Context, e Entry) {
	q.log.Info().Str("entry", e.ID).Str("op", string(e.OpType)).Str("logical_id", e.LogicalID).Int64("seq", e.Seq).Msg("queued")
	q.recordHistory(ctx, e)
	q.publishStatus()
}

// Get returns the entry with id.
func (q *Queue) Get(id string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return Entry{}, notFound(id)
	}
	return q.entries[i], nil
}

// Entries returns every entry in seq order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Failed returns the parked entries in seq order.
func (q *Queue) Failed() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []Entry{}
	for _, e := range q.entries {
		if e.Status == StatusFailed {
			out = append(out, e)
		}
	}
	return out
}

// Backlog reports whether any entry is not yet Synced. A new operation
// mirrored directly while this holds could reach the remote ahead of an
// earlier one.
func (q *Queue) Backlog() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Status != StatusSynced {
			return true
		}
	}
	return false
}

// Status aggregates the current entries.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *Queue) statusLocked() QueueStatus {
	s := QueueStatus{IsProcessing: q.processing}
	if q.lastSync != nil {
		t := *q.lastSync
		s.LastSyncTime = &t
	}
	for _, e := range q.entries {
		switch e.Status {
		case StatusPending:
			s.PendingCount++
		case StatusProcessing:
			s.ProcessingCount++
		case StatusFailed:
			s.FailedCount++
		case StatusSynced:
			s.SyncedCount++
		}
	}
	return s
}

// RetryFailed moves every Failed entry back to Pending with a fresh attempt
// budget and wakes the worker. Returns the number of entries reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	n := 0
	var reset []Entry
	for i := range q.entries {
		e := q.entries[i]
		if e.Status != StatusFailed {
			continue
		}
		e.Status = StatusPending
		e.RetryBase = e.Attempts
		e.LastError = ""
		e.NextAttemptAt = nil
		if err := q.persistLocked(ctx, e); err != nil {
			q.mu.Unlock()
			return n, err
		}
		q.entries[i] = e
		reset = append(reset, e)
		n++
	}
	q.mu.Unlock()

	for _, e := range reset {
		q.updateHistory(ctx, e, history.StatusPending, "")
	}
	if n > 0 {
		q.log.Info().Int("entries", n).Msg("failed entries reset for retry")
		q.publishStatus()
		q.Notify()
	}
	return n, nil
}

// Discard removes one entry, whatever its status.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return notFound(id)
	}
	e := q.entries[i]
	if err := q.sec.Remove(ctx, namespace, seqKey(e.Seq)); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("discard %s: %w", id, err)
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.mu.Unlock()

	q.log.Warn().Str("entry", id).Str("op", string(e.OpType)).Str("logical_id", e.LogicalID).Msg("entry discarded")
	q.publishStatus()
	return nil
}

// Clear deletes every entry.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	if err := q.sec.ClearNamespace(ctx, namespace); err != nil {
		q.mu.Unlock()
		return err
	}
	q.entries = q.entries[:0]
	q.mu.Unlock()
	q.publishStatus()
	return nil
}

// Purge removes Synced entries whose grace period has passed.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.purgeLocked(ctx)
}

func (q *Queue) purgeLocked(ctx context.Context) (int, error) {
	now := q.clock.Now()
	kept := q.entries[:0]
	purged := 0
	var firstErr error
	for _, e := range q.entries {
		if e.Status == StatusSynced && e.SyncedAt != nil && !now.Before(e.SyncedAt.Add(q.opt.Grace)) && firstErr == nil {
			if err := q.sec.Remove(ctx, namespace, seqKey(e.Seq)); err != nil {
				firstErr = fmt.Errorf("purge %s: %w", e.ID, err)
				kept = append(kept, e)
				continue
			}
			purged++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return purged, firstErr
}

func (q *Queue) indexLocked(id string) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) persistLocked(ctx context.Context, e Entry) error {
	if err := q.sec.Put(ctx, namespace, seqKey(e.Seq), e, 0); err != nil {
		return fmt.Errorf("persist entry %s: %w", e.ID, err)
	}
	return nil
}

// save persists e and replaces the in-memory copy.
func (q *Queue) save(ctx context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(e.ID)
	if i < 0 {
		return notFound(e.ID)
	}
	if err := q.persistLocked(ctx, e); err != nil {
		return err
	}
	q.entries[i] = e
	return nil
}

func (q *Queue) publishStatus() {
	q.bus.Publish(events.Event{Kind: events.QueueStatusChanged, At: q.clock.Now(), Payload: q.Status()})
}

func (q *Queue) recordHistory(ctx context.Context, e Entry) {
	if q.opt.History == nil {
		return
	}
	if err := q.opt.History.Record(ctx, e.LogicalID, string(e.OpType), ""); err != nil {
		q.log.Warn().Err(err).Str("entry", e.ID).Msg("history record failed")
	}
}

func (q *Queue) updateHistory(ctx context.Context, e Entry, status history.Status, errMsg string) {
	if q.opt.History == nil {
		return
	}
	if err := q.opt.History.UpdateStatus(ctx, e.LogicalID, status, errMsg); err != nil {
		q.log.Warn().Err(err).Str("entry", e.ID).Msg("history update failed")
	}
}
