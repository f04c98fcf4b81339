// Package txn is the unified transaction orchestrator.
//
// Every business transaction follows the same steps: validate against local
// state, take the relevant locks, re-validate, compute the figures from the
// line-item snapshot, apply them to the local ledgers in one store
// transaction, mirror to the remote service, and release. A failed mirror is
// not an error: the operation is committed locally and handed to the sync
// queue.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/activity"
	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/gate"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/lock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/syncqueue"
)

// DefaultRemoteTimeout bounds one mirror attempt.
const DefaultRemoteTimeout = 10 * time.Second

// Queue receives operations whose mirror failed, and those that must wait
// behind earlier unsynced operations. *syncqueue.Queue satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, op model.OpType, logicalID string, payload any, dependsOn ...string) (syncqueue.Entry, error)
	Backlog() bool
}

// Gate is the part of the offline protection gate the orchestrator needs.
// *gate.Gate satisfies it.
type Gate interface {
	State() gate.State
	RecordServerContact(ctx context.Context) error
}

// Options configures an Orchestrator. Ledger, Locks, Remote and Queue are
// required.
type Options struct {
	Ledger *ledger.Ledger
	Locks  *lock.Manager
	Remote remote.Service
	Queue  Queue
	Gate   Gate
	Audit  *activity.Log
	Events events.Publisher
	Clock  clock.Clock
	IDs    ids.Generator
	Logger *logger.Logger
	// RemoteTimeout bounds each mirror call. Defaults to DefaultRemoteTimeout.
	RemoteTimeout time.Duration
}

// Orchestrator runs business transactions. Safe for concurrent use; the
// lock manager keeps conflicting transactions apart.
type Orchestrator struct {
	opt   Options
	clock clock.Clock
	ids   ids.Generator
	bus   events.Publisher
	log   *logger.Logger
}

// New checks opt and returns an Orchestrator.
func New(opt Options) (*Orchestrator, error) {
	switch {
	case opt.Ledger == nil:
		return nil, errors.New("txn: ledger is required")
	case opt.Locks == nil:
		return nil, errors.New("txn: lock manager is required")
	case opt.Remote == nil:
		return nil, errors.New("txn: remote service is required")
	case opt.Queue == nil:
		return nil, errors.New("txn: queue is required")
	}
	if opt.RemoteTimeout <= 0 {
		opt.RemoteTimeout = DefaultRemoteTimeout
	}
	log := opt.Logger
	if log == nil {
		log = logger.Named("txn")
	}
	return &Orchestrator{
		opt:   opt,
		clock: clock.Or(opt.Clock),
		ids:   ids.Or(opt.IDs),
		bus:   events.Or(opt.Events),
		log:   log,
	}, nil
}

func (o *Orchestrator) checkGate() error {
	if o.opt.Gate != nil && o.opt.Gate.State() == gate.StateLocked {
		return ErrDataLocked
	}
	return nil
}

// critical runs work holding every resource, translating contention.
func (o *Orchestrator) critical(ctx context.Context, resources []string, work func(ctx context.Context) (Result, error)) (Result, error) {
	return locked(ctx, o, resources, work)
}

// locked holds resources around work. The gate is checked again once they
// are held: sealing needs the same locks, so it cannot start while work runs.
func locked[T any](ctx context.Context, o *Orchestrator, resources []string, work func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := lock.WithLocks(ctx, o.opt.Locks, resources, func(ctx context.Context) (T, error) {
		if err := o.checkGate(); err != nil {
			return zero, err
		}
		return work(ctx)
	})
	var busy *lock.BusyError
	if errors.As(err, &busy) {
		o.log.Info().Str("resource", busy.Resource).Msg("transaction rejected, resource busy")
		return zero, &LockContentionError{Resource: busy.Resource, Err: err}
	}
	return res, err
}

// apply commits m, lifting a stock failure into a ValidationError.
func (o *Orchestrator) apply(ctx context.Context, m ledger.Mutation) error {
	err := o.opt.Ledger.Apply(ctx, m)
	var se *ledger.StockError
	if errors.As(err, &se) {
		return &ValidationError{InsufficientItems: se.Shortages}
	}
	return err
}

// mirror pushes one operation. While the queue holds unsynced entries the
// push is skipped and the operation queued behind them, so the remote sees
// operations in commit order. On failure the payload is queued too and
// (true, entry id) returned; only a failure to queue is an error, and by
// then the local mutation is already committed. dependsOn names logical ids
// the queued entry must wait for if they are parked.
func (o *Orchestrator) mirror(ctx context.Context, op model.OpType, logicalID string, dependsOn []string, payload any, push func(ctx context.Context) error) (bool, string, error) {
	log := logger.C(ctx, o.log)

	if o.opt.Queue.Backlog() {
		log.Debug().Str("op", string(op)).Msg("queue backlog, queueing behind it")
		return o.enqueue(ctx, op, logicalID, dependsOn, payload)
	}

	pctx, cancel := context.WithTimeout(ctx, o.opt.RemoteTimeout)
	err := push(pctx)
	cancel()
	if err == nil {
		log.Debug().Str("op", string(op)).Msg("mirrored")
		if o.opt.Gate != nil {
			if gerr := o.opt.Gate.RecordServerContact(ctx); gerr != nil {
				log.Warn().Err(gerr).Msg("record server contact")
			}
		}
		return false, "", nil
	}

	log.Warn().Err(err).Str("op", string(op)).Bool("permanent", remote.IsPermanent(err)).Msg("mirror failed, queueing")
	return o.enqueue(ctx, op, logicalID, dependsOn, payload)
}

func (o *Orchestrator) enqueue(ctx context.Context, op model.OpType, logicalID string, dependsOn []string, payload any) (bool, string, error) {
	e, err := o.opt.Queue.Enqueue(ctx, op, logicalID, payload, dependsOn...)
	if err != nil {
		return false, "", fmt.Errorf("txn: %s %s committed locally but not queued: %w", op, logicalID, err)
	}
	return true, e.ID, nil
}

// finish writes the audit line and announces the transaction.
func (o *Orchestrator) finish(ctx context.Context, typ activity.Type, actor model.Actor, desc string, details any, res Result) {
	o.audit(ctx, typ, actor, desc, details)
	o.bus.Publish(events.Event{
		Kind:    events.TransactionCompleted,
		At:      o.clock.Now(),
		Payload: Completed{Type: string(typ), Result: res},
	})
}

func (o *Orchestrator) audit(ctx context.Context, typ activity.Type, actor model.Actor, desc string, details any) {
	if o.opt.Audit == nil {
		return
	}
	if _, err := o.opt.Audit.Record(ctx, activity.Entry{Type: typ, Actor: actor, Description: desc, Details: details}); err != nil {
		logger.C(ctx, o.log).Warn().Err(err).Msg("audit transaction")
	}
}

func (o *Orchestrator) money(d decimal.Decimal) string {
	if o.opt.Audit != nil {
		return o.opt.Audit.Money(d)
	}
	return d.StringFixed(model.MoneyPlaces)
}

// opContext tags ctx for logging.
func opContext(ctx context.Context, id string, actor model.Actor) context.Context {
	return logger.WithActor(logger.WithOp(ctx, id), actor.ID)
}

func today(t time.Time) string { return t.Format(time.DateOnly) }

// NetProfit summarizes the profit ledger over p.
func (o *Orchestrator) NetProfit(ctx context.Context, p ledger.Period) (model.ProfitSummary, error) {
	return o.opt.Ledger.Summary(ctx, p)
}

func (o *Orchestrator) describef(format string, args ...any) string {
	if o.opt.Audit != nil {
		return o.opt.Audit.Describef(format, args...)
	}
	return fmt.Sprintf(format, args...)
}
