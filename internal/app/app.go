// Package app assembles the sync engine from configuration: local store,
// secure store, queue, gate, ledger, orchestrator and the background loops.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/activity"
	"github.com/roach88/tillsync/internal/api"
	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/gate"
	"github.com/roach88/tillsync/internal/history"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/lock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/netwatch"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/pg"
	"github.com/roach88/tillsync/internal/securestore"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/syncqueue"
	"github.com/roach88/tillsync/internal/txn"
)

// Deps are the process-level collaborators. Only Config is required; the
// rest default to the production implementations.
type Deps struct {
	Config *config.Config
	Clock  clock.Clock
	IDs    ids.Generator
	// Remote overrides the backend built from Config.Remote.
	Remote remote.Service
	// Events receives every published event in addition to the App bus.
	Events events.Publisher
	Logger *logger.Logger
}

// App is the wired engine.
type App struct {
	Config   *config.Config
	Store    *store.Store
	Secure   *securestore.Store
	Bus      *events.Bus
	Locks    *lock.Manager
	History  *history.Log
	Queue    *syncqueue.Queue
	Gate     *gate.Gate
	Ledger   *ledger.Ledger
	Activity *activity.Log
	Remote   remote.Service
	Txn      *txn.Orchestrator
	Watcher  *netwatch.Watcher

	log  *logger.Logger
	lazy *pg.Lazy
}

// Open builds every component over the database in d.Config.DB. The queue
// worker and the periodic loops are not started; see Run.
func Open(ctx context.Context, d Deps) (*App, error) {
	if d.Config == nil {
		return nil, errors.New("app: config is required")
	}
	cfg := d.Config
	log := d.Logger
	if log == nil {
		log = logger.Named("app")
	}
	clk := clock.Or(d.Clock)
	gen := ids.Or(d.IDs)

	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, Store: st, Bus: events.New(), log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var bus events.Publisher = a.Bus
	if d.Events != nil {
		bus = events.Fanout(a.Bus, d.Events)
	}

	if a.Secure, err = securestore.New(ctx, st, securestore.Options{Clock: clk}); err != nil {
		return nil, fmt.Errorf("open secure store: %w", err)
	}
	a.Activity = activity.New(st, activity.Options{Clock: clk})
	a.Locks = lock.NewManager(lock.Options{TTL: cfg.Lock.TTL, Clock: clk, IDs: gen})
	a.History = history.New(a.Secure, history.Options{
		Clock:           clk,
		Events:          bus,
		CleanupInterval: cfg.History.CleanupInterval,
	})
	a.Gate, err = gate.New(ctx, st, a.Secure, gate.Options{
		Clock:     clk,
		Events:    bus,
		Audit:     a.Activity,
		Locks:     a.Locks,
		WarnAfter: cfg.Gate.WarnAfter(),
		LockAfter: cfg.Gate.LockAfter(),
		Interval:  cfg.Gate.CheckInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("open gate: %w", err)
	}
	a.Queue, err = syncqueue.New(ctx, a.Secure, syncqueue.Options{
		Clock:          clk,
		IDs:            gen,
		Locks:          a.Locks,
		Events:         bus,
		History:        a.History,
		Contact:        a.Gate,
		MaxAttempts:    uint32(cfg.Queue.MaxAttempts),
		BackoffInitial: cfg.Queue.BackoffInitial,
		BackoffMax:     cfg.Queue.BackoffMax,
		Grace:          cfg.Queue.Grace,
		Interval:       cfg.Queue.Interval,
		Timeout:        cfg.Remote.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	a.Remote = d.Remote
	if a.Remote == nil {
		a.Remote = a.backend()
	}
	a.Queue.RegisterRemote(a.Remote)

	a.Ledger = ledger.New(st, ledger.Options{Clock: clk, IDs: gen})
	a.Txn, err = txn.New(txn.Options{
		Ledger:        a.Ledger,
		Locks:         a.Locks,
		Remote:        a.Remote,
		Queue:         a.Queue,
		Gate:          a.Gate,
		Audit:         a.Activity,
		Events:        bus,
		Clock:         clk,
		IDs:           gen,
		RemoteTimeout: cfg.Remote.Timeout,
	})
	if err != nil {
		return nil, err
	}
	a.Watcher = netwatch.New(a.Remote, netwatch.Options{
		Interval: cfg.Netwatch.Interval,
		Timeout:  cfg.Netwatch.Timeout,
		Queue:    a.Queue,
		Contact:  a.Gate,
		Events:   bus,
		Clock:    clk,
	})

	// A device that sat unused past the lock threshold is sealed before
	// anything can read it.
	if _, err := a.Gate.CheckAndEnforce(ctx); err != nil {
		log.Warn().Err(err).Msg("startup protection check")
	}
	ok = true
	return a, nil
}

func (a *App) backend() remote.Service {
	r := a.Config.Remote
	if r.URL == "" {
		a.log.Info().Msg("no backend configured, running offline")
		return remote.Offline{}
	}
	a.lazy = pg.NewLazy(pg.Config{
		URL:       r.URL,
		MaxConns:  int32(r.MaxConns),
		SlowQuery: r.SlowQuery,
		LogSQL:    r.LogSQL,
	}, nil)
	return a.lazy
}

// API builds the local HTTP server over the App.
func (a *App) API() *api.Server {
	return api.New(api.Options{
		Addr:         a.Config.API.Addr,
		CORSOrigins:  a.Config.API.CORSOrigins,
		Queue:        a.Queue,
		History:      a.History,
		Protection:   a.Gate,
		Transactions: a.Txn,
		Activity:     a.Activity,
		Connectivity: a.Watcher,
		Storage:      a.Store,
	})
}

// Close stops the worker and releases the backend pool and database.
func (a *App) Close() error {
	if a.Queue != nil {
		a.Queue.Stop()
	}
	if a.lazy != nil {
		a.lazy.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
