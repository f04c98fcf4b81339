// Package netwatch probes the remote service and reports connectivity
// transitions. Regaining the backend kicks the sync queue; every successful
// probe counts as server contact for the offline protection gate.
package netwatch

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/logger"
)

const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Pinger is the probe target. remote.Service satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Notifier is woken when connectivity returns. *syncqueue.Queue satisfies it.
type Notifier interface {
	Notify()
}

// ContactRecorder is told about every successful probe. *gate.Gate
// satisfies it.
type ContactRecorder interface {
	RecordServerContact(ctx context.Context) error
}

// Options configures a Watcher.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Queue    Notifier
	Contact  ContactRecorder
	Events   events.Publisher
	Clock    clock.Clock
	Logger   *logger.Logger
}

// Status is the connectivity_changed payload.
type Status struct {
	Online    bool      `json:"online"`
	Since     time.Time `json:"since"`
	LastError string    `json:"lastError,omitempty"`
}

// Watcher tracks reachability of one Pinger.
type Watcher struct {
	target Pinger
	opt    Options
	clock  clock.Clock
	bus    events.Publisher
	log    *logger.Logger

	mu     sync.Mutex
	known  bool
	status Status
}

// New returns a Watcher that has not probed yet. Until the first probe it
// reports offline.
func New(target Pinger, opt Options) *Watcher {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	log := opt.Logger
	if log == nil {
		log = logger.Named("netwatch")
	}
	return &Watcher{target: target, opt: opt, clock: clock.Or(opt.Clock), bus: events.Or(opt.Events), log: log}
}

// Status returns the last observed connectivity.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Online reports the last observed connectivity.
func (w *Watcher) Online() bool { return w.Status().Online }

// Check probes once and reports whether the target answered.
func (w *Watcher) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, w.opt.Timeout)
	err := w.target.Ping(pctx)
	cancel()
	online := err == nil

	if online && w.opt.Contact != nil {
		if cerr := w.opt.Contact.RecordServerContact(ctx); cerr != nil {
			w.log.Warn().Err(cerr).Msg("record server contact")
		}
	}

	w.mu.Lock()
	changed := !w.known || w.status.Online != online
	w.known = true
	if changed {
		w.status.Online = online
		w.status.Since = w.clock.Now()
	}
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	st := w.status
	w.mu.Unlock()

	if !changed {
		return online
	}
	if online {
		w.log.Info().Msg("backend reachable")
		if w.opt.Queue != nil {
			w.opt.Queue.Notify()
		}
	} else {
		w.log.Warn().Err(err).Msg("backend unreachable")
	}
	w.bus.Publish(events.Event{Kind: events.ConnectivityChanged, At: st.Since, Payload: st})
	return online
}

// Run probes immediately and then every Interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opt.Interval)
	defer ticker.Stop()
	for {
		w.Check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
