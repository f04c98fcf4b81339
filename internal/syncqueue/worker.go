package syncqueue

import (
	"context"
	"errors"
	"time"
)

// Start launches the replay worker. It drains once immediately, then on
// every Notify and every Interval until ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.running {
		return ErrAlreadyRunning
	}

	wctx, cancel := context.WithCancel(ctx)
	q.running = true
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(wctx, q.done)
	q.Notify()
	return nil
}

// Stop cancels the worker and waits for it to exit. Safe to call when not
// running.
func (q *Queue) Stop() {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return
	}
	cancel, done := q.cancel, q.done
	q.running = false
	q.cancel = nil
	q.runMu.Unlock()

	cancel()
	<-done
}

// Running reports whether the worker goroutine is active.
func (q *Queue) Running() bool {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	return q.running
}

// Notify wakes the worker, e.g. when connectivity returns. Multiple
// notifications before the worker wakes coalesce into one drain.
func (q *Queue) Notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.opt.Interval)
	defer ticker.Stop()

	q.log.Info().Dur("interval", q.opt.Interval).Msg("replay worker started")
	defer q.log.Info().Msg("replay worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		case <-ticker.C:
		}

		res, err := q.drain(ctx)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			// a manual SyncNow is already draining
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			q.log.Error().Err(err).Msg("drain failed")
		case res.Processed+res.Failed+res.Retrying > 0:
			q.log.Info().Int("processed", res.Processed).Int("failed", res.Failed).
				Int("retrying", res.Retrying).Msg("drain finished")
		}
	}
}
