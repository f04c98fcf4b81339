package syncqueue

import (
	"context"

	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/history"
	"github.com/roach88/tillsync/internal/lock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/remote"
)

// SyncNow drains the queue on the caller's goroutine. It returns
// ErrSyncInProgress when another drain is running.
func (q *Queue) SyncNow(ctx context.Context) (DrainResult, error) {
	return q.drain(ctx)
}

// drain is the single replay pass. Every trigger funnels here, and the
// sync_queue_worker lock keeps it single-flight.
func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	h, err := q.opt.Locks.TryAcquire(lock.SyncQueueWorker)
	if err != nil {
		if lock.IsBusy(err) {
			return res, ErrSyncInProgress
		}
		return res, err
	}
	defer func() {
		if rerr := q.opt.Locks.Release(h); rerr != nil {
			q.log.Warn().Err(rerr).Msg("release worker lock")
		}
	}()

	q.setProcessing(true)
	defer func() {
		now := q.clock.Now()
		q.mu.Lock()
		q.processing = false
		q.lastSync = &now
		q.mu.Unlock()
		q.publishStatus()
		q.bus.Publish(events.Event{Kind: events.SyncCompleted, At: now, Payload: res})
	}()

	if res.Purged, err = q.Purge(ctx); err != nil {
		return res, err
	}

	// held collects logical ids with a parked entry; later entries carrying
	// or depending on them wait.
	held := make(map[string]bool)
	for _, e := range q.Entries() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch e.Status {
		case StatusSynced:
			continue
		case StatusFailed:
			held[e.LogicalID] = true
			continue
		case StatusProcessing:
			// A drain that lost its lease is still replaying this entry.
			res.Blocked = true
			return res, nil
		}
		if e.heldBy(held) {
			held[e.LogicalID] = true
			continue
		}
		if !e.eligible(q.clock.Now()) {
			res.Blocked = true
			return res, nil
		}
		if rerr := q.opt.Locks.Renew(h); rerr != nil {
			q.log.Warn().Err(rerr).Msg("worker lock lost, stopping drain")
			return res, nil
		}

		outcome, err := q.replay(ctx, e)
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeSynced:
			res.Processed++
		case outcomeParked:
			res.Failed++
			held[e.LogicalID] = true
		case outcomeRetry:
			res.Retrying++
			return res, nil
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeSynced outcome = iota + 1
	outcomeRetry
	outcomeParked
)

// replay runs one attempt. The returned error is a persistence failure;
// handler failures are folded into the outcome.
func (q *Queue) replay(ctx context.Context, e Entry) (outcome, error) {
	log := logger.C(logger.WithOp(ctx, e.LogicalID), q.log)

	q.mu.Lock()
	h := q.handlers[e.OpType]
	q.mu.Unlock()

	now := q.clock.Now()
	e.Status = StatusProcessing
	e.Attempts++
	e.LastAttemptAt = &now
	if err := q.save(ctx, e); err != nil {
		return 0, err
	}
	q.updateHistory(ctx, e, history.StatusSyncing, "")
	q.publishStatus()

	var herr error
	if h == nil {
		herr = &Error{Code: ErrCodeNoHandler, Message: "no handler for " + string(e.OpType), EntryID: e.ID}
	} else {
		hctx, cancel := context.WithTimeout(ctx, q.opt.Timeout)
		herr = h(hctx, e)
		cancel()
	}

	now = q.clock.Now()
	if herr == nil {
		e.Status = StatusSynced
		e.SyncedAt = &now
		e.LastError = ""
		e.NextAttemptAt = nil
		if err := q.save(ctx, e); err != nil {
			return 0, err
		}
		log.Info().Str("entry", e.ID).Str("op", string(e.OpType)).Uint32("attempts", e.Attempts).Msg("synced")
		q.updateHistory(ctx, e, history.StatusSynced, "")
		q.reportContact(ctx)
		q.publishStatus()
		return outcomeSynced, nil
	}

	e.LastError = herr.Error()
	permanent := remote.IsPermanent(herr) || IsBadPayload(herr) || IsNoHandler(herr)
	if permanent || e.attemptsSinceRetry() >= q.opt.MaxAttempts {
		e.Status = StatusFailed
		e.NextAttemptAt = nil
		if err := q.save(ctx, e); err != nil {
			return 0, err
		}
		log.Error().Err(herr).Str("entry", e.ID).Str("op", string(e.OpType)).
			Uint32("attempts", e.Attempts).Bool("permanent", permanent).Msg("entry parked as failed")
		q.updateHistory(ctx, e, history.StatusFailed, e.LastError)
		q.publishStatus()
		return outcomeParked, nil
	}

	wait := q.policy.delay(e.attemptsSinceRetry())
	next := now.Add(wait)
	e.Status = StatusPending
	e.NextAttemptAt = &next
	if err := q.save(ctx, e); err != nil {
		return 0, err
	}
	log.Warn().Err(herr).Str("entry", e.ID).Str("op", string(e.OpType)).
		Uint32("attempts", e.Attempts).Dur("backoff", wait).Msg("replay failed, backing off")
	q.updateHistory(ctx, e, history.StatusPending, e.LastError)
	q.publishStatus()
	return outcomeRetry, nil
}

func (q *Queue) setProcessing(v bool) {
	q.mu.Lock()
	q.processing = v
	q.mu.Unlock()
	q.publishStatus()
}

func (q *Queue) reportContact(ctx context.Context) {
	if q.opt.Contact == nil {
		return
	}
	if err := q.opt.Contact.RecordServerContact(ctx); err != nil {
		q.log.Warn().Err(err).Msg("record server contact")
	}
}
