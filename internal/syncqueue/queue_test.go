package syncqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/history"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/lock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/securestore"
	"github.com/roach88/tillsync/internal/testutil"
)

type contactCounter struct{ n atomic.Int32 }

func (c *contactCounter) RecordServerContact(context.Context) error {
	c.n.Add(1)
	return nil
}

type fixture struct {
	q       *Queue
	opt     Options
	clk     *testutil.FakeClock
	remote  *testutil.FakeRemote
	rec     *events.Recorder
	hist    *history.Log
	locks   *lock.Manager
	sec     *securestore.Store
	contact *contactCounter
}

func newFixture(t *testing.T, mutate func(*Options)) fixture {
	t.Helper()
	ctx := context.Background()
	clk := testutil.NewFakeClock(time.Time{})
	sec, err := securestore.New(ctx, testutil.OpenStore(t), securestore.Options{Clock: clk, Logger: logger.Nop()})
	require.NoError(t, err)

	rec := &events.Recorder{}
	hist := history.New(sec, history.Options{Clock: clk, Events: rec, Logger: logger.Nop()})
	locks := lock.NewManager(lock.Options{Clock: clk, Logger: logger.Nop()})
	contact := &contactCounter{}

	opt := Options{
		Clock:   clk,
		IDs:     ids.NewSequential("q"),
		Locks:   locks,
		Events:  rec,
		History: hist,
		Contact: contact,
		Logger:  logger.Nop(),
	}
	if mutate != nil {
		mutate(&opt)
	}
	q, err := New(ctx, sec, opt)
	require.NoError(t, err)

	fr := testutil.NewFakeRemote()
	q.RegisterRemote(fr)

	return fixture{q: q, opt: opt, clk: clk, remote: fr, rec: rec, hist: hist, locks: locks, sec: sec, contact: contact}
}

func sale(id string) model.SalePush {
	return model.SalePush{Invoice: model.Invoice{ID: id, Kind: model.InvoiceCash}}
}

func enqueueSales(t *testing.T, q *Queue, logicalIDs ...string) []Entry {
	t.Helper()
	out := make([]Entry, 0, len(logicalIDs))
	for _, id := range logicalIDs {
		e, err := q.Enqueue(context.Background(), model.OpInvoiceCreate, id, sale(id))
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestEnqueue_PersistsPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e, err := f.q.Enqueue(ctx, model.OpInvoiceCreate, "inv-1", sale("inv-1"))
	require.NoError(t, err)

	assert.Equal(t, "q-1", e.ID)
	assert.Equal(t, int64(1), e.Seq)
	assert.Equal(t, StatusPending, e.Status)
	assert.Zero(t, e.Attempts)
	assert.Equal(t, testutil.Epoch, e.CreatedAt)

	st := f.q.Status()
	assert.Equal(t, 1, st.PendingCount)
	assert.False(t, st.IsProcessing)

	var decoded model.SalePush
	require.NoError(t, e.Decode(&decoded))
	assert.Equal(t, "inv-1", decoded.Invoice.ID)

	rows, err := f.hist.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "inv-1", rows[0].ID)
	assert.Equal(t, history.StatusPending, rows[0].Status)

	assert.Positive(t, f.rec.Count(events.QueueStatusChanged))
	assert.Empty(t, f.remote.Calls(), "enqueue never touches the remote")
}

func TestNew_ReloadsAndResumesSequence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	enqueueSales(t, f.q, "a", "b")

	q2, err := New(ctx, f.sec, f.opt)
	require.NoError(t, err)

	got := q2.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].LogicalID)
	assert.Equal(t, "b", got[1].LogicalID)

	e, err := q2.Enqueue(ctx, model.OpExpense, "ex-1", model.ExpensePush{Expense: model.Expense{ID: "ex-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Seq)
}

func TestNew_ResetsInterruptedEntries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	e := enqueueSales(t, f.q, "a")[0]

	e.Status = StatusProcessing
	e.Attempts = 1
	require.NoError(t, f.sec.Put(ctx, namespace, seqKey(e.Seq), e, 0))

	q2, err := New(ctx, f.sec, f.opt)
	require.NoError(t, err)
	got, err := q2.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, uint32(1), got.Attempts)
}

func TestNew_RequiresLockManager(t *testing.T) {
	f := newFixture(t, nil)
	_, err := New(context.Background(), f.sec, Options{})
	assert.Error(t, err)
}

func TestSyncNow_FIFOWithRetries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	enqueueSales(t, f.q, "A", "B", "C")
	f.remote.FailNext(2, nil)

	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Retrying: 1}, res)

	res, err = f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.True(t, res.Blocked, "head entry is still backing off")
	assert.Equal(t, []string{"A"}, f.remote.CallIDs())

	f.clk.Advance(2 * time.Second)
	res, err = f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	a, err := f.q.Get("q-1")
	require.NoError(t, err)
	require.NotNil(t, a.NextAttemptAt)
	assert.Equal(t, f.clk.Now().Add(4*time.Second), *a.NextAttemptAt)

	f.clk.Advance(4 * time.Second)
	res, err = f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)

	assert.Equal(t, []string{"A", "A", "A", "B", "C"}, f.remote.CallIDs())
	assert.Equal(t, []string{"A", "B", "C"}, f.remote.Applied(model.OpInvoiceCreate))

	a, err = f.q.Get("q-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, a.Status)
	assert.Equal(t, uint32(3), a.Attempts)
	assert.Empty(t, a.LastError)
	assert.Equal(t, int32(3), f.contact.n.Load())
}

func TestSyncNow_ParksAfterCeilingAndContinues(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxAttempts = 3 })
	ctx := context.Background()
	enqueueSales(t, f.q, "A", "B")
	f.remote.FailNext(3, nil)

	for i := 0; i < 2; i++ {
		res, err := f.q.SyncNow(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Retrying)
		f.clk.Advance(10 * time.Minute)
	}

	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 1, Failed: 1}, res)

	failed := f.q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "A", failed[0].LogicalID)
	assert.Equal(t, uint32(3), failed[0].Attempts)
	assert.Contains(t, failed[0].LastError, "unavailable")

	st := f.q.Status()
	assert.Equal(t, 1, st.FailedCount)
	assert.Equal(t, 0, st.PendingCount)
	require.NotNil(t, st.LastSyncTime)

	rows, err := f.hist.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, history.StatusFailed, rows[0].Status)
	assert.NotEmpty(t, rows[0].Error)
	assert.Equal(t, history.StatusSynced, rows[1].Status)
}

func TestSyncNow_PermanentRejectionParksImmediately(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	enqueueSales(t, f.q, "A")
	f.remote.FailNext(1, remote.ErrRejected)

	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	a, err := f.q.Get("q-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, uint32(1), a.Attempts)
}

func TestSyncNow_HoldsEntriesBehindParkedLogicalID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var calls []string
	f.q.Register(model.OpStockUpdate, func(_ context.Context, e Entry) error {
		calls = append(calls, e.ID)
		if e.ID == "q-1" {
			return remote.ErrRejected
		}
		return nil
	})
	_, err := f.q.Enqueue(ctx, model.OpStockUpdate, "p1", map[string]int{"delta": -1})
	require.NoError(t, err)
	_, err = f.q.Enqueue(ctx, model.OpStockUpdate, "p1", map[string]int{"delta": -2})
	require.NoError(t, err)
	_, err = f.q.Enqueue(ctx, model.OpStockUpdate, "p2", map[string]int{"delta": -3})
	require.NoError(t, err)

	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 1, Failed: 1}, res)
	assert.Equal(t, []string{"q-1", "q-3"}, calls)

	held, err := f.q.Get("q-2")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, held.Status)
	assert.Zero(t, held.Attempts)
}

func TestSyncNow_UnknownOpTypeParks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.q.Enqueue(ctx, model.OpProfitRecord, "pr-1", map[string]string{})
	require.NoError(t, err)

	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, f.q.Failed()[0].LastError, string(ErrCodeNoHandler))
}

func TestSyncNow_BadPayloadParks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.q.Enqueue(ctx, model.OpInvoiceCreate, "x", []int{1, 2})
	require.NoError(t, err)

	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, f.q.Failed()[0].LastError, string(ErrCodeBadPayload))
}

func TestSyncNow_SingleFlight(t *testing.T) {
	f := newFixture(t, nil)
	h, err := f.locks.TryAcquire(lock.SyncQueueWorker)
	require.NoError(t, err)

	_, err = f.q.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	require.NoError(t, f.locks.Release(h))
	_, err = f.q.SyncNow(context.Background())
	assert.NoError(t, err)
}

func TestSyncNow_TakenOverDrainSkipsInFlightEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	enqueueSales(t, f.q, "A", "B")

	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	var calls, inflight, maxInflight atomic.Int32
	f.q.Register(model.OpInvoiceCreate, func(_ context.Context, e Entry) error {
		calls.Add(1)
		n := inflight.Add(1)
		defer inflight.Add(-1)
		if n > maxInflight.Load() {
			maxInflight.Store(n)
		}
		if e.LogicalID == "A" {
			once.Do(func() { close(started) })
			<-unblock
		}
		return nil
	})

	type drained struct {
		res DrainResult
		err error
	}
	first := make(chan drained, 1)
	go func() {
		res, err := f.q.SyncNow(ctx)
		first <- drained{res, err}
	}()
	<-started

	// The first drain's lease runs out while its remote call hangs.
	f.clk.Advance(lock.DefaultTTL + time.Second)
	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Zero(t, res.Processed)
	assert.Equal(t, int32(1), calls.Load())

	close(unblock)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, 1, got.res.Processed, "the first drain stops once its lease is gone")
	assert.Equal(t, int32(1), maxInflight.Load())

	res, err = f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSyncNow_HandlerDeadlineBelowLockTTL(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Timeout = time.Hour })
	assert.Equal(t, lock.DefaultTTL/2, f.q.opt.Timeout)

	f = newFixture(t, func(o *Options) { o.Timeout = 20 * time.Millisecond })
	ctx := context.Background()
	enqueueSales(t, f.q, "A")

	f.q.Register(model.OpInvoiceCreate, func(ctx context.Context, _ Entry) error {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		<-ctx.Done()
		return ctx.Err()
	})
	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	e, err := f.q.Get("q-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Contains(t, e.LastError, "deadline exceeded")
}

func TestSyncNow_HoldsDependentsOfParkedEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.remote.FailNext(1, remote.ErrRejected)

	enqueueSales(t, f.q, "inv-1")
	ref, err := f.q.Enqueue(ctx, model.OpRefund, "ref-1",
		model.RefundPush{Refund: model.Refund{ID: "ref-1", SaleID: "inv-1"}}, "inv-1")
	require.NoError(t, err)
	enqueueSales(t, f.q, "inv-2")

	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 1, Failed: 1}, res)
	assert.Equal(t, []string{"inv-1", "inv-2"}, f.remote.CallIDs())

	held, err := f.q.Get(ref.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, held.Status)
	assert.Equal(t, []string{"inv-1"}, held.DependsOn)

	n, err := f.q.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	res, err = f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []string{"ref-1"}, f.remote.Applied(model.OpRefund))
}

func TestBacklog(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.q.Backlog())

	enqueueSales(t, f.q, "A")
	assert.True(t, f.q.Backlog())

	_, err := f.q.SyncNow(context.Background())
	require.NoError(t, err)
	assert.False(t, f.q.Backlog(), "synced entries awaiting purge are not a backlog")
}

func TestSyncNow_PublishesEvents(t *testing.T) {
	f := newFixture(t, nil)
	enqueueSales(t, f.q, "A")

	_, err := f.q.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.rec.Count(events.SyncCompleted))
	assert.Positive(t, f.rec.Count(events.HistoryChanged))
	assert.False(t, f.q.Status().IsProcessing)
}

func TestPurge_AfterGrace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	enqueueSales(t, f.q, "A")

	_, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.q.Status().SyncedCount)

	n, err := f.q.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clk.Advance(DefaultGrace)
	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	assert.Empty(t, f.q.Entries())

	keys, err := f.sec.Keys(ctx, namespace)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRetryFailed_ResetsBudget(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxAttempts = 1 })
	ctx := context.Background()
	enqueueSales(t, f.q, "A")
	f.remote.SetOnline(false)

	_, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	require.Len(t, f.q.Failed(), 1)

	n, err := f.q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := f.q.Get("q-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, uint32(1), a.Attempts, "attempts never decrease")
	assert.Equal(t, uint32(1), a.RetryBase)
	assert.Empty(t, a.LastError)

	f.remote.SetOnline(true)
	res, err := f.q.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	a, err = f.q.Get("q-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), a.Attempts)
}

func TestEnqueueUnique(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e1, created, err := f.q.EnqueueUnique(ctx, model.OpInvoiceCreate, "A", sale("A"))
	require.NoError(t, err)
	assert.True(t, created)

	e2, created, err := f.q.EnqueueUnique(ctx, model.OpInvoiceCreate, "A", sale("A"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e1.ID, e2.ID)

	_, created, err = f.q.EnqueueUnique(ctx, model.OpRefund, "A", model.RefundPush{})
	require.NoError(t, err)
	assert.True(t, created, "different op type is a different operation")
	assert.Len(t, f.q.Entries(), 2)
}

func TestDiscardAndClear(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	enqueueSales(t, f.q, "A", "B", "C")

	require.NoError(t, f.q.Discard(ctx, "q-2"))
	err := f.q.Discard(ctx, "q-2")
	assert.True(t, IsNotFound(err))

	_, err = f.q.Get("missing")
	assert.True(t, IsNotFound(err))

	got := f.q.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].LogicalID)
	assert.Equal(t, "C", got[1].LogicalID)

	require.NoError(t, f.q.Clear(ctx))
	assert.Empty(t, f.q.Entries())
	keys, err := f.sec.Keys(ctx, namespace)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWorker_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	enqueueSales(t, f.q, "A")

	require.NoError(t, f.q.Start(ctx))
	assert.ErrorIs(t, f.q.Start(ctx), ErrAlreadyRunning)
	assert.True(t, f.q.Running())

	require.Eventually(t, func() bool {
		return len(f.remote.Applied(model.OpInvoiceCreate)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	enqueueSales(t, f.q, "B")
	f.q.Notify()
	require.Eventually(t, func() bool {
		return len(f.remote.Applied(model.OpInvoiceCreate)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	f.q.Stop()
	assert.False(t, f.q.Running())
	f.q.Stop()
}

func TestWorker_StopsWithContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.q.Start(ctx))
	cancel()
	f.q.Stop()
	assert.False(t, f.q.Running())
}

func TestBackoffPolicy(t *testing.T) {
	p := backoffPolicy{initial: 2 * time.Second, max: 5 * time.Minute}
	assert.Equal(t, 2*time.Second, p.delay(1))
	assert.Equal(t, 4*time.Second, p.delay(2))
	assert.Equal(t, 8*time.Second, p.delay(3))
	assert.Equal(t, 256*time.Second, p.delay(8))
	assert.Equal(t, 5*time.Minute, p.delay(9))
	assert.Equal(t, 5*time.Minute, p.delay(40))
}

func TestErrorHelpers(t *testing.T) {
	err := &Error{Code: ErrCodeNoHandler, Message: "x", EntryID: "q-1"}
	assert.True(t, IsNoHandler(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, "NO_HANDLER: x (entry=q-1)", err.Error())
	assert.False(t, IsBadPayload(errors.New("plain")))
}
