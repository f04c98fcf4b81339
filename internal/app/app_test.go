package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/gate"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/testutil"
	"github.com/roach88/tillsync/internal/txn"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DB = filepath.Join(t.TempDir(), "till.db")
	return cfg
}

func sale() txn.SaleRequest {
	return txn.SaleRequest{Items: []model.LineItem{{
		ProductID: "p1",
		Quantity:  decimal.NewFromInt(2),
		Price:     decimal.NewFromInt(25),
		CostPrice: decimal.NewFromInt(10),
	}}}
}

func TestOpen_RequiresConfig(t *testing.T) {
	_, err := Open(context.Background(), Deps{})
	require.Error(t, err)
}

func TestOpen_OfflineWithoutRemoteURL(t *testing.T) {
	a, err := Open(context.Background(), Deps{Config: testConfig(t)})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, remote.Offline{}, a.Remote)
	assert.Equal(t, gate.StateFresh, a.Gate.State())
}

func TestQueuedSaleSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	clk := testutil.NewFakeClock(time.Time{})
	fr := testutil.NewFakeRemote()
	fr.SetOnline(false)
	rec := &events.Recorder{}

	a, err := Open(ctx, Deps{Config: cfg, Clock: clk, IDs: ids.NewSequential("a"), Remote: fr, Events: rec})
	require.NoError(t, err)
	require.NoError(t, a.Ledger.PutProducts(ctx, model.Product{
		ID: "p1", Name: "Tea", Stock: decimal.NewFromInt(10),
		CostPrice: decimal.NewFromInt(10), Price: decimal.NewFromInt(25),
	}))

	res, err := a.Txn.CashSale(ctx, sale())
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, a.Queue.Status().PendingCount)
	assert.Equal(t, 1, rec.Count(events.TransactionCompleted))
	require.NoError(t, a.Close())

	fr.SetOnline(true)
	b, err := Open(ctx, Deps{Config: cfg, Clock: clk, IDs: ids.NewSequential("b"), Remote: fr})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 1, b.Queue.Status().PendingCount)
	p, err := b.Ledger.Product(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Stock.Equal(decimal.NewFromInt(8)))

	out, err := b.Queue.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, []string{res.InvoiceID}, fr.Applied(model.OpInvoiceCreate))
}

func TestRun_StopsOnCancel(t *testing.T) {
	fr := testutil.NewFakeRemote()
	a, err := Open(context.Background(), Deps{Config: testConfig(t), Remote: fr})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, RunOptions{}) }()

	require.Eventually(t, func() bool { return a.Watcher.Online() }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.Queue.Running())
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, a.Queue.Running())
}
