package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T) (*Ledger, *store.Store, *testutil.FakeClock) {
	t.Helper()
	st := testutil.OpenStore(t)
	clk := testutil.NewFakeClock(time.Time{})
	l := New(st, Options{Clock: clk, IDs: ids.NewSequential("shift"), Logger: logger.Nop()})
	require.NoError(t, l.PutProducts(context.Background(),
		model.Product{ID: "p1", Name: "Tea", Stock: d("10"), CostPrice: d("1.50"), Price: d("4")},
		model.Product{ID: "p2", Name: "Milk", Stock: d("2"), CostPrice: d("0.80"), Price: d("1.25")},
	))
	return l, st, clk
}

func TestPutProducts_RefreshesCache(t *testing.T) {
	l, st, _ := newTestLedger(t)
	ctx := context.Background()

	products, err := l.Products(ctx)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "p1", products[0].ID)

	raw, err := st.Get(ctx, NSProductCache, "catalog")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"count":2`)
}

func TestShortages(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	short, err := l.Shortages(ctx, []model.LineItem{
		{ProductID: "p1", Quantity: d("4")},
		{ProductID: "p2", Quantity: d("1")},
		{ProductID: "p2", Quantity: d("2")},
		{ProductID: "ghost", ProductName: "Ghost", Quantity: d("1")},
	})
	require.NoError(t, err)
	require.Len(t, short, 2)
	assert.Equal(t, "p2", short[0].ProductID)
	assert.True(t, short[0].Available.Equal(d("2")))
	assert.True(t, short[0].Requested.Equal(d("3")))
	assert.Equal(t, "Ghost", short[1].ProductName)
	assert.True(t, short[1].Available.IsZero())
}

func TestApply_SaleAutoOpensShift(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CurrentShift(ctx)
	require.ErrorIs(t, err, ErrNoShift)

	err = l.Apply(ctx, Mutation{
		Stock:   []StockDelta{{ProductID: "p1", Delta: d("-2")}, {ProductID: "p1", Delta: d("-1")}},
		Cash:    CashDelta{Sales: d("12")},
		Profit:  &model.ProfitRecord{ID: "pr-1", SaleID: "inv-1", Date: "2025-01-15", GrossProfit: d("7.50"), COGS: d("4.50"), SaleTotal: d("12")},
		Invoice: &model.Invoice{ID: "inv-1", Kind: model.InvoiceCash, Total: d("12")},
	})
	require.NoError(t, err)

	p, err := l.Product(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Stock.Equal(d("7")))

	s, err := l.CurrentShift(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shift-1", s.ID)
	assert.True(t, s.OpeningCash.IsZero())
	assert.True(t, s.ExpectedCash().Equal(d("12")))

	pr, err := l.ProfitForSale(ctx, "inv-1")
	require.NoError(t, err)
	assert.True(t, pr.GrossProfit.Equal(d("7.50")))

	inv, err := l.Invoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceCash, inv.Kind)
}

func TestApply_NegativeStockRejectsEverything(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	err := l.Apply(ctx, Mutation{
		Stock:   []StockDelta{{ProductID: "p1", Delta: d("-1")}, {ProductID: "p2", Delta: d("-5")}},
		Cash:    CashDelta{Sales: d("10")},
		Invoice: &model.Invoice{ID: "inv-x"},
	})
	var se *StockError
	require.ErrorAs(t, err, &se)
	require.Len(t, se.Shortages, 1)
	assert.Equal(t, "p2", se.Shortages[0].ProductID)
	assert.True(t, se.Shortages[0].Requested.Equal(d("5")))

	p, err := l.Product(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Stock.Equal(d("10")), "no partial application")
	_, err = l.Invoice(ctx, "inv-x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.CurrentShift(ctx)
	assert.ErrorIs(t, err, ErrNoShift)
}

func TestApply_CustomerDeltaCreatesAndAccumulates(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	now := clk.Now()

	require.NoError(t, l.Apply(ctx, Mutation{Customer: &CustomerDelta{ID: "c1", Purchases: d("30"), Balance: d("30"), Invoices: 1, PurchasedAt: &now}}))
	require.NoError(t, l.Apply(ctx, Mutation{Customer: &CustomerDelta{ID: "c1", Balance: d("-10.005")}}))

	c, err := l.Customer(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.TotalPurchases.Equal(d("30")))
	assert.True(t, c.Balance.Equal(d("20")), "19.995 rounds half away from zero: %s", c.Balance)
	assert.Equal(t, 1, c.InvoiceCount)
	require.NotNil(t, c.LastPurchase)
	assert.True(t, c.LastPurchase.Equal(now))

	require.NoError(t, l.Apply(ctx, Mutation{Customer: &CustomerDelta{ID: "c1", Invoices: -3}}))
	c, err = l.Customer(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, c.InvoiceCount)
}

func TestShiftLifecycle(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()

	s, err := l.OpenShift(ctx, d("100"))
	require.NoError(t, err)
	_, err = l.OpenShift(ctx, d("5"))
	require.ErrorIs(t, err, ErrShiftOpen)

	require.NoError(t, l.Apply(ctx, Mutation{Cash: CashDelta{Deposits: d("20"), Withdrawals: d("15.50")}}))
	require.NoError(t, l.Apply(ctx, Mutation{Cash: CashDelta{Sales: d("45"), Expenses: d("4.50")}}))

	cur, err := l.CurrentShift(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.ID, cur.ID)
	assert.True(t, cur.ExpectedCash().Equal(d("145")), "expected %s", cur.ExpectedCash())

	clk.Advance(8 * time.Hour)
	closed, err := l.CloseShift(ctx, d("144"))
	require.NoError(t, err)
	assert.Equal(t, model.ShiftClosed, closed.Status)
	require.NotNil(t, closed.ClosingCash)
	assert.True(t, closed.ClosingCash.Equal(d("144")))

	_, err = l.CloseShift(ctx, d("0"))
	assert.ErrorIs(t, err, ErrNoShift)

	archived, err := l.ClosedShifts(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, s.ID, archived[0].ID)
}

func TestSummary(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Apply(ctx, Mutation{Profit: &model.ProfitRecord{ID: "a", SaleID: "s1", Date: "2025-01-14", SaleTotal: d("80"), COGS: d("30"), GrossProfit: d("50")}}))
	require.NoError(t, l.Apply(ctx, Mutation{Profit: &model.ProfitRecord{ID: "b", SaleID: "s2", Date: "2025-01-15", SaleTotal: d("20"), COGS: d("10"), GrossProfit: d("10")}}))
	require.NoError(t, l.Apply(ctx, Mutation{OperatingExpense: &model.OperatingExpenseRecord{ID: "o", ExpenseID: "e1", Date: "2025-01-15", Amount: d("15")}}))

	all, err := l.Summary(ctx, Period{})
	require.NoError(t, err)
	assert.True(t, all.TotalSales.Equal(d("100")))
	assert.True(t, all.TotalGrossProfit.Equal(d("60")))
	assert.True(t, all.TotalOperatingExpenses.Equal(d("15")))
	assert.True(t, all.NetProfit.Equal(d("45")))
	assert.True(t, all.ProfitMargin.Equal(d("45")))

	day, err := l.Summary(ctx, Period{From: "2025-01-15", To: "2025-01-15"})
	require.NoError(t, err)
	assert.True(t, day.TotalSales.Equal(d("20")))
	assert.True(t, day.NetProfit.Equal(d("-5")))

	require.NoError(t, l.Apply(ctx, Mutation{DeleteProfitForSale: "s1"}))
	_, err = l.ProfitForSale(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := l.Summary(ctx, Period{From: "2030-01-01"})
	require.NoError(t, err)
	assert.True(t, empty.ProfitMargin.IsZero())
}
