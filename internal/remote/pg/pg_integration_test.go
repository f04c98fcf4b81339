//go:build integration_pg
// +build integration_pg

package pg

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
)

func startPostgres(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "tillsync",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
		cancel()
	})

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/tillsync?sslmode=disable", host, mapped.Port())
}

func openClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	c, err := Open(ctx, Config{URL: startPostgres(t), SlowQuery: time.Second}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.Migrate(ctx))
	require.NoError(t, c.Migrate(ctx), "migrate is idempotent")
	return c
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPush_Idempotent_Integration(t *testing.T) {
	c := openClient(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

	sale := model.SalePush{
		Invoice: model.Invoice{
			ID:   "inv-1",
			Kind: model.InvoiceDebt,
			Items: []model.LineItem{
				{ProductID: "p1", Quantity: d("2"), Price: d("40"), CostPrice: d("15")},
			},
			Total:       d("80"),
			COGS:        d("30"),
			GrossProfit: d("50"),
			CustomerID:  "c1",
			CreatedAt:   now,
		},
		Profit: model.ProfitRecord{
			ID: "pr-1", SaleID: "inv-1", Date: "2025-01-15",
			GrossProfit: d("50"), COGS: d("30"), SaleTotal: d("80"), CreatedAt: now,
		},
	}

	require.NoError(t, c.PushSale(ctx, sale))
	require.NoError(t, c.PushSale(ctx, sale), "replay must be a no-op")

	var stock, balance, purchases decimal.Decimal
	var invoices, profits int
	require.NoError(t, c.pool.QueryRow(ctx, `SELECT stock::text FROM products WHERE id = 'p1'`).Scan(&stock))
	require.NoError(t, c.pool.QueryRow(ctx, `SELECT balance::text, total_purchases::text, invoice_count FROM customers WHERE id = 'c1'`).Scan(&balance, &purchases, &invoices))
	require.NoError(t, c.pool.QueryRow(ctx, `SELECT count(*) FROM profit_records`).Scan(&profits))
	assert.True(t, stock.Equal(d("-2")), "stock %s", stock)
	assert.True(t, balance.Equal(d("80")), "balance %s", balance)
	assert.True(t, purchases.Equal(d("80")), "purchases %s", purchases)
	assert.Equal(t, 1, invoices)
	assert.Equal(t, 1, profits)

	refund := model.RefundPush{Refund: model.Refund{
		ID: "rf-1", SaleID: "inv-1", Kind: model.InvoiceDebt,
		Items: sale.Invoice.Items, Total: d("80"), CustomerID: "c1", CreatedAt: now.Add(time.Hour),
	}}
	require.NoError(t, c.PushRefund(ctx, refund))
	require.NoError(t, c.PushRefund(ctx, refund))

	require.NoError(t, c.pool.QueryRow(ctx, `SELECT stock::text FROM products WHERE id = 'p1'`).Scan(&stock))
	require.NoError(t, c.pool.QueryRow(ctx, `SELECT balance::text FROM customers WHERE id = 'c1'`).Scan(&balance))
	require.NoError(t, c.pool.QueryRow(ctx, `SELECT count(*) FROM profit_records`).Scan(&profits))
	assert.True(t, stock.IsZero(), "stock %s", stock)
	assert.True(t, balance.IsZero(), "balance %s", balance)
	assert.Equal(t, 0, profits)

	pay := model.DebtPaymentPush{Payment: model.DebtPayment{ID: "pay-1", CustomerID: "c2", Amount: d("10"), CreatedAt: now}}
	require.NoError(t, c.PushDebtPayment(ctx, pay))
	require.NoError(t, c.PushDebtPayment(ctx, pay))
	require.NoError(t, c.pool.QueryRow(ctx, `SELECT balance::text FROM customers WHERE id = 'c2'`).Scan(&balance))
	assert.True(t, balance.Equal(d("-10")), "balance %s", balance)

	exp := model.ExpensePush{Expense: model.Expense{ID: "ex-1", Amount: d("12.50"), ExpenseType: "supplies", CreatedAt: now}}
	require.NoError(t, c.PushExpense(ctx, exp))
	require.NoError(t, c.PushExpense(ctx, exp))
	var expenses int
	require.NoError(t, c.pool.QueryRow(ctx, `SELECT count(*) FROM expenses`).Scan(&expenses))
	assert.Equal(t, 1, expenses)

	require.NoError(t, c.Ping(ctx))
}
