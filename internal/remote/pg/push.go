package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/remote"
)

var _ remote.Service = (*Client)(nil)

// apply runs fn in a transaction guarded by the idempotency ledger.
// If (op, logicalID) was already applied, fn is skipped and nil returned.
func (c *Client) apply(ctx context.Context, op model.OpType, logicalID string, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO applied_operations (op_type, logical_id)
			VALUES ($1, $2)
			ON CONFLICT (op_type, logical_id) DO NOTHING
		`, string(op), logicalID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			c.log.Debug().Str("op", string(op)).Str("logical_id", logicalID).Msg("already applied")
			return nil
		}
		return fn(tx)
	})
	if err != nil {
		return &remote.SyncError{Op: op, LogicalID: logicalID, Err: classify(err)}
	}
	return nil
}

func num(d decimal.Decimal) string { return d.String() }

// PushSale mirrors an invoice, its stock deductions, profit record and
// customer statistics.
func (c *Client) PushSale(ctx context.Context, p model.SalePush) error {
	inv := p.Invoice
	items, err := json.Marshal(inv.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	return c.apply(ctx, model.OpInvoiceCreate, inv.ID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO invoices (id, kind, items, total, cogs, gross_profit, customer_id, created_at)
			VALUES ($1, $2, $3::jsonb, $4::numeric, $5::numeric, $6::numeric, NULLIF($7, ''), $8)
			ON CONFLICT (id) DO UPDATE SET
				kind = EXCLUDED.kind,
				items = EXCLUDED.items,
				total = EXCLUDED.total,
				cogs = EXCLUDED.cogs,
				gross_profit = EXCLUDED.gross_profit,
				customer_id = EXCLUDED.customer_id
		`, inv.ID, string(inv.Kind), string(items), num(inv.Total), num(inv.COGS), num(inv.GrossProfit), inv.CustomerID, inv.CreatedAt); err != nil {
			return err
		}

		for _, it := range inv.Items {
			if err := adjustStock(ctx, tx, it.ProductID, it.Quantity.Neg()); err != nil {
				return err
			}
		}

		pr := p.Profit
		if pr.ID != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO profit_records (id, sale_id, day, gross_profit, cogs, sale_total, created_at)
				VALUES ($1, $2, $3::date, $4::numeric, $5::numeric, $6::numeric, $7)
				ON CONFLICT (sale_id) DO UPDATE SET
					gross_profit = EXCLUDED.gross_profit,
					cogs = EXCLUDED.cogs,
					sale_total = EXCLUDED.sale_total
			`, pr.ID, pr.SaleID, pr.Date, num(pr.GrossProfit), num(pr.COGS), num(pr.SaleTotal), pr.CreatedAt); err != nil {
				return err
			}
		}

		if inv.CustomerID != "" {
			balance := decimal.Zero
			if inv.Kind == model.InvoiceDebt {
				balance = inv.Total
			}
			return adjustCustomer(ctx, tx, inv.CustomerID, inv.Total, balance, 1)
		}
		return nil
	})
}

// PushRefund restores stock, marks the invoice refunded, deletes its profit
// record and reverses the customer statistics.
func (c *Client) PushRefund(ctx context.Context, p model.RefundPush) error {
	r := p.Refund
	return c.apply(ctx, model.OpRefund, r.ID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE invoices SET refund_id = $2, refunded_at = $3 WHERE id = $1
		`, r.SaleID, r.ID, r.CreatedAt); err != nil {
			return err
		}
		for _, it := range r.Items {
			if err := adjustStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM profit_records WHERE sale_id = $1`, r.SaleID); err != nil {
			return err
		}
		if r.CustomerID != "" {
			balance := decimal.Zero
			if r.Kind == model.InvoiceDebt {
				balance = r.Total.Neg()
			}
			return adjustCustomer(ctx, tx, r.CustomerID, r.Total.Neg(), balance, -1)
		}
		return nil
	})
}

// PushExpense records an operating expense.
func (c *Client) PushExpense(ctx context.Context, p model.ExpensePush) error {
	e := p.Expense
	return c.apply(ctx, model.OpExpense, e.ID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO expenses (id, amount, expense_type, description, created_at)
			VALUES ($1, $2::numeric, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				amount = EXCLUDED.amount,
				expense_type = EXCLUDED.expense_type,
				description = EXCLUDED.description
		`, e.ID, num(e.Amount), e.ExpenseType, e.Description, e.CreatedAt)
		return err
	})
}

// PushDebtPayment records a payment and lowers the customer's balance.
func (c *Client) PushDebtPayment(ctx context.Context, p model.DebtPaymentPush) error {
	pay := p.Payment
	return c.apply(ctx, model.OpDebtPayment, pay.ID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO debt_payments (id, customer_id, amount, created_at)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (id) DO NOTHING
		`, pay.ID, pay.CustomerID, num(pay.Amount), pay.CreatedAt); err != nil {
			return err
		}
		return adjustCustomer(ctx, tx, pay.CustomerID, decimal.Zero, pay.Amount.Neg(), 0)
	})
}

func adjustStock(ctx context.Context, tx pgx.Tx, productID string, delta decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO products (id, stock) VALUES ($1, $2::numeric)
		ON CONFLICT (id) DO UPDATE SET stock = products.stock + EXCLUDED.stock
	`, productID, num(delta))
	return err
}

func adjustCustomer(ctx context.Context, tx pgx.Tx, customerID string, purchases, balance decimal.Decimal, invoices int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO customers (id, total_purchases, balance, invoice_count)
		VALUES ($1, $2::numeric, $3::numeric, $4)
		ON CONFLICT (id) DO UPDATE SET
			total_purchases = customers.total_purchases + EXCLUDED.total_purchases,
			balance = customers.balance + EXCLUDED.balance,
			invoice_count = customers.invoice_count + EXCLUDED.invoice_count
	`, customerID, num(purchases), num(balance), invoices)
	return err
}
