package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// StockDelta changes one product's stock. Negative deducts.
type StockDelta struct {
	ProductID string
	Delta     decimal.Decimal
}

// CashDelta moves the drawer of the open shift.
type CashDelta struct {
	Sales       decimal.Decimal
	Deposits    decimal.Decimal
	Withdrawals decimal.Decimal
	Expenses    decimal.Decimal
}

// IsZero reports whether the drawer is untouched.
func (c CashDelta) IsZero() bool {
	return c.Sales.IsZero() && c.Deposits.IsZero() && c.Withdrawals.IsZero() && c.Expenses.IsZero()
}

// CustomerDelta changes a customer's running statistics. A missing customer
// is created.
type CustomerDelta struct {
	ID        string
	Purchases decimal.Decimal
	Balance   decimal.Decimal
	Invoices  int
	// PurchasedAt updates LastPurchase when set.
	PurchasedAt *time.Time
}

// Mutation is everything one business transaction changes locally, computed
// from a single line-item snapshot.
type Mutation struct {
	Stock               []StockDelta
	Cash                CashDelta
	Profit              *model.ProfitRecord
	DeleteProfitForSale string
	OperatingExpense    *model.OperatingExpenseRecord
	Customer            *CustomerDelta
	Invoice             *model.Invoice
	Expense             *model.Expense
	DebtPayment         *model.DebtPayment
}

// Shortage is a line the stock cannot cover.
type Shortage struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Available   decimal.Decimal `json:"available"`
	Requested   decimal.Decimal `json:"requested"`
}

// StockError rejects a mutation that would drive stock negative.
type StockError struct {
	Shortages []Shortage
}

func (e *StockError) Error() string {
	s := e.Shortages[0]
	return fmt.Sprintf("ledger: insufficient stock for %s: available %s, requested %s (%d lines short)",
		s.ProductID, s.Available, s.Requested, len(e.Shortages))
}

// Shortages checks items against current stock. Quantities of the same
// product are summed; a product missing from the catalog has no stock.
func (l *Ledger) Shortages(ctx context.Context, items []model.LineItem) ([]Shortage, error) {
	requested := make(map[string]decimal.Decimal)
	names := make(map[string]string)
	order := make([]string, 0, len(items))
	for _, it := range items {
		if _, seen := requested[it.ProductID]; !seen {
			order = append(order, it.ProductID)
			names[it.ProductID] = it.ProductName
		}
		requested[it.ProductID] = requested[it.ProductID].Add(it.Quantity)
	}

	out := []Shortage{}
	for _, id := range order {
		p, err := l.Product(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			p = model.Product{ID: id, Name: names[id]}
		case err != nil:
			return nil, err
		}
		if p.Stock.LessThan(requested[id]) {
			name := p.Name
			if name == "" {
				name = names[id]
			}
			out = append(out, Shortage{ProductID: id, ProductName: name, Available: p.Stock, Requested: requested[id]})
		}
	}
	return out, nil
}

// Apply writes m in one store transaction. It re-reads the affected records,
// so it must run inside the caller's critical section. A negative resulting
// stock rejects the whole mutation with *StockError before anything is
// written.
func (l *Ledger) Apply(ctx context.Context, m Mutation) error {
	var b store.Batch

	if err := l.stageStock(ctx, &b, m.Stock); err != nil {
		return err
	}
	if !m.Cash.IsZero() {
		if err := l.stageCash(ctx, &b, m.Cash); err != nil {
			return err
		}
	}
	if m.Profit != nil {
		if err := stage(&b, NSProfits, saleProfitKey(m.Profit.SaleID), m.Profit); err != nil {
			return err
		}
	}
	if m.DeleteProfitForSale != "" {
		b.Delete(NSProfits, saleProfitKey(m.DeleteProfitForSale))
	}
	if m.OperatingExpense != nil {
		if err := stage(&b, NSProfits, opexKey(m.OperatingExpense.ExpenseID), m.OperatingExpense); err != nil {
			return err
		}
	}
	if m.Customer != nil {
		if err := l.stageCustomer(ctx, &b, *m.Customer); err != nil {
			return err
		}
	}
	if m.Invoice != nil {
		if err := stage(&b, NSInvoices, m.Invoice.ID, m.Invoice); err != nil {
			return err
		}
	}
	if m.Expense != nil {
		if err := stage(&b, NSExpenses, m.Expense.ID, m.Expense); err != nil {
			return err
		}
	}
	if m.DebtPayment != nil {
		if err := stage(&b, NSDebts, m.DebtPayment.ID, m.DebtPayment); err != nil {
			return err
		}
	}

	if err := l.st.Apply(ctx, &b); err != nil {
		return fmt.Errorf("apply mutation: %w", err)
	}
	return nil
}

func (l *Ledger) stageStock(ctx context.Context, b *store.Batch, deltas []StockDelta) error {
	merged := make(map[string]decimal.Decimal)
	for _, d := range deltas {
		merged[d.ProductID] = merged[d.ProductID].Add(d.Delta)
	}
	idsSorted := make([]string, 0, len(merged))
	for id := range merged {
		idsSorted = append(idsSorted, id)
	}
	sort.Strings(idsSorted)

	var short []Shortage
	products := make([]model.Product, 0, len(idsSorted))
	for _, id := range idsSorted {
		p, err := l.Product(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			p = model.Product{ID: id}
		case err != nil:
			return err
		}
		next := p.Stock.Add(merged[id])
		if next.IsNegative() {
			short = append(short, Shortage{ProductID: id, ProductName: p.Name, Available: p.Stock, Requested: merged[id].Neg()})
			continue
		}
		p.Stock = next
		products = append(products, p)
	}
	if len(short) > 0 {
		return &StockError{Shortages: short}
	}
	for _, p := range products {
		if err := stage(b, NSProducts, p.ID, p); err != nil {
			return err
		}
	}
	return nil
}

// stageCash applies the delta to the open shift, opening one with a zero
// float when none is active.
func (l *Ledger) stageCash(ctx context.Context, b *store.Batch, c CashDelta) error {
	s, err := l.CurrentShift(ctx)
	switch {
	case errors.Is(err, ErrNoShift):
		s = l.newShift(decimal.Zero)
		l.log.Info().Str("shift", s.ID).Msg("no open shift, opened one with zero float")
	case err != nil:
		return err
	}
	s.Sales = model.Round(s.Sales.Add(c.Sales))
	s.Deposits = model.Round(s.Deposits.Add(c.Deposits))
	s.Withdrawals = model.Round(s.Withdrawals.Add(c.Withdrawals))
	s.Expenses = model.Round(s.Expenses.Add(c.Expenses))
	return stage(b, NSCashbox, currentShiftKey, s)
}

func (l *Ledger) stageCustomer(ctx context.Context, b *store.Batch, d CustomerDelta) error {
	c, err := l.Customer(ctx, d.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		c = model.Customer{ID: d.ID}
	case err != nil:
		return err
	}
	c.TotalPurchases = model.Round(c.TotalPurchases.Add(d.Purchases))
	c.Balance = model.Round(c.Balance.Add(d.Balance))
	c.InvoiceCount += d.Invoices
	if c.InvoiceCount < 0 {
		c.InvoiceCount = 0
	}
	if d.PurchasedAt != nil {
		t := *d.PurchasedAt
		c.LastPurchase = &t
	}
	return stage(b, NSCustomers, c.ID, c)
}
