// Package ledger holds the local financial state: product stock, the cash
// drawer shift, the profit ledger, customers, invoices, expenses and debt
// payments.
//
// Records are plain JSON in the store so the offline protection gate can
// seal whole namespaces. Writes go through Apply, which turns one Mutation
// into one store batch: either every ledger changes or none does.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// Namespaces written by the ledger.
const (
	NSProducts     = "products"
	NSProductCache = "product_cache"
	NSCashbox      = "cashbox"
	NSProfits      = "profits"
	NSCustomers    = "customers"
	NSInvoices     = "invoices"
	NSExpenses     = "expenses"
	NSDebts        = "debts"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrShiftOpen is returned by OpenShift while a shift is open.
	ErrShiftOpen = errors.New("ledger: shift already open")
	// ErrNoShift is returned by CloseShift without an open shift.
	ErrNoShift = errors.New("ledger: no open shift")
)

// Ledger reads and mutates the local ledgers.
//
// Callers serialize mutations with the lock manager; Ledger itself does
// no locking.
type Ledger struct {
	st    *store.Store
	clock clock.Clock
	ids   ids.Generator
	log   *logger.Logger
}

// Options configures a Ledger.
type Options struct {
	Clock  clock.Clock
	IDs    ids.Generator
	Logger *logger.Logger
}

// New returns a Ledger over st.
func New(st *store.Store, opt Options) *Ledger {
	log := opt.Logger
	if log == nil {
		log = logger.Named("ledger")
	}
	return &Ledger{st: st, clock: clock.Or(opt.Clock), ids: ids.Or(opt.IDs), log: log}
}

func (l *Ledger) get(ctx context.Context, ns, key string, out any) error {
	raw, err := l.st.Get(ctx, ns, key)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s/%s: %w", ns, key, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", ns, key, err)
	}
	return nil
}

func scan[T any](ctx context.Context, st *store.Store, ns string, keep func(key string) bool) ([]T, error) {
	recs, err := st.Scan(ctx, ns)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		if keep != nil && !keep(r.Key) {
			continue
		}
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", ns, r.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func stage(b *store.Batch, ns, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", ns, key, err)
	}
	b.Set(ns, key, raw)
	return nil
}

// Product returns one product.
func (l *Ledger) Product(ctx context.Context, id string) (model.Product, error) {
	var p model.Product
	err := l.get(ctx, NSProducts, id, &p)
	return p, err
}

// Products returns every product ordered by id.
func (l *Ledger) Products(ctx context.Context) ([]model.Product, error) {
	return scan[model.Product](ctx, l.st, NSProducts, nil)
}

// catalogCache is the denormalized catalog summary the POS screen reads.
type catalogCache struct {
	Count     int      `json:"count"`
	IDs       []string `json:"ids"`
	UpdatedAt string   `json:"updatedAt"`
}

// PutProducts upserts catalog entries and refreshes the product cache.
func (l *Ledger) PutProducts(ctx context.Context, products ...model.Product) error {
	var b store.Batch
	for _, p := range products {
		if err := stage(&b, NSProducts, p.ID, p); err != nil {
			return err
		}
	}
	existing, err := l.st.Keys(ctx, NSProducts)
	if err != nil {
		return err
	}
	idset := make(map[string]bool, len(existing)+len(products))
	for _, k := range existing {
		idset[k] = true
	}
	for _, p := range products {
		idset[p.ID] = true
	}
	all := make([]string, 0, len(idset))
	for k := range idset {
		all = append(all, k)
	}
	sort.Strings(all)
	cache := catalogCache{Count: len(all), IDs: all, UpdatedAt: l.clock.Now().Format(time.RFC3339)}
	if err := stage(&b, NSProductCache, "catalog", cache); err != nil {
		return err
	}
	return l.st.Apply(ctx, &b)
}

// Invoice returns one invoice.
func (l *Ledger) Invoice(ctx context.Context, id string) (model.Invoice, error) {
	var inv model.Invoice
	err := l.get(ctx, NSInvoices, id, &inv)
	return inv, err
}

// Invoices returns every invoice ordered by id.
func (l *Ledger) Invoices(ctx context.Context) ([]model.Invoice, error) {
	return scan[model.Invoice](ctx, l.st, NSInvoices, nil)
}

// Customer returns one customer.
func (l *Ledger) Customer(ctx context.Context, id string) (model.Customer, error) {
	var c model.Customer
	err := l.get(ctx, NSCustomers, id, &c)
	return c, err
}

// PutCustomer creates or replaces a customer record.
func (l *Ledger) PutCustomer(ctx context.Context, c model.Customer) error {
	var b store.Batch
	if err := stage(&b, NSCustomers, c.ID, c); err != nil {
		return err
	}
	return l.st.Apply(ctx, &b)
}

// Expenses returns every recorded expense.
func (l *Ledger) Expenses(ctx context.Context) ([]model.Expense, error) {
	return scan[model.Expense](ctx, l.st, NSExpenses, nil)
}

// DebtPayments returns every recorded debt payment.
func (l *Ledger) DebtPayments(ctx context.Context) ([]model.DebtPayment, error) {
	return scan[model.DebtPayment](ctx, l.st, NSDebts, nil)
}
