package txn

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/activity"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/lock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
)

// CanProcessSale checks items against current stock without locking or
// writing. It returns nil or a *ValidationError.
func (o *Orchestrator) CanProcessSale(ctx context.Context, items []model.LineItem) error {
	if err := checkRequest(struct {
		Items []model.LineItem `json:"items" validate:"required,min=1,dive"`
	}{items}); err != nil {
		return err
	}
	return o.checkStock(ctx, items)
}

// PriceItems fills name, unit price and cost price of each line from the
// product catalog. A line that already carries a price keeps it. Unknown
// products are reported as a *ValidationError. The catalog is sealed while
// the device is locked, so that case reports ErrDataLocked.
func (o *Orchestrator) PriceItems(ctx context.Context, items []model.LineItem) ([]model.LineItem, error) {
	if err := o.checkGate(); err != nil {
		return nil, err
	}
	out := make([]model.LineItem, len(items))
	for i, it := range items {
		p, err := o.opt.Ledger.Product(ctx, it.ProductID)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, rejected("product %s not found", it.ProductID)
		}
		if err != nil {
			return nil, err
		}
		if it.ProductName == "" {
			it.ProductName = p.Name
		}
		if it.Price.IsZero() {
			it.Price = p.Price
		}
		it.CostPrice = p.CostPrice
		out[i] = it
	}
	return out, nil
}

func (o *Orchestrator) checkStock(ctx context.Context, items []model.LineItem) error {
	short, err := o.opt.Ledger.Shortages(ctx, items)
	if err != nil {
		return err
	}
	if len(short) > 0 {
		return &ValidationError{InsufficientItems: short}
	}
	return nil
}

// CashSale sells items for cash: stock is deducted, the drawer credited
// with the total and the gross profit recognized.
func (o *Orchestrator) CashSale(ctx context.Context, req SaleRequest) (Result, error) {
	return o.sale(ctx, saleSpec{
		kind:       model.InvoiceCash,
		invoiceID:  req.InvoiceID,
		items:      req.Items,
		discount:   req.Discount,
		customerID: req.CustomerID,
		actor:      req.Actor,
		request:    req,
		resources:  []string{lock.SaleProcessing, lock.Inventory, lock.Cashbox},
	})
}

// DebtSale sells items on the customer's account. The drawer is untouched;
// the customer balance grows by the total. Profit is recognized now, not
// when the debt is paid.
func (o *Orchestrator) DebtSale(ctx context.Context, req DebtSaleRequest) (Result, error) {
	return o.sale(ctx, saleSpec{
		kind:       model.InvoiceDebt,
		invoiceID:  req.InvoiceID,
		items:      req.Items,
		discount:   req.Discount,
		customerID: req.CustomerID,
		actor:      req.Actor,
		request:    req,
		resources:  []string{lock.SaleProcessing, lock.DebtProcessing, lock.Inventory},
	})
}

type saleSpec struct {
	kind       model.InvoiceKind
	invoiceID  string
	items      []model.LineItem
	discount   decimal.Decimal
	customerID string
	actor      model.Actor
	request    any
	resources  []string
}

func (o *Orchestrator) sale(ctx context.Context, s saleSpec) (Result, error) {
	if err := o.checkGate(); err != nil {
		return Result{}, err
	}
	if err := checkRequest(s.request); err != nil {
		return Result{}, err
	}
	if f := model.Compute(s.items, s.discount); f.Total.IsNegative() {
		return Result{}, rejected("discount %s exceeds subtotal %s", f.Discount.StringFixed(model.MoneyPlaces), f.Subtotal.StringFixed(model.MoneyPlaces))
	}
	if err := o.checkStock(ctx, s.items); err != nil {
		return Result{}, err
	}

	if s.invoiceID == "" {
		s.invoiceID = o.ids.New()
	}
	ctx = opContext(ctx, s.invoiceID, s.actor)
	log := logger.C(ctx, o.log)

	var invoice model.Invoice
	res, err := o.critical(ctx, s.resources, func(ctx context.Context) (Result, error) {
		switch _, err := o.opt.Ledger.Invoice(ctx, s.invoiceID); {
		case err == nil:
			return Result{}, rejected("invoice %s already recorded", s.invoiceID)
		case !errors.Is(err, ledger.ErrNotFound):
			return Result{}, err
		}
		// stock may have moved since the unlocked check
		if err := o.checkStock(ctx, s.items); err != nil {
			return Result{}, err
		}

		f := model.Compute(s.items, s.discount)
		now := o.clock.Now()
		invoice = model.Invoice{
			ID:          s.invoiceID,
			Kind:        s.kind,
			Items:       s.items,
			Subtotal:    f.Subtotal,
			Discount:    f.Discount,
			Total:       f.Total,
			COGS:        f.COGS,
			GrossProfit: f.GrossProfit,
			CustomerID:  s.customerID,
			CashierID:   s.actor.ID,
			CreatedAt:   now,
		}
		profit := model.ProfitRecord{
			ID:          o.ids.New(),
			SaleID:      invoice.ID,
			Date:        today(now),
			GrossProfit: f.GrossProfit,
			COGS:        f.COGS,
			SaleTotal:   f.Total,
			CreatedAt:   now,
		}

		m := ledger.Mutation{Invoice: &invoice, Profit: &profit}
		for _, it := range s.items {
			m.Stock = append(m.Stock, ledger.StockDelta{ProductID: it.ProductID, Delta: it.Quantity.Neg()})
		}
		if s.kind == model.InvoiceCash {
			m.Cash.Sales = f.Total
		}
		if s.customerID != "" {
			d := ledger.CustomerDelta{ID: s.customerID, Purchases: f.Total, Invoices: 1, PurchasedAt: &now}
			if s.kind == model.InvoiceDebt {
				d.Balance = f.Total
			}
			m.Customer = &d
		}
		if err := o.apply(ctx, m); err != nil {
			return Result{}, err
		}

		res := Result{InvoiceID: invoice.ID, Total: f.Total, COGS: f.COGS, GrossProfit: f.GrossProfit}
		payload := model.SalePush{Invoice: invoice, Profit: profit}
		queued, entryID, err := o.mirror(ctx, model.OpInvoiceCreate, invoice.ID, nil, payload, func(ctx context.Context) error {
			return o.opt.Remote.PushSale(ctx, payload)
		})
		res.Queued, res.QueueEntryID = queued, entryID
		return res, err
	})
	if err != nil {
		return res, err
	}

	log.Info().Str("kind", string(s.kind)).Str("total", res.Total.String()).Bool("queued", res.Queued).Msg("sale committed")
	typ, desc := activity.TypeSale, "Cash sale %s, total %s"
	if s.kind == model.InvoiceDebt {
		typ, desc = activity.TypeDebtSale, "Debt sale %s, total %s"
	}
	o.finish(ctx, typ, s.actor, o.describef(desc, invoice.ID, o.money(res.Total)), map[string]any{
		"invoiceId":   invoice.ID,
		"customerId":  invoice.CustomerID,
		"items":       len(invoice.Items),
		"total":       res.Total,
		"grossProfit": res.GrossProfit,
		"queued":      res.Queued,
	}, res)
	return res, nil
}
