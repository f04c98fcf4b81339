package txn

import (
	"context"
	"errors"

	"github.com/roach88/tillsync/internal/activity"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/lock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
)

// Refund reverses a whole sale: stock is restored by the same quantities,
// the sale's profit record deleted and the customer statistics reduced. A
// cash sale withdraws the total from the drawer; a debt sale takes it off
// the customer balance instead.
func (o *Orchestrator) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	if err := o.checkGate(); err != nil {
		return Result{}, err
	}
	if err := checkRequest(req); err != nil {
		return Result{}, err
	}
	inv, err := o.refundable(ctx, req.SaleID)
	if err != nil {
		return Result{}, err
	}

	refundID := req.RefundID
	if refundID == "" {
		refundID = o.ids.New()
	}
	ctx = opContext(ctx, refundID, req.Actor)
	log := logger.C(ctx, o.log)

	resources := []string{lock.SaleProcessing, lock.Inventory, lock.Cashbox}
	if inv.Kind == model.InvoiceDebt {
		resources = []string{lock.SaleProcessing, lock.Inventory, lock.DebtProcessing}
	}

	var refund model.Refund
	res, err := o.critical(ctx, resources, func(ctx context.Context) (Result, error) {
		inv, err := o.refundable(ctx, req.SaleID)
		if err != nil {
			return Result{}, err
		}

		now := o.clock.Now()
		refund = model.Refund{
			ID:         refundID,
			SaleID:     inv.ID,
			Kind:       inv.Kind,
			Items:      inv.Items,
			Total:      inv.Total,
			CustomerID: inv.CustomerID,
			CreatedAt:  now,
		}
		inv.RefundID = refund.ID
		inv.RefundedAt = &now

		m := ledger.Mutation{Invoice: &inv, DeleteProfitForSale: inv.ID}
		for _, it := range inv.Items {
			m.Stock = append(m.Stock, ledger.StockDelta{ProductID: it.ProductID, Delta: it.Quantity})
		}
		if inv.Kind == model.InvoiceCash {
			m.Cash.Withdrawals = inv.Total
		}
		if inv.CustomerID != "" {
			d := ledger.CustomerDelta{ID: inv.CustomerID, Purchases: inv.Total.Neg(), Invoices: -1}
			if inv.Kind == model.InvoiceDebt {
				d.Balance = inv.Total.Neg()
			}
			m.Customer = &d
		}
		if err := o.apply(ctx, m); err != nil {
			return Result{}, err
		}

		res := Result{InvoiceID: refund.ID, Total: inv.Total, COGS: inv.COGS, GrossProfit: inv.GrossProfit.Neg()}
		payload := model.RefundPush{Refund: refund}
		queued, entryID, err := o.mirror(ctx, model.OpRefund, refund.ID, []string{refund.SaleID}, payload, func(ctx context.Context) error {
			return o.opt.Remote.PushRefund(ctx, payload)
		})
		res.Queued, res.QueueEntryID = queued, entryID
		return res, err
	})
	if err != nil {
		return res, err
	}

	log.Info().Str("sale", refund.SaleID).Str("total", res.Total.String()).Bool("queued", res.Queued).Msg("refund committed")
	o.finish(ctx, activity.TypeRefund, req.Actor, o.describef("Refund of sale %s, total %s", refund.SaleID, o.money(res.Total)), map[string]any{
		"refundId":   refund.ID,
		"saleId":     refund.SaleID,
		"customerId": refund.CustomerID,
		"total":      res.Total,
		"queued":     res.Queued,
	}, res)
	return res, nil
}

func (o *Orchestrator) refundable(ctx context.Context, saleID string) (model.Invoice, error) {
	inv, err := o.opt.Ledger.Invoice(ctx, saleID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return model.Invoice{}, rejected("sale %s not found", saleID)
	case err != nil:
		return model.Invoice{}, err
	case inv.Refunded():
		return model.Invoice{}, rejected("sale %s already refunded by %s", saleID, inv.RefundID)
	}
	return inv, nil
}
