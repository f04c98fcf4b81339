package txn

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/activity"
	"github.com/roach88/tillsync/internal/lock"
	"github.com/roach88/tillsync/internal/logger"
	"github.com/roach88/tillsync/internal/model"
)

// ImportProducts upserts catalog entries. Stock levels can change, so it
// excludes running sales.
func (o *Orchestrator) ImportProducts(ctx context.Context, products ...model.Product) error {
	if err := o.checkGate(); err != nil {
		return err
	}
	for _, p := range products {
		if p.ID == "" {
			return rejected("product id is required")
		}
		if p.Stock.IsNegative() || p.CostPrice.IsNegative() || p.Price.IsNegative() {
			return rejected("product %s has a negative stock or price", p.ID)
		}
	}

	_, err := locked(ctx, o, []string{lock.SaleProcessing, lock.Inventory}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.opt.Ledger.PutProducts(ctx, products...)
	})
	if err != nil {
		return err
	}
	logger.C(ctx, o.log).Info().Int("products", len(products)).Msg("catalog imported")
	return nil
}

// OpenShift starts a cash drawer shift with a counted float.
func (o *Orchestrator) OpenShift(ctx context.Context, openingCash decimal.Decimal, actor model.Actor) (model.Shift, error) {
	if err := o.checkGate(); err != nil {
		return model.Shift{}, err
	}
	if openingCash.IsNegative() {
		return model.Shift{}, rejected("opening cash must not be negative")
	}

	s, err := locked(ctx, o, []string{lock.Cashbox}, func(ctx context.Context) (model.Shift, error) {
		return o.opt.Ledger.OpenShift(ctx, openingCash)
	})
	if err != nil {
		return s, err
	}
	o.audit(ctx, activity.TypeShift, actor, o.describef("Shift opened with %s", o.money(s.OpeningCash)), map[string]any{"shiftId": s.ID})
	return s, nil
}

// CloseShift closes the open shift with the cash counted in the drawer.
func (o *Orchestrator) CloseShift(ctx context.Context, countedCash decimal.Decimal, actor model.Actor) (model.Shift, error) {
	if err := o.checkGate(); err != nil {
		return model.Shift{}, err
	}
	if countedCash.IsNegative() {
		return model.Shift{}, rejected("counted cash must not be negative")
	}

	s, err := locked(ctx, o, []string{lock.Cashbox}, func(ctx context.Context) (model.Shift, error) {
		return o.opt.Ledger.CloseShift(ctx, countedCash)
	})
	if err != nil {
		return s, err
	}
	o.audit(ctx, activity.TypeShift, actor, o.describef("Shift closed, counted %s, expected %s", o.money(*s.ClosingCash), o.money(s.ExpectedCash())), map[string]any{
		"shiftId":  s.ID,
		"expected": s.ExpectedCash(),
		"counted":  s.ClosingCash,
	})
	return s, nil
}
