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

// Expense pays req.Amount out of the drawer and books it as an operating
// expense against net profit.
func (o *Orchestrator) Expense(ctx context.Context, req ExpenseRequest) (Result, error) {
	if err := o.checkGate(); err != nil {
		return Result{}, err
	}
	// validated as booked, so 0.004 is a zero expense
	req.Amount = model.Round(req.Amount)
	if err := checkRequest(req); err != nil {
		return Result{}, err
	}

	id := req.ExpenseID
	if id == "" {
		id = o.ids.New()
	}
	ctx = opContext(ctx, id, req.Actor)
	amount := req.Amount

	res, err := o.critical(ctx, []string{lock.ExpenseProcessing, lock.Cashbox}, func(ctx context.Context) (Result, error) {
		now := o.clock.Now()
		exp := model.Expense{
			ID:          id,
			Amount:      amount,
			ExpenseType: req.ExpenseType,
			Description: req.Description,
			CreatedAt:   now,
		}
		rec := model.OperatingExpenseRecord{
			ID:          o.ids.New(),
			ExpenseID:   id,
			Date:        today(now),
			Amount:      amount,
			ExpenseType: req.ExpenseType,
			CreatedAt:   now,
		}
		err := o.apply(ctx, ledger.Mutation{
			Cash:             ledger.CashDelta{Expenses: amount},
			Expense:          &exp,
			OperatingExpense: &rec,
		})
		if err != nil {
			return Result{}, err
		}

		res := Result{InvoiceID: id, Total: amount}
		payload := model.ExpensePush{Expense: exp, Record: rec}
		queued, entryID, err := o.mirror(ctx, model.OpExpense, id, nil, payload, func(ctx context.Context) error {
			return o.opt.Remote.PushExpense(ctx, payload)
		})
		res.Queued, res.QueueEntryID = queued, entryID
		return res, err
	})
	if err != nil {
		return res, err
	}

	logger.C(ctx, o.log).Info().Str("type", req.ExpenseType).Str("amount", amount.String()).Bool("queued", res.Queued).Msg("expense committed")
	o.finish(ctx, activity.TypeExpense, req.Actor, o.describef("Expense %s of %s", req.ExpenseType, o.money(amount)), map[string]any{
		"expenseId":   id,
		"expenseType": req.ExpenseType,
		"amount":      amount,
		"queued":      res.Queued,
	}, res)
	return res, nil
}

// DebtPayment deposits a repayment in the drawer and reduces the customer
// balance. Paying more than the outstanding balance is rejected.
func (o *Orchestrator) DebtPayment(ctx context.Context, req DebtPaymentRequest) (Result, error) {
	if err := o.checkGate(); err != nil {
		return Result{}, err
	}
	req.Amount = model.Round(req.Amount)
	if err := checkRequest(req); err != nil {
		return Result{}, err
	}
	amount := req.Amount
	if err := o.payable(ctx, req.CustomerID, amount); err != nil {
		return Result{}, err
	}

	id := req.PaymentID
	if id == "" {
		id = o.ids.New()
	}
	ctx = opContext(ctx, id, req.Actor)

	res, err := o.critical(ctx, []string{lock.DebtProcessing, lock.Cashbox}, func(ctx context.Context) (Result, error) {
		if err := o.payable(ctx, req.CustomerID, amount); err != nil {
			return Result{}, err
		}
		pay := model.DebtPayment{ID: id, CustomerID: req.CustomerID, Amount: amount, CreatedAt: o.clock.Now()}
		err := o.apply(ctx, ledger.Mutation{
			Cash:        ledger.CashDelta{Deposits: amount},
			Customer:    &ledger.CustomerDelta{ID: req.CustomerID, Balance: amount.Neg()},
			DebtPayment: &pay,
		})
		if err != nil {
			return Result{}, err
		}

		res := Result{InvoiceID: id, Total: amount}
		payload := model.DebtPaymentPush{Payment: pay}
		queued, entryID, err := o.mirror(ctx, model.OpDebtPayment, id, nil, payload, func(ctx context.Context) error {
			return o.opt.Remote.PushDebtPayment(ctx, payload)
		})
		res.Queued, res.QueueEntryID = queued, entryID
		return res, err
	})
	if err != nil {
		return res, err
	}

	logger.C(ctx, o.log).Info().Str("customer", req.CustomerID).Str("amount", amount.String()).Bool("queued", res.Queued).Msg("debt payment committed")
	o.finish(ctx, activity.TypeDebtPayment, req.Actor, o.describef("Debt payment of %s", o.money(amount)), map[string]any{
		"paymentId":  id,
		"customerId": req.CustomerID,
		"amount":     amount,
		"queued":     res.Queued,
	}, res)
	return res, nil
}

func (o *Orchestrator) payable(ctx context.Context, customerID string, amount decimal.Decimal) error {
	c, err := o.opt.Ledger.Customer(ctx, customerID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return rejected("customer %s not found", customerID)
	case err != nil:
		return err
	case amount.GreaterThan(c.Balance):
		return rejected("payment %s exceeds balance %s", amount, c.Balance)
	}
	return nil
}
