package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

const currentShiftKey = "current"

func closedShiftKey(id string) string { return "shift:" + id }

// CurrentShift returns the open shift, or ErrNoShift.
func (l *Ledger) CurrentShift(ctx context.Context) (model.Shift, error) {
	var s model.Shift
	err := l.get(ctx, NSCashbox, currentShiftKey, &s)
	if errors.Is(err, ErrNotFound) {
		return s, ErrNoShift
	}
	return s, err
}

// OpenShift starts a shift with an opening float.
func (l *Ledger) OpenShift(ctx context.Context, openingCash decimal.Decimal) (model.Shift, error) {
	if _, err := l.CurrentShift(ctx); err == nil {
		return model.Shift{}, ErrShiftOpen
	} else if !errors.Is(err, ErrNoShift) {
		return model.Shift{}, err
	}

	s := l.newShift(model.Round(openingCash))
	var b store.Batch
	if err := stage(&b, NSCashbox, currentShiftKey, s); err != nil {
		return model.Shift{}, err
	}
	if err := l.st.Apply(ctx, &b); err != nil {
		return model.Shift{}, fmt.Errorf("open shift: %w", err)
	}
	l.log.Info().Str("shift", s.ID).Str("opening_cash", s.OpeningCash.StringFixed(model.MoneyPlaces)).Msg("shift opened")
	return s, nil
}

// CloseShift closes the open shift with the counted cash and archives it.
func (l *Ledger) CloseShift(ctx context.Context, closingCash decimal.Decimal) (model.Shift, error) {
	s, err := l.CurrentShift(ctx)
	if err != nil {
		return model.Shift{}, err
	}
	now := l.clock.Now()
	counted := model.Round(closingCash)
	s.ClosedAt = &now
	s.ClosingCash = &counted
	s.Status = model.ShiftClosed

	var b store.Batch
	if err := stage(&b, NSCashbox, closedShiftKey(s.ID), s); err != nil {
		return model.Shift{}, err
	}
	b.Delete(NSCashbox, currentShiftKey)
	if err := l.st.Apply(ctx, &b); err != nil {
		return model.Shift{}, fmt.Errorf("close shift: %w", err)
	}

	diff := counted.Sub(s.ExpectedCash())
	l.log.Info().Str("shift", s.ID).Str("expected", s.ExpectedCash().StringFixed(model.MoneyPlaces)).
		Str("counted", counted.StringFixed(model.MoneyPlaces)).Str("difference", diff.StringFixed(model.MoneyPlaces)).
		Msg("shift closed")
	return s, nil
}

// ClosedShifts returns archived shifts ordered by id.
func (l *Ledger) ClosedShifts(ctx context.Context) ([]model.Shift, error) {
	return scan[model.Shift](ctx, l.st, NSCashbox, func(key string) bool { return key != currentShiftKey })
}

func (l *Ledger) newShift(opening decimal.Decimal) model.Shift {
	return model.Shift{
		ID:          l.ids.New(),
		OpenedAt:    l.clock.Now(),
		OpeningCash: opening,
		Sales:       decimal.Zero,
		Deposits:    decimal.Zero,
		Withdrawals: decimal.Zero,
		Expenses:    decimal.Zero,
		Status:      model.ShiftOpen,
	}
}
