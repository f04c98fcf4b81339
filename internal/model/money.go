package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the canonical ledger precision.
const MoneyPlaces = 2

// Round rounds d to the canonical ledger precision, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// Sum adds values, rounding after every addition so long ledgers do not
// drift from what a cashier would compute by hand.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = Round(total.Add(v))
	}
	return total
}

// ParseMoney parses a decimal string and rounds it to ledger precision.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse money %q: %w", s, err)
	}
	return Round(d), nil
}

// MustMoney is ParseMoney for literals; it panics on malformed input.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Figures are the financial results derived from one line-item snapshot.
type Figures struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
	COGS        decimal.Decimal `json:"cogs"`
	GrossProfit decimal.Decimal `json:"grossProfit"`
}

// Compute derives totals from items:
//
//	line total  = round(price * qty)
//	line cost   = round(costPrice * qty)
//	subtotal    = Σ line total
//	total       = round(subtotal - discount)
//	COGS        = Σ line cost
//	grossProfit = round(total - COGS)
func Compute(items []LineItem, discount decimal.Decimal) Figures {
	subtotal := decimal.Zero
	cogs := decimal.Zero
	for _, it := range items {
		subtotal = Round(subtotal.Add(Round(it.Price.Mul(it.Quantity))))
		cogs = Round(cogs.Add(Round(it.CostPrice.Mul(it.Quantity))))
	}
	discount = Round(discount)
	total := Round(subtotal.Sub(discount))
	return Figures{
		Subtotal:    subtotal,
		Discount:    discount,
		Total:       total,
		COGS:        cogs,
		GrossProfit: Round(total.Sub(cogs)),
	}
}
