package ledger

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/model"
)

const (
	saleProfitPrefix = "sale:"
	opexPrefix       = "opex:"
)

func saleProfitKey(saleID string) string { return saleProfitPrefix + saleID }

func opexKey(expenseID string) string { return opexPrefix + expenseID }

// ProfitForSale returns the profit record of a sale.
func (l *Ledger) ProfitForSale(ctx context.Context, saleID string) (model.ProfitRecord, error) {
	var pr model.ProfitRecord
	err := l.get(ctx, NSProfits, saleProfitKey(saleID), &pr)
	return pr, err
}

// ProfitRecords returns every sale profit record.
func (l *Ledger) ProfitRecords(ctx context.Context) ([]model.ProfitRecord, error) {
	return scan[model.ProfitRecord](ctx, l.st, NSProfits, func(k string) bool {
		return strings.HasPrefix(k, saleProfitPrefix)
	})
}

// OperatingExpenses returns every operating expense record.
func (l *Ledger) OperatingExpenses(ctx context.Context) ([]model.OperatingExpenseRecord, error) {
	return scan[model.OperatingExpenseRecord](ctx, l.st, NSProfits, func(k string) bool {
		return strings.HasPrefix(k, opexPrefix)
	})
}

// Period bounds a summary by ISO dates (YYYY-MM-DD), inclusive. Empty
// bounds are open.
type Period struct {
	From string
	To   string
}

func (p Period) contains(date string) bool {
	if p.From != "" && date < p.From {
		return false
	}
	if p.To != "" && date > p.To {
		return false
	}
	return true
}

var hundred = decimal.NewFromInt(100)

// Summary aggregates the profit ledger over p.
//
//	net profit = Σ gross profit - Σ operating expenses
//	margin     = net profit / sales * 100, 0 without sales
func (l *Ledger) Summary(ctx context.Context, p Period) (model.ProfitSummary, error) {
	records, err := l.ProfitRecords(ctx)
	if err != nil {
		return model.ProfitSummary{}, err
	}
	opex, err := l.OperatingExpenses(ctx)
	if err != nil {
		return model.ProfitSummary{}, err
	}

	var s model.ProfitSummary
	for _, r := range records {
		if !p.contains(r.Date) {
			continue
		}
		s.TotalSales = model.Round(s.TotalSales.Add(r.SaleTotal))
		s.TotalCOGS = model.Round(s.TotalCOGS.Add(r.COGS))
		s.TotalGrossProfit = model.Round(s.TotalGrossProfit.Add(r.GrossProfit))
	}
	for _, o := range opex {
		if !p.contains(o.Date) {
			continue
		}
		s.TotalOperatingExpenses = model.Round(s.TotalOperatingExpenses.Add(o.Amount))
	}
	s.NetProfit = model.Round(s.TotalGrossProfit.Sub(s.TotalOperatingExpenses))
	if !s.TotalSales.IsZero() {
		s.ProfitMargin = model.Round(s.NetProfit.Div(s.TotalSales).Mul(hundred))
	}
	return s, nil
}
