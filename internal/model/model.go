// Package model holds the domain types shared by the ledgers, the
// orchestrator, the sync queue and the remote adapters.
//
// Every monetary amount is a decimal.Decimal at ledger precision (see Round).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Actor is the cashier performing an operation.
type Actor struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// LineItem is one cart line as captured at checkout.
type LineItem struct {
	ProductID   string          `json:"productId" validate:"required"`
	ProductName string          `json:"productName,omitempty"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
	Price       decimal.Decimal `json:"price" validate:"gte=0"`
	CostPrice   decimal.Decimal `json:"costPrice" validate:"gte=0"`
}

// InvoiceKind distinguishes cash and debt sales.
type InvoiceKind string

const (
	InvoiceCash InvoiceKind = "cash"
	InvoiceDebt InvoiceKind = "debt"
)

// Invoice is a completed sale as kept in the local ledger.
type Invoice struct {
	ID          string          `json:"id"`
	Kind        InvoiceKind     `json:"kind"`
	Items       []LineItem      `json:"items"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
	COGS        decimal.Decimal `json:"cogs"`
	GrossProfit decimal.Decimal `json:"grossProfit"`
	CustomerID  string          `json:"customerId,omitempty"`
	CashierID   string          `json:"cashierId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	RefundID    string          `json:"refundId,omitempty"`
	RefundedAt  *time.Time      `json:"refundedAt,omitempty"`
}

// Refunded reports whether the invoice has been refunded.
func (i Invoice) Refunded() bool { return i.RefundID != "" }

// Product is a stock-keeping unit in the local catalog cache.
type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Stock     decimal.Decimal `json:"stock"`
	CostPrice decimal.Decimal `json:"costPrice"`
	Price     decimal.Decimal `json:"price"`
}

// ShiftStatus is open or closed.
type ShiftStatus string

const (
	ShiftOpen   ShiftStatus = "open"
	ShiftClosed ShiftStatus = "closed"
)

// Shift is the cash drawer ledger of one work session.
type Shift struct {
	ID          string           `json:"id"`
	OpenedAt    time.Time        `json:"openedAt"`
	ClosedAt    *time.Time       `json:"closedAt,omitempty"`
	OpeningCash decimal.Decimal  `json:"openingCash"`
	Sales       decimal.Decimal  `json:"sales"`
	Deposits    decimal.Decimal  `json:"deposits"`
	Withdrawals decimal.Decimal  `json:"withdrawals"`
	Expenses    decimal.Decimal  `json:"expenses"`
	ClosingCash *decimal.Decimal `json:"closingCash,omitempty"`
	Status      ShiftStatus      `json:"status"`
}

// ExpectedCash is what the drawer should hold now.
func (s Shift) ExpectedCash() decimal.Decimal {
	return Round(s.OpeningCash.Add(s.Sales).Add(s.Deposits).Sub(s.Withdrawals).Sub(s.Expenses))
}

// ProfitRecord is the gross profit recognized for one sale.
type ProfitRecord struct {
	ID          string          `json:"id"`
	SaleID      string          `json:"saleId"`
	Date        string          `json:"date"`
	GrossProfit decimal.Decimal `json:"grossProfit"`
	COGS        decimal.Decimal `json:"cogs"`
	SaleTotal   decimal.Decimal `json:"saleTotal"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// OperatingExpenseRecord is an expense counted against net profit.
type OperatingExpenseRecord struct {
	ID          string          `json:"id"`
	ExpenseID   string          `json:"expenseId"`
	Date        string          `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	ExpenseType string          `json:"expenseType"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ProfitSummary aggregates the profit ledger.
type ProfitSummary struct {
	TotalSales             decimal.Decimal `json:"totalSales"`
	TotalCOGS              decimal.Decimal `json:"totalCogs"`
	TotalGrossProfit       decimal.Decimal `json:"totalGrossProfit"`
	TotalOperatingExpenses decimal.Decimal `json:"totalOperatingExpenses"`
	NetProfit              decimal.Decimal `json:"netProfit"`
	// ProfitMargin is net profit as a percentage of sales, 0 without sales.
	ProfitMargin decimal.Decimal `json:"profitMargin"`
}

// Customer holds the running statistics of a customer account.
type Customer struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	TotalPurchases decimal.Decimal `json:"totalPurchases"`
	// Balance is the outstanding debt.
	Balance      decimal.Decimal `json:"balance"`
	InvoiceCount int             `json:"invoiceCount"`
	LastPurchase *time.Time      `json:"lastPurchase,omitempty"`
}

// Expense is a cash-out recorded against the drawer.
type Expense struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	ExpenseType string          `json:"expenseType"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// DebtPayment is a customer repaying part of their balance.
type DebtPayment struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customerId"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Refund reverses a sale.
type Refund struct {
	ID         string          `json:"id"`
	SaleID     string          `json:"saleId"`
	Kind       InvoiceKind     `json:"kind"`
	Items      []LineItem      `json:"items"`
	Total      decimal.Decimal `json:"total"`
	CustomerID string          `json:"customerId,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}
