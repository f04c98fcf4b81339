package txn

import (
	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/model"
)

// SaleRequest is a checkout. Prices and cost prices are taken from the
// items as captured at checkout, not re-read from the catalog.
type SaleRequest struct {
	// InvoiceID is optional; one is generated when empty.
	InvoiceID  string           `json:"invoiceId,omitempty"`
	Items      []model.LineItem `json:"items" validate:"required,min=1,dive"`
	Discount   decimal.Decimal  `json:"discount" validate:"gte=0"`
	CustomerID string           `json:"customerId,omitempty"`
	Actor      model.Actor      `json:"actor"`
}

// DebtSaleRequest is a checkout charged to a customer account.
type DebtSaleRequest struct {
	InvoiceID  string           `json:"invoiceId,omitempty"`
	Items      []model.LineItem `json:"items" validate:"required,min=1,dive"`
	Discount   decimal.Decimal  `json:"discount" validate:"gte=0"`
	CustomerID string           `json:"customerId" validate:"required,notblank"`
	Actor      model.Actor      `json:"actor"`
}

// RefundRequest reverses a whole sale.
type RefundRequest struct {
	RefundID string      `json:"refundId,omitempty"`
	SaleID   string      `json:"saleId" validate:"required,notblank"`
	Actor    model.Actor `json:"actor"`
}

// ExpenseRequest pays an expense out of the drawer.
type ExpenseRequest struct {
	ExpenseID   string          `json:"expenseId,omitempty"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	ExpenseType string          `json:"expenseType" validate:"required,notblank"`
	Description string          `json:"description,omitempty"`
	Actor       model.Actor     `json:"actor"`
}

// DebtPaymentRequest records a customer paying down their balance.
type DebtPaymentRequest struct {
	PaymentID  string          `json:"paymentId,omitempty"`
	CustomerID string          `json:"customerId" validate:"required,notblank"`
	Amount     decimal.Decimal `json:"amount" validate:"gt=0"`
	Actor      model.Actor     `json:"actor"`
}

// Result is the outcome of a committed transaction. The figures are always
// present, also when the remote mirror degraded to a queue entry.
type Result struct {
	// InvoiceID identifies the record created: the invoice for sales, the
	// refund, expense or payment otherwise.
	InvoiceID   string          `json:"invoiceId"`
	Total       decimal.Decimal `json:"total"`
	COGS        decimal.Decimal `json:"cogs"`
	GrossProfit decimal.Decimal `json:"grossProfit"`
	// Queued is set when the remote mirror failed and the operation waits
	// in the sync queue.
	Queued       bool   `json:"queued"`
	QueueEntryID string `json:"queueEntryId,omitempty"`
}

// Completed is the payload of a transaction_completed event.
type Completed struct {
	Type   string `json:"type"`
	Result Result `json:"result"`
}
