package model

// OpType names a remote operation carried by a queue entry.
type OpType string

const (
	OpInvoiceCreate  OpType = "invoice_create"
	OpRefund         OpType = "refund"
	OpExpense        OpType = "expense"
	OpDebtPayment    OpType = "debt_payment"
	OpStockUpdate    OpType = "stock_update"
	OpCustomerUpdate OpType = "customer_update"
	OpProfitRecord   OpType = "profit_record"
)

// SalePush is the remote mirror of a cash or debt sale: the invoice, the
// stock it consumed, the profit it recognized and the customer delta.
// InvoiceID is the idempotency key.
type SalePush struct {
	Invoice Invoice      `json:"invoice"`
	Profit  ProfitRecord `json:"profit"`
}

// LogicalID implements the idempotency contract.
func (p SalePush) LogicalID() string { return p.Invoice.ID }

// RefundPush mirrors a refund. RefundID is the idempotency key.
type RefundPush struct {
	Refund Refund `json:"refund"`
}

// LogicalID implements the idempotency contract.
func (p RefundPush) LogicalID() string { return p.Refund.ID }

// ExpensePush mirrors an expense. ExpenseID is the idempotency key.
type ExpensePush struct {
	Expense Expense                `json:"expense"`
	Record  OperatingExpenseRecord `json:"record"`
}

// LogicalID implements the idempotency contract.
func (p ExpensePush) LogicalID() string { return p.Expense.ID }

// DebtPaymentPush mirrors a debt payment. PaymentID is the idempotency key.
type DebtPaymentPush struct {
	Payment DebtPayment `json:"payment"`
}

// LogicalID implements the idempotency contract.
func (p DebtPaymentPush) LogicalID() string { return p.Payment.ID }
