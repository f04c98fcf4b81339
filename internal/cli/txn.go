package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/txn"
)

// requireFlags rejects a run where any of names was not given.
func requireFlags(names ...string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		for _, n := range names {
			if !cmd.Flags().Changed(n) {
				return NewExitError(ExitCommandError, fmt.Sprintf("required flag --%s not set", n))
			}
		}
		return nil
	}
}

// actorFlags binds the cashier flags shared by the transaction commands.
func actorFlags(cmd *cobra.Command, actor *model.Actor) {
	cmd.Flags().StringVar(&actor.ID, "cashier-id", "", "id of the cashier recording the transaction")
	cmd.Flags().StringVar(&actor.Name, "cashier", "", "name of the cashier recording the transaction")
}

// SaleOptions holds flags for the sale and debt-sale commands.
type SaleOptions struct {
	*RootOptions
	Debt      bool
	InvoiceID string
	Items     []string
	Discount  string
	Customer  string
	Actor     model.Actor
}

// NewSaleCommand creates the sale command, or debt-sale when debt is set.
func NewSaleCommand(rootOpts *RootOptions, debt bool) *cobra.Command {
	opts := &SaleOptions{RootOptions: rootOpts, Debt: debt}

	cmd := &cobra.Command{
		Use:   "sale",
		Short: "Record a cash sale",
		Long: `Record a cash sale.

Each --item is PRODUCT[:QTY][@PRICE]. Lines without a price use the catalog
price; cost prices always come from the catalog. The sale commits locally
and is queued for the backend when it cannot be mirrored.

Example:
  tillsync sale --item p1:2 --item p7@4.50
  tillsync sale --item p1:3 --discount 5 --customer c12`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, opts.run)
		},
	}
	if debt {
		cmd.Use = "debt-sale"
		cmd.Short = "Record a sale charged to a customer account"
		cmd.Long = `Record a sale charged to a customer account.

The customer balance grows by the sale total; the drawer is untouched.

Example:
  tillsync debt-sale --customer c12 --item p1:2`
	}

	cmd.Flags().StringArrayVarP(&opts.Items, "item", "i", nil, "line item PRODUCT[:QTY][@PRICE] (repeatable)")
	cmd.Flags().StringVar(&opts.Discount, "discount", "0", "discount off the subtotal")
	cmd.Flags().StringVar(&opts.Customer, "customer", "", "customer id")
	cmd.Flags().StringVar(&opts.InvoiceID, "invoice", "", "invoice id (generated when empty)")
	actorFlags(cmd, &opts.Actor)
	cmd.PreRunE = requireFlags("item")
	if debt {
		cmd.PreRunE = requireFlags("item", "customer")
	}

	return cmd
}

func (o *SaleOptions) run(ctx context.Context, a *app.App) (any, error) {
	items, err := parseItems(o.Items)
	if err != nil {
		return nil, err
	}
	discount, err := parseAmount("discount", o.Discount)
	if err != nil {
		return nil, err
	}
	items, err = a.Txn.PriceItems(ctx, items)
	if err != nil {
		return nil, err
	}

	if o.Debt {
		return a.Txn.DebtSale(ctx, txn.DebtSaleRequest{
			InvoiceID:  o.InvoiceID,
			Items:      items,
			Discount:   discount,
			CustomerID: o.Customer,
			Actor:      o.Actor,
		})
	}
	return a.Txn.CashSale(ctx, txn.SaleRequest{
		InvoiceID:  o.InvoiceID,
		Items:      items,
		Discount:   discount,
		CustomerID: o.Customer,
		Actor:      o.Actor,
	})
}

// parseItems parses PRODUCT[:QTY][@PRICE] lines.
func parseItems(specs []string) ([]model.LineItem, error) {
	items := make([]model.LineItem, 0, len(specs))
	for _, s := range specs {
		it, err := parseItem(s)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func parseItem(s string) (model.LineItem, error) {
	bad := func(why string) (model.LineItem, error) {
		return model.LineItem{}, NewExitError(ExitCommandError, fmt.Sprintf("bad item %q: %s", s, why))
	}

	rest, price, hasPrice := strings.Cut(s, "@")
	id, qty, hasQty := strings.Cut(rest, ":")
	id = strings.TrimSpace(id)
	if id == "" {
		return bad("missing product id")
	}

	it := model.LineItem{ProductID: id, Quantity: decimal.NewFromInt(1)}
	if hasQty {
		q, err := decimal.NewFromString(strings.TrimSpace(qty))
		if err != nil || !q.IsPositive() {
			return bad("quantity must be a positive number")
		}
		it.Quantity = q
	}
	if hasPrice {
		p, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil || p.IsNegative() {
			return bad("price must be a non-negative number")
		}
		it.Price = p
	}
	return it, nil
}

func parseAmount(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, NewExitError(ExitCommandError, fmt.Sprintf("bad --%s %q: not a number", name, s))
	}
	return d, nil
}

// RefundOptions holds flags for the refund command.
type RefundOptions struct {
	*RootOptions
	RefundID string
	Actor    model.Actor
}

// NewRefundCommand creates the refund command.
func NewRefundCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RefundOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "refund <sale-id>",
		Short: "Refund a whole sale",
		Long: `Refund a whole sale.

Stock returns to the shelf and the sale's profit is reversed. A cash sale
pays out of the drawer; a debt sale reduces the customer balance.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Txn.Refund(ctx, txn.RefundRequest{
					RefundID: opts.RefundID,
					SaleID:   args[0],
					Actor:    opts.Actor,
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.RefundID, "id", "", "refund id (generated when empty)")
	actorFlags(cmd, &opts.Actor)

	return cmd
}

// ExpenseOptions holds flags for the expense command.
type ExpenseOptions struct {
	*RootOptions
	ExpenseID   string
	Amount      string
	Type        string
	Description string
	Actor       model.Actor
}

// NewExpenseCommand creates the expense command.
func NewExpenseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExpenseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "expense",
		Short: "Pay an expense out of the drawer",
		Long: `Pay an expense out of the drawer.

Example:
  tillsync expense --amount 12.50 --type supplies --description "till rolls"`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				amount, err := parseAmount("amount", opts.Amount)
				if err != nil {
					return nil, err
				}
				return a.Txn.Expense(ctx, txn.ExpenseRequest{
					ExpenseID:   opts.ExpenseID,
					Amount:      amount,
					ExpenseType: opts.Type,
					Description: opts.Description,
					Actor:       opts.Actor,
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.ExpenseID, "id", "", "expense id (generated when empty)")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "amount paid out")
	cmd.Flags().StringVar(&opts.Type, "type", "", "expense type, e.g. supplies")
	cmd.Flags().StringVar(&opts.Description, "description", "", "free-form description")
	actorFlags(cmd, &opts.Actor)
	cmd.PreRunE = requireFlags("amount", "type")

	return cmd
}

// PayDebtOptions holds flags for the pay-debt command.
type PayDebtOptions struct {
	*RootOptions
	PaymentID string
	Amount    string
	Actor     model.Actor
}

// NewPayDebtCommand creates the pay-debt command.
func NewPayDebtCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PayDebtOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pay-debt <customer-id>",
		Short: "Record a customer paying down their balance",
		Long: `Record a customer paying down their balance.

The payment may not exceed the outstanding balance.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				amount, err := parseAmount("amount", opts.Amount)
				if err != nil {
					return nil, err
				}
				return a.Txn.DebtPayment(ctx, txn.DebtPaymentRequest{
					PaymentID:  opts.PaymentID,
					CustomerID: args[0],
					Amount:     amount,
					Actor:      opts.Actor,
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.PaymentID, "id", "", "payment id (generated when empty)")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "amount paid")
	actorFlags(cmd, &opts.Actor)
	cmd.PreRunE = requireFlags("amount")

	return cmd
}
