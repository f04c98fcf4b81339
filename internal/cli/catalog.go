package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/model"
)

// productFile is one catalog entry in an import file.
type productFile struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Stock string `yaml:"stock"`
	Cost  string `yaml:"cost"`
	Price string `yaml:"price"`
}

// loadProducts reads a YAML list of products.
func loadProducts(path string) ([]model.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "read products", err)
	}
	var rows []productFile
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, WrapExitError(ExitCommandError, "parse products", err)
	}

	out := make([]model.Product, 0, len(rows))
	for i, r := range rows {
		if r.ID == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("product %d: missing id", i+1))
		}
		p := model.Product{ID: r.ID, Name: r.Name}
		for _, f := range []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"stock", r.Stock, &p.Stock},
			{"cost", r.Cost, &p.CostPrice},
			{"price", r.Price, &p.Price},
		} {
			if f.raw == "" {
				continue
			}
			d, err := decimal.NewFromString(f.raw)
			if err != nil || d.IsNegative() {
				return nil, NewExitError(ExitCommandError, fmt.Sprintf("product %s: bad %s %q", r.ID, f.name, f.raw))
			}
			*f.dst = d
		}
		out = append(out, p)
	}
	return out, nil
}

// NewProductsCommand creates the products command.
func NewProductsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "products",
		Short: "List the local product catalog",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Ledger.Products(ctx)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Load products into the local catalog",
		Long: `Load products into the local catalog, replacing entries with the same id.

The file is a YAML list:

  - id: p1
    name: Rice 1kg
    stock: 40
    cost: 10
    price: 25`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			products, err := loadProducts(args[0])
			if err != nil {
				return err
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				if err := a.Txn.ImportProducts(ctx, products...); err != nil {
					return nil, err
				}
				return map[string]int{"imported": len(products)}, nil
			})
		},
	})

	return cmd
}

// NewShiftCommand creates the shift command.
func NewShiftCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shift",
		Short: "Show the open cash drawer shift",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				s, err := a.Ledger.CurrentShift(ctx)
				if err != nil {
					return nil, err
				}
				return shiftView{Shift: s, ExpectedCash: s.ExpectedCash()}, nil
			})
		},
	}

	var cash string
	var actor model.Actor
	open := &cobra.Command{
		Use:   "open",
		Short: "Open a shift with a counted float",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("cash", cash)
			if err != nil {
				return err
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Txn.OpenShift(ctx, amount, actor)
			})
		},
	}
	open.Flags().StringVar(&cash, "cash", "0", "opening cash in the drawer")
	actorFlags(open, &actor)
	cmd.AddCommand(open)

	var counted string
	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "Close the open shift with the counted cash",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("cash", counted)
			if err != nil {
				return err
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				s, err := a.Txn.CloseShift(ctx, amount, actor)
				if err != nil {
					return nil, err
				}
				return shiftView{Shift: s, ExpectedCash: s.ExpectedCash()}, nil
			})
		},
	}
	closeCmd.Flags().StringVar(&counted, "cash", "", "cash counted in the drawer")
	actorFlags(closeCmd, &actor)
	closeCmd.PreRunE = requireFlags("cash")
	cmd.AddCommand(closeCmd)

	return cmd
}

type shiftView struct {
	model.Shift
	ExpectedCash decimal.Decimal `json:"expectedCash"`
}
