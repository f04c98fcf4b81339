package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/ledger"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the sync history, oldest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.History.List(ctx)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every history row",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				if err := a.History.Clear(ctx); err != nil {
					return nil, err
				}
				return "history cleared", nil
			})
		},
	})

	return cmd
}

// NewProtectionCommand creates the protection command.
func NewProtectionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "protection",
		Short: "Show the offline protection state",
		Long: `Show the offline protection state: days since the backend was last
reached and whether the local data is sealed.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Gate.Status(), nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Evaluate the thresholds now and seal or unseal the local data",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				if _, err := a.Gate.CheckAndEnforce(ctx); err != nil {
					return nil, err
				}
				return a.Gate.Status(), nil
			})
		},
	})

	return cmd
}

// ProfitOptions holds flags for the profit command.
type ProfitOptions struct {
	*RootOptions
	From string
	To   string
}

// NewProfitCommand creates the profit command.
func NewProfitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProfitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "profit",
		Short: "Summarize gross and net profit",
		Long: `Summarize gross profit, operating expenses and net profit over an
inclusive date range. Empty bounds are open.

Example:
  tillsync profit --from 2025-01-01 --to 2025-01-31`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, d := range []string{opts.From, opts.To} {
				if d == "" {
					continue
				}
				if _, err := time.Parse(time.DateOnly, d); err != nil {
					return WrapExitError(ExitCommandError, "bad date", err)
				}
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Txn.NetProfit(ctx, ledger.Period{From: opts.From, To: opts.To})
			})
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.To, "to", "", "last day, YYYY-MM-DD")

	return cmd
}

// NewActivityCommand creates the activity command.
func NewActivityCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the most recent activity log lines",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Activity.Recent(ctx, limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of lines")

	return cmd
}
