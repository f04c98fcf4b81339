package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/syncqueue"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay the sync queue once",
		Long: `Replay every eligible queue entry against the backend once, oldest
first, and report what happened. Entries that fail are rescheduled with
backoff; entries the backend rejects outright are parked as failed.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Queue.SyncNow(ctx)
			})
		},
	}
}

// QueueListOptions holds flags for queue list.
type QueueListOptions struct {
	*RootOptions
	Status string
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	status := func(cmd *cobra.Command, args []string) error {
		return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
			return a.Queue.Status(), nil
		})
	}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the sync queue",
		Args:  exactArgs(0),
		RunE:  status,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show queue counts",
		Args:  exactArgs(0),
		RunE:  status,
	})

	listOpts := &QueueListOptions{RootOptions: rootOpts}
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue entries in replay order",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			want := syncqueue.Status(listOpts.Status)
			valid := []syncqueue.Status{"", syncqueue.StatusPending, syncqueue.StatusProcessing, syncqueue.StatusFailed, syncqueue.StatusSynced}
			if !slices.Contains(valid, want) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --status %q", listOpts.Status))
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				out := []syncqueue.Entry{}
				for _, e := range a.Queue.Entries() {
					if want == "" || e.Status == want {
						out = append(out, e)
					}
				}
				return out, nil
			})
		},
	}
	list.Flags().StringVar(&listOpts.Status, "status", "", "only entries with this status (pending|processing|failed|synced)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Move failed entries back to pending",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				n, err := a.Queue.RetryFailed(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]int{"retried": n}, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Drop one entry without replaying it",
		Long: `Drop one entry without replaying it. The operation stays committed in the
local ledger but will never reach the backend.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				if err := a.Queue.Discard(ctx, args[0]); err != nil {
					return nil, err
				}
				return fmt.Sprintf("discarded %s", args[0]), nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove synced entries past their grace period",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				n, err := a.Queue.Purge(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]int{"purged": n}, nil
			})
		},
	})

	return cmd
}
