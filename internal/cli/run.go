package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/logger"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	NoAPI bool
	Addr  string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the till engine",
		Long: `Run the till engine until interrupted.

Starts the replay worker, the offline protection check, history cleanup and
the connectivity probe, and serves the local status API. The engine keeps
trading offline while the backend is unreachable and replays the queue as
soon as it answers.

Example:
  tillsync run --db ./till.db
  tillsync run --config till.yaml --addr 127.0.0.1:7420`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.NoAPI, "no-api", false, "do not serve the local HTTP API")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "API listen address (overrides config)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	log := logger.Named("cli")
	if opts.Addr != "" {
		opts.Config.API.Addr = opts.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("close engine")
		}
	}()

	log.Info().
		Str("db", opts.Config.DB).
		Bool("remote", opts.Config.Remote.URL != "").
		Str("protection", string(a.Gate.State())).
		Msg("starting engine")

	if err := a.Run(ctx, app.RunOptions{Serve: !opts.NoAPI}); err != nil {
		return WrapExitError(ExitFailure, "engine stopped", err)
	}
	log.Info().Msg("engine stopped")
	return nil
}
