// Package cli is the tillsync command line: the long-running till daemon,
// one-shot transactions against the local ledger, queue and protection
// maintenance, and the scenario harness.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DB         string // overrides config db
	Verbose    bool
	Format     string // "json" | "text"

	// Config is loaded before any subcommand runs.
	Config *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tillsync CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

func newRoot() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tillsync",
		Short: "Offline-first transaction sync for a point of sale",
		Long: `tillsync keeps a till trading while the backend is unreachable.

Sales, refunds, expenses and debt payments commit to the local ledger first,
are mirrored to the backend when it answers and are queued for replay when
it does not. A till that has not reached the backend for too long seals its
local data until it reconnects.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			if opts.DB != "" {
				cfg.DB = opts.DB
			}
			opts.Config = cfg

			level := cfg.Logging.Level
			if opts.Verbose {
				level = "debug"
			}
			logger.Init(logger.Options{
				Level:   level,
				Format:  cfg.Logging.Format,
				Service: "tillsync",
				Writer:  cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "bad flags", err)
	})

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "path to the local SQLite database (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSaleCommand(opts, false))
	cmd.AddCommand(NewSaleCommand(opts, true))
	cmd.AddCommand(NewRefundCommand(opts))
	cmd.AddCommand(NewExpenseCommand(opts))
	cmd.AddCommand(NewPayDebtCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewProtectionCommand(opts))
	cmd.AddCommand(NewProductsCommand(opts))
	cmd.AddCommand(NewShiftCommand(opts))
	cmd.AddCommand(NewProfitCommand(opts))
	cmd.AddCommand(NewActivityCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd, opts
}

// Execute runs the CLI with args and returns the process exit code. Errors
// are reported once here: as a JSON envelope on stdout with --format json,
// as a line on stderr otherwise.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, opts := newRoot()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Quiet {
		return exitErr.Code
	}

	f := &OutputFormatter{Format: opts.Format, Writer: stderr, Verbose: opts.Verbose}
	if f.Format == "json" {
		f.Writer = stdout
	}
	code, details := ErrorCode(err)
	if code == ErrCodeGeneric && GetExitCode(err) == ExitCommandError {
		code = ErrCodeCommand
	}
	_ = f.Error(code, err.Error(), details)
	return GetExitCode(err)
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openApp opens the engine on the configured database. The caller closes it.
func (o *RootOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	a, err := app.Open(cmd.Context(), app.Deps{Config: o.Config})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open engine", err)
	}
	return a, nil
}

// withApp opens the engine, runs fn and prints its result.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) (err error) {
	a, err := o.openApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	out, err := fn(cmd.Context(), a)
	if err != nil {
		return err
	}
	return o.formatter(cmd).Success(out)
}

// exactArgs is cobra.ExactArgs reporting a command error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return WrapExitError(ExitCommandError, "bad arguments", err)
		}
		return nil
	}
}
