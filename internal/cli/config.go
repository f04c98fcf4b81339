package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/config"
)

// ValidationResult holds config validation results.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path,omitempty"`
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after file and environment overrides",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			// round trip through YAML so both formats use the file's keys
			raw, err := yaml.Marshal(rootOpts.Config)
			if err != nil {
				return err
			}
			var view map[string]any
			if err := yaml.Unmarshal(raw, &view); err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(view)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Check a config file against the schema",
		Long: `Check a config file against the schema without starting anything.
Without an argument the --config file is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.Load(path); err != nil {
				return WrapExitError(ExitFailure, "invalid config", err)
			}
			return rootOpts.formatter(cmd).Success(ValidationResult{Valid: true, Path: path})
		},
	})

	return cmd
}
