package cli

import (
	"github.com/spf13/cobra"

	"github.com/vadiminshakov/payledger/internal/setup"
)

const defaultConfigFile = "config.yaml"

// NewSetupCommand creates the interactive setup command.
func NewSetupCommand(rootOpts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create a config file with an interactive wizard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := output
			if path == "" {
				path = rootOpts.ConfigPath
			}
			if path == "" {
				path = defaultConfigFile
			}
			return setup.RunTUI(path)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "where to write the config (defaults to --config or config.yaml)")

	return cmd
}
