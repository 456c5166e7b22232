// Package cli implements the payledger command line.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command for the payledger CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "payledger",
		Short: "Balance ledger with exactly-once TON payment crediting",
		Long: `payledger keeps user balances and credits on-chain TON payments to them.

Payments are announced as intents, matched against incoming transfers to the
configured receiving address and credited exactly once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (defaults apply when empty)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSetupCommand(opts))
	cmd.AddCommand(NewIntentCommand(opts))
	cmd.AddCommand(NewBalanceCommand(opts))

	return cmd
}

// commandLogger is quiet for one-shot commands unless --verbose is set.
func commandLogger(opts *RootOptions) *zap.Logger {
	if !opts.Verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
