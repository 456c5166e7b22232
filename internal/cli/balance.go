package cli

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vadiminshakov/payledger/internal/domain"
)

// NewBalanceCommand groups balance commands.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Read and adjust user balances",
	}

	cmd.AddCommand(newBalanceGetCommand(rootOpts))
	cmd.AddCommand(newBalanceAdjustCommand(rootOpts))

	return cmd
}

type balanceOutput struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Applied *bool           `json:"applied,omitempty"`
}

func newBalanceGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <user-id>",
		Short: "Print a user balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(a *app) error {
				balance, err := a.ledger.Balance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), balanceOutput{UserID: args[0], Balance: balance.Amount})
			})
		},
	}
}

func newBalanceAdjustCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		ref    string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "adjust <user-id> <delta>",
		Short: "Add a signed amount to a user balance",
		Long: `Add a signed amount to a user balance. Negative amounts spend; a balance
never goes below zero. A --ref makes the adjustment idempotent.

Example:
  payledger balance adjust alice 10 --reason "daily reward" --ref reward-2026-10-18
  payledger balance adjust --reason purchase alice -- -2.5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := decimal.NewFromString(args[1])
			if err != nil {
				return errors.Wrapf(domain.ErrInvalidAmount, "parse %q", args[1])
			}

			return withApp(cmd, rootOpts, func(a *app) error {
				balance, applied, err := a.ledger.Adjust(cmd.Context(), args[0], delta, ref, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), balanceOutput{
					UserID:  args[0],
					Balance: balance.Amount,
					Applied: &applied,
				})
			})
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "idempotency reference")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded in the ledger journal")

	return cmd
}
