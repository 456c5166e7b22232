package cli

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/internal/services/reconciler"
)

// NewIntentCommand groups payment intent commands.
func NewIntentCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Create, check and inspect payment intents",
	}

	cmd.AddCommand(newIntentCreateCommand(rootOpts))
	cmd.AddCommand(newIntentCheckCommand(rootOpts))
	cmd.AddCommand(newIntentShowCommand(rootOpts))

	return cmd
}

func newIntentCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		userID string
		amount string
		wallet string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an expected payment",
		Long: `Register an expected payment and print the intent with the address to pay.

Example:
  payledger intent create --user alice --amount 1.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return errors.Wrapf(domain.ErrInvalidAmount, "parse %q", amount)
			}

			return withEngine(cmd, rootOpts, func(a *app, engine *reconciler.Engine) error {
				intent, err := engine.CreateIntent(cmd.Context(), userID, value, reconciler.CreateOptions{Wallet: wallet})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), intent)
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to credit (required)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in TON (required)")
	cmd.Flags().StringVar(&wallet, "wallet", "", "sender wallet, required when wallet matching is on")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

type checkOutput struct {
	PaymentID       string              `json:"payment_id"`
	Matched         bool                `json:"matched"`
	Credited        bool                `json:"credited"`
	AlreadyCredited bool                `json:"already_credited"`
	Status          domain.IntentStatus `json:"status"`
	Balance         decimal.Decimal     `json:"balance"`
	TxHash          string              `json:"tx_hash,omitempty"`
	Reason          string              `json:"reason,omitempty"`
}

func newIntentCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var txHint string

	cmd := &cobra.Command{
		Use:   "check <payment-id>",
		Short: "Look for the payment on chain and credit it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(a *app, engine *reconciler.Engine) error {
				res, err := engine.CheckPayment(cmd.Context(), args[0], txHint)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), checkOutput{
					PaymentID:       args[0],
					Matched:         res.Matched,
					Credited:        res.Credited,
					AlreadyCredited: res.AlreadyCredited,
					Status:          res.Status,
					Balance:         res.Balance,
					TxHash:          res.TxHash,
					Reason:          res.Reason,
				})
			})
		},
	}

	cmd.Flags().StringVar(&txHint, "tx", "", "only consider this transaction hash")

	return cmd
}

func newIntentShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <payment-id>",
		Short: "Print a payment intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, rootOpts, func(a *app, engine *reconciler.Engine) error {
				intent, err := engine.GetIntent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), intent)
			})
		},
	}
}

func withApp(cmd *cobra.Command, rootOpts *RootOptions, fn func(a *app) error) error {
	a, err := openApp(cmd.Context(), rootOpts, commandLogger(rootOpts))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func withEngine(cmd *cobra.Command, rootOpts *RootOptions, fn func(a *app, engine *reconciler.Engine) error) error {
	return withApp(cmd, rootOpts, func(a *app) error {
		engine, err := a.engine()
		if err != nil {
			return err
		}
		return fn(a, engine)
	})
}
