package main

import (
	"context"

	"github.com/alwitt/enclave"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	txUserID  int64
	txDaysOld int

	txCmd = &cobra.Command{
		Use:   "tx",
		Short: "Manage encryption transactions",
	}
)

func init() {
	txStartCmd.Flags().Int64VarP(&txUserID, "user", "u", 0, "the owning user")
	_ = txStartCmd.MarkFlagRequired("user")
	txCleanupCmd.Flags().IntVar(&txDaysOld, "days", 0, "age in days, the configured retention if not set")

	txCmd.AddCommand(txStartCmd)
	txCmd.AddCommand(txShowCmd)
	txCmd.AddCommand(txCompleteCmd)
	txCmd.AddCommand(txStatsCmd)
	txCmd.AddCommand(txCleanupCmd)
}

var txStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new E2EE transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			txn, err := core.Transactions.StartTransaction(ctx, txUserID, nil)
			if err != nil {
				return failure(err)
			}
			success("Started transaction %s", color.YellowString(txn.TransactionID))
			return printJSON(txn)
		})
	},
}

var txShowCmd = &cobra.Command{
	Use:   "show <transaction ID>",
	Short: "Show a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			txn, err := core.Transactions.GetTransaction(ctx, args[0])
			if err != nil {
				return failure(err)
			}
			return printJSON(txn)
		})
	},
}

var txCompleteCmd = &cobra.Command{
	Use:   "complete <transaction ID>",
	Short: "Complete an active transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			if _, err := core.Transactions.CompleteTransaction(ctx, args[0], nil); err != nil {
				return failure(err)
			}
			success("Completed transaction %s", color.YellowString(args[0]))
			return nil
		})
	},
}

var txStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show transaction statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			stats, err := core.Transactions.GetTransactionStatistics(ctx)
			if err != nil {
				return failure(err)
			}
			return printJSON(stats)
		})
	},
}

var txCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old completed transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *enclave.E2EECore) error {
			deleted, err := core.Transactions.CleanupOldTransactions(ctx, txDaysOld)
			if err != nil {
				return failure(err)
			}
			success("Deleted %d transactions", deleted)
			return nil
		})
	},
}
