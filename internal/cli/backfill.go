package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"gasavg/internal/app"
)

var (
	backfillChain  string
	backfillFrom   uint64
	backfillTo     uint64
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest the sampled blocks of a historical height range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("to") {
			return fmt.Errorf("--to must be provided")
		}
		if backfillFrom > backfillTo {
			return fmt.Errorf("--from must not exceed --to")
		}

		opts := app.BackfillOptions{
			Chain:  backfillChain,
			From:   backfillFrom,
			To:     backfillTo,
			DryRun: backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillChain, "chain", "eth", "Chain id to backfill")
	backfillCmd.Flags().Uint64Var(&backfillFrom, "from", 0, "First block height (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillTo, "to", 0, "Last block height (inclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch blocks without writing to storage")
}
