package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"gasavg/internal/app"
)

var (
	showChain string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display aggregator state and recent samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Chain: showChain,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showChain, "chain", "eth", "Chain id to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
