package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"gasavg/internal/aggregator"
	"gasavg/internal/app"
)

var queryEncoded bool

var queryCmd = &cobra.Command{
	Use:   "query <source> [selector]",
	Short: "Resolve one settlement average",
	Long: `Resolve the snapshot average of a source. The source is either a configured
chain id (optionally prefixed with "local:"), the remote list endpoint, or a
GraphQL indexer URL. The selector is 1 (daily), 2 (weekly, default) or 3 (monthly);
window names are accepted too.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.QueryOptions{Source: args[0], Selector: aggregator.DefaultSelector, Encoded: queryEncoded}
		if len(args) == 2 {
			selector, err := parseSelector(args[1])
			if err != nil {
				return err
			}
			opts.Selector = selector
		}
		return getApp().Query(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func parseSelector(raw string) (int, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	kind, err := aggregator.ParseKind(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid selector %q: %w", raw, err)
	}
	return kind.Selector(), nil
}

func init() {
	queryCmd.Flags().BoolVar(&queryEncoded, "encoded", false, "Print the 32-byte big-endian hex encoding")
}
