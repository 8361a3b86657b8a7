package app

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"gasavg/internal/aggregator"
)

// Show prints the aggregator state of a chain followed by its most recent samples.
func (a *App) Show(ctx context.Context, w io.Writer, opts ShowOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	engine, err := rt.engine(opts.Chain)
	if err != nil {
		return err
	}

	state, err := engine.State(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "chain %s  phase %s\n", engine.Chain(), state.Phase(engine.Windows()))
	if state.Initialized {
		fmt.Fprintf(w, "last updated %s\n", formatUnix(state.LastUpdated))
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Window\tAverage (wei)\tAverage (gwei)")
	for _, kind := range aggregator.Kinds {
		avg := state.Average(kind)
		fmt.Fprintf(writer, "%s\t%s\t%s\n", kind, avg.String(), formatGwei(avg))
	}
	writer.Flush()

	samples, err := rt.store.RecentSamples(ctx, engine.Chain(), opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(w, "no samples found")
		return nil
	}

	fmt.Fprintln(w)
	writer = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBlock\tFee (wei)\tFee (gwei)")
	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\n",
			formatUnix(sample.ObservedAt),
			sample.BlockNumber,
			sample.FeeValue.String(),
			formatGwei(sample.FeeValue),
		)
	}
	return writer.Flush()
}

var gwei = decimal.New(1, 9)

func formatGwei(v *big.Int) string {
	if v == nil {
		return "-"
	}
	return decimal.NewFromBigInt(v, 0).Div(gwei).StringFixed(3)
}

func formatUnix(ts uint64) string {
	return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
}
