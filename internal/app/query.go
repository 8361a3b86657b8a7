package app

import (
	"context"
	"fmt"
	"io"

	"gasavg/internal/settlement"
)

// Query resolves one settlement reading and prints it. Local sources read the
// configured store, so they only return data when a database is set.
func (a *App) Query(ctx context.Context, w io.Writer, opts QueryOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	query := a.newQuery(rt)
	path := query.Resolve(opts.Source)
	value, err := query.SnapshotAverage(ctx, opts.Source, opts.Selector)
	if err != nil {
		return fmt.Errorf("%s query: %w", path, err)
	}

	if !opts.Encoded {
		fmt.Fprintln(w, value.String())
		return nil
	}

	encoded, err := settlement.Encode(value)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, encoded)
	return nil
}
