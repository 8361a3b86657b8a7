package app

import (
	"context"
	"errors"
	"fmt"
)

// Backfill ingests the sampled heights of one chain within [From, To].
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	cc, ok := a.Config.Chain(opts.Chain)
	if !ok {
		return fmt.Errorf("chain %q 未配置", opts.Chain)
	}
	if cc.RPCURL == "" {
		return fmt.Errorf("chain %s 缺少 rpc_url，无法回填", cc.ID)
	}
	if opts.From > opts.To {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if !rt.durable && !opts.DryRun {
		return errors.New("database.dsn 未配置，无法回填")
	}
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：只拉取区块，不会写入数据库")
	}

	index := 0
	for i, c := range a.Config.Chains {
		if c.ID == cc.ID {
			index = i
		}
	}
	f, closeSource, err := a.newFollower(rt, index, cc)
	if err != nil {
		return err
	}
	defer closeSource()

	res, err := f.Backfill(ctx, opts.From, opts.To, opts.DryRun)
	a.Logger.Info().
		Str("chain", cc.ID).
		Int("planned", res.Planned).
		Int("processed", res.Processed).
		Int("applied", res.Applied).
		Int("duplicates", res.Duplicates).
		Int("skipped", res.Skipped).
		Msg("回填完成")
	if err != nil {
		return fmt.Errorf("backfill %s: %w", cc.ID, err)
	}
	return nil
}
