package follower

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gasavg/internal/aggregator"
	"gasavg/internal/scheduler"
)

var (
	// ErrLockHeld is returned by Backfill when another process owns the chain.
	ErrLockHeld = errors.New("advisory lock held by another process")
	// ErrBackfillGap rejects a range that would move the cursor past sampled
	// heights that were never delivered.
	ErrBackfillGap = errors.New("backfill range leaves undelivered heights before it")
)

// Source provides chain heads and blocks.
type Source interface {
	LatestHeight(ctx context.Context) (uint64, error)
	BlockAt(ctx context.Context, height uint64) (aggregator.Block, error)
}

// Ingester consumes sampled blocks.
type Ingester interface {
	Chain() string
	SamplingInterval() uint64
	Ingest(ctx context.Context, block aggregator.Block) (aggregator.Outcome, error)
}

// Locker elects a single follower per chain across processes.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// Metrics observes follower progress.
type Metrics interface {
	ObserveHead(head, cursor uint64)
	ObserveStep(err error, heights int, started time.Time)
}

// Options configure one chain's follower.
type Options struct {
	StartBlock    uint64
	Confirmations uint64
	BatchLimit    int
	PollInterval  time.Duration
	// LockKey enables advisory-lock leadership when non-zero.
	LockKey int64
}

// StepResult summarises one polling step.
type StepResult struct {
	Head      uint64
	Target    uint64
	Cursor    uint64
	Processed int
	Applied   int
	// Standby is set when another process holds the chain lock.
	Standby bool
}

// Follower walks the chain along the engine's sampling cadence and feeds
// every sampled block to it. Progress is kept in the cursor store so a restart
// resumes where it stopped; redelivery is harmless because ingestion is idempotent.
type Follower struct {
	opts    Options
	source  Source
	engine  Ingester
	cursors aggregator.CursorStore
	locker  Locker
	metrics Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	cursor    uint64
	hasCursor bool
}

// New constructs a follower. cursors, locker and metrics may be nil.
func New(opts Options, source Source, engine Ingester, cursors aggregator.CursorStore, locker Locker, metrics Metrics, logger zerolog.Logger) (*Follower, error) {
	if source == nil {
		return nil, errors.New("block source is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 500
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 12 * time.Second
	}
	return &Follower{
		opts:    opts,
		source:  source,
		engine:  engine,
		cursors: cursors,
		locker:  locker,
		metrics: metrics,
		logger:  logger.With().Str("component", "follower").Str("chain", engine.Chain()).Logger(),
	}, nil
}

// Run polls the chain head every PollInterval until ctx is cancelled.
func (f *Follower) Run(ctx context.Context) error {
	sched, err := scheduler.New(scheduler.Options{
		Name:      "follower:" + f.engine.Chain(),
		Interval:  f.opts.PollInterval,
		Immediate: true,
	}, f.logger)
	if err != nil {
		return err
	}

	f.logger.Info().Dur("poll_interval", f.opts.PollInterval).Msg("follower started")
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := f.Step(ctx)
		return err
	})
}

// Step processes up to BatchLimit sampled heights between the cursor and the
// confirmed head.
func (f *Follower) Step(ctx context.Context) (StepResult, error) {
	started := time.Now()

	unlock, proceed, err := f.acquireLock(ctx)
	if err != nil {
		return StepResult{}, err
	}
	if !proceed {
		f.logger.Debug().Msg("skip step because advisory lock held elsewhere")
		return StepResult{Standby: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	res, err := f.step(ctx)
	if f.metrics != nil {
		f.metrics.ObserveStep(err, res.Processed, started)
		f.metrics.ObserveHead(res.Head, res.Cursor)
	}
	return res, err
}

func (f *Follower) step(ctx context.Context) (StepResult, error) {
	head, err := f.source.LatestHeight(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("latest height: %w", err)
	}

	res := StepResult{Head: head}
	cursor, ok, err := f.loadCursor(ctx)
	if err != nil {
		return res, err
	}
	res.Cursor = cursor

	if head < f.opts.Confirmations {
		return res, nil
	}
	res.Target = head - f.opts.Confirmations

	from := f.opts.StartBlock
	if ok {
		if cursor == ^uint64(0) {
			return res, nil
		}
		from = cursor + 1
	}

	walked, err := f.walk(ctx, from, res.Target, f.opts.BatchLimit, false)
	res.Processed = walked.Processed
	res.Applied = walked.Applied
	if walked.Processed > 0 {
		res.Cursor = walked.Last
	}
	if err != nil {
		return res, err
	}

	if res.Processed > 0 {
		f.logger.Info().
			Uint64("head", head).
			Uint64("cursor", res.Cursor).
			Int("processed", res.Processed).
			Int("applied", res.Applied).
			Msg("follower step complete")
	}
	return res, nil
}

// BackfillResult summarises a backfill run.
type BackfillResult struct {
	Planned    int
	Processed  int
	Applied    int
	Duplicates int
	Skipped    int
	Failed     int
}

// Backfill ingests every sampled height in [from, to]. Heights at or below
// the cursor were already delivered and are left alone so samples keep
// arriving in time order. The range must start at or before the next
// undelivered sampled height, otherwise ErrBackfillGap is returned; the
// cursor only ever moves over delivered heights. A dry run fetches blocks
// without ingesting them and is never refused for a gap.
func (f *Follower) Backfill(ctx context.Context, from, to uint64, dryRun bool) (BackfillResult, error) {
	if from > to {
		return BackfillResult{}, fmt.Errorf("backfill range is empty: from %d > to %d", from, to)
	}

	unlock, proceed, err := f.acquireLock(ctx)
	if err != nil {
		return BackfillResult{}, err
	}
	if !proceed {
		return BackfillResult{}, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	cursor, ok, err := f.loadCursor(ctx)
	if err != nil {
		return BackfillResult{}, err
	}
	if ok && cursor >= from {
		if cursor >= to {
			f.logger.Warn().Uint64("cursor", cursor).Msg("backfill range already delivered")
			return BackfillResult{}, nil
		}
		f.logger.Warn().Uint64("from", from).Uint64("cursor", cursor).Msg("backfill starts after the cursor")
		from = cursor + 1
	}

	if !dryRun {
		resume := f.opts.StartBlock
		if ok {
			resume = cursor + 1
		}
		if next, exists := nextMultiple(resume, f.engine.SamplingInterval()); exists && next < from {
			f.logger.Error().Uint64("from", from).Uint64("next_undelivered", next).Msg("backfill would skip sampled heights")
			return BackfillResult{}, fmt.Errorf("%w: next undelivered height is %d, range starts at %d", ErrBackfillGap, next, from)
		}
	}

	walked, err := f.walk(ctx, from, to, 0, dryRun)
	f.logger.Info().
		Int("planned", walked.Planned).
		Int("processed", walked.Processed).
		Int("applied", walked.Applied).
		Int("duplicates", walked.Duplicates).
		Bool("dry_run", dryRun).
		Msg("backfill finished")
	return walked.BackfillResult, err
}

type walkResult struct {
	BackfillResult
	Last uint64
}

// walk hands each sampled height in [from, to] to the engine in order and
// advances the cursor after every successful ingestion. It stops at the
// first failure so nothing is skipped. limit <= 0 means unbounded.
func (f *Follower) walk(ctx context.Context, from, to uint64, limit int, dryRun bool) (walkResult, error) {
	var res walkResult
	interval := f.engine.SamplingInterval()
	if interval == 0 {
		return res, errors.New("sampling interval must be positive")
	}

	first, ok := nextMultiple(from, interval)
	if !ok || first > to {
		return res, nil
	}
	res.Planned = int((to-first)/interval) + 1
	if limit > 0 && res.Planned > limit {
		res.Planned = limit
	}

	for h := first; h <= to; h += interval {
		if limit > 0 && res.Processed >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		block, err := f.source.BlockAt(ctx, h)
		if err != nil {
			res.Failed++
			return res, fmt.Errorf("fetch block %d: %w", h, err)
		}

		if dryRun {
			fee := "none"
			if block.FeeValue != nil {
				fee = block.FeeValue.String()
			}
			f.logger.Info().Uint64("block", h).Uint64("timestamp", block.Timestamp).Str("fee", fee).Msg("dry-run: block not ingested")
			res.Processed++
			continue
		}

		outcome, err := f.engine.Ingest(ctx, block)
		if err != nil {
			res.Failed++
			return res, err
		}
		switch outcome {
		case aggregator.OutcomeApplied:
			res.Applied++
		case aggregator.OutcomeDuplicate:
			res.Duplicates++
		default:
			res.Skipped++
		}

		if err := f.saveCursor(ctx, h); err != nil {
			return res, err
		}
		res.Processed++
		res.Last = h

		if h > ^uint64(0)-interval {
			break
		}
	}
	return res, nil
}

func (f *Follower) loadCursor(ctx context.Context) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hasCursor {
		return f.cursor, true, nil
	}
	if f.cursors == nil {
		return 0, false, nil
	}
	height, ok, err := f.cursors.Cursor(ctx, f.engine.Chain())
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	if ok {
		f.cursor, f.hasCursor = height, true
	}
	return height, ok, nil
}

func (f *Follower) saveCursor(ctx context.Context, height uint64) error {
	if f.cursors != nil {
		if err := f.cursors.SetCursor(ctx, f.engine.Chain(), height); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
	f.mu.Lock()
	f.cursor, f.hasCursor = height, true
	f.mu.Unlock()
	return nil
}

func (f *Follower) acquireLock(ctx context.Context) (func(), bool, error) {
	if f.opts.LockKey == 0 || f.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := f.locker.TryAdvisoryLock(ctx, f.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// nextMultiple returns the smallest multiple of interval that is >= h.
func nextMultiple(h, interval uint64) (uint64, bool) {
	rem := h % interval
	if rem == 0 {
		return h, true
	}
	step := interval - rem
	if h > ^uint64(0)-step {
		return 0, false
	}
	return h + step, true
}
