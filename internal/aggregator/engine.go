package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSamplingInterval samples every 150th block.
const DefaultSamplingInterval = 150

// Outcome tells the caller what Ingest did with a block.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeSkippedCadence Outcome = "skipped_cadence"
	OutcomeSkippedNoFee   Outcome = "skipped_no_fee"
)

// ErrNegativeFee rejects fee values below zero.
var ErrNegativeFee = errors.New("fee value must not be negative")

// IngestMetrics observes ingestion outcomes.
type IngestMetrics interface {
	ObserveIngest(outcome Outcome, err error, started time.Time)
}

// Options configure one chain's engine.
type Options struct {
	ChainID          string
	SamplingInterval uint64
	Windows          Windows
}

// Engine turns inbound blocks into samples and keeps the window averages current.
// Ingest is serialised; State never waits on it.
type Engine struct {
	opts    Options
	store   Store
	metrics IngestMetrics
	logger  zerolog.Logger

	mu sync.Mutex
}

// NewEngine builds an engine for one chain.
func NewEngine(opts Options, store Store, metrics IngestMetrics, logger zerolog.Logger) (*Engine, error) {
	if opts.ChainID == "" {
		return nil, errors.New("chain id is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if opts.SamplingInterval == 0 {
		opts.SamplingInterval = DefaultSamplingInterval
	}
	if opts.Windows == (Windows{}) {
		opts.Windows = DefaultWindows()
	}

	return &Engine{
		opts:    opts,
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "engine").Str("chain", opts.ChainID).Logger(),
	}, nil
}

// Chain returns the chain id this engine serves.
func (e *Engine) Chain() string { return e.opts.ChainID }

// SamplingInterval returns the block cadence.
func (e *Engine) SamplingInterval() uint64 { return e.opts.SamplingInterval }

// Windows returns the configured window durations.
func (e *Engine) Windows() Windows { return e.opts.Windows }

// Store exposes the underlying store for read paths.
func (e *Engine) Store() Store { return e.store }

// State returns the last committed averages.
func (e *Engine) State(ctx context.Context) (State, error) {
	return e.store.State(ctx, e.opts.ChainID)
}

// Ingest processes one block. Redelivered blocks are no-ops.
func (e *Engine) Ingest(ctx context.Context, block Block) (Outcome, error) {
	started := time.Now()
	outcome, err := e.ingest(ctx, block)
	if e.metrics != nil {
		e.metrics.ObserveIngest(outcome, err, started)
	}
	return outcome, err
}

func (e *Engine) ingest(ctx context.Context, block Block) (Outcome, error) {
	if block.Number%e.opts.SamplingInterval != 0 {
		return OutcomeSkippedCadence, nil
	}
	if block.FeeValue == nil {
		e.logger.Debug().Uint64("block", block.Number).Msg("block has no fee value; skipped")
		return OutcomeSkippedNoFee, nil
	}
	if block.FeeValue.Sign() < 0 {
		return "", fmt.Errorf("block %d: %w", block.Number, ErrNegativeFee)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sample := Sample{
		ID:          SampleID(block.Number),
		ChainID:     e.opts.ChainID,
		BlockNumber: block.Number,
		ObservedAt:  block.Timestamp,
		FeeValue:    new(big.Int).Set(block.FeeValue),
	}

	outcome := OutcomeApplied
	var next State
	err := e.store.Apply(ctx, e.opts.ChainID, func(ctx context.Context, tx Tx) error {
		_, exists, err := tx.Sample(ctx, sample.ID)
		if err != nil {
			return err
		}
		if exists {
			outcome = OutcomeDuplicate
			return nil
		}

		if err := tx.InsertSample(ctx, sample); err != nil {
			return err
		}

		next, err = e.recomputeAll(ctx, tx, sample)
		if err != nil {
			return err
		}
		return tx.SetState(ctx, next)
	})
	if err != nil {
		return "", fmt.Errorf("ingest block %d: %w", block.Number, err)
	}

	if outcome == OutcomeDuplicate {
		e.logger.Debug().Uint64("block", block.Number).Msg("sample already stored; skipped")
		return outcome, nil
	}

	e.logger.Info().
		Uint64("block", block.Number).
		Uint64("timestamp", block.Timestamp).
		Str("fee", sample.FeeValue.String()).
		Str("avg_daily", next.AverageDaily.String()).
		Str("avg_weekly", next.AverageWeekly.String()).
		Str("avg_monthly", next.AverageMonthly.String()).
		Msg("sample applied")
	return outcome, nil
}

func (e *Engine) recomputeAll(ctx context.Context, tx Tx, sample Sample) (State, error) {
	prev, err := tx.State(ctx)
	if err != nil {
		return State{}, err
	}

	memberships := make(map[WindowKind][]string, len(Kinds))
	ids := make([]string, 0)
	for _, kind := range Kinds {
		members, err := tx.Membership(ctx, kind)
		if err != nil {
			return State{}, err
		}
		memberships[kind] = members
		ids = append(ids, members...)
	}

	samples, err := tx.Samples(ctx, ids)
	if err != nil {
		return State{}, err
	}
	samples[sample.ID] = sample

	next := State{
		ChainID:       e.opts.ChainID,
		LastUpdated:   sample.ObservedAt,
		FirstObserved: prev.FirstObserved,
		Initialized:   true,
	}
	if !prev.Initialized {
		next.FirstObserved = sample.ObservedAt
	}

	for _, kind := range Kinds {
		res := Recompute(memberships[kind], sample.ID, sample.ObservedAt, e.opts.Windows.Seconds(kind), samples)
		if err := tx.SetMembership(ctx, kind, res.MemberIDs); err != nil {
			return State{}, err
		}
		switch kind {
		case Daily:
			next.AverageDaily = res.Average
		case Weekly:
			next.AverageWeekly = res.Average
		case Monthly:
			next.AverageMonthly = res.Average
		}
	}
	return next, nil
}
