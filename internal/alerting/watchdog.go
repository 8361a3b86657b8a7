package alerting

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

// Target is an aggregator whose freshness is watched.
type Target interface {
	Chain() string
	Windows() aggregator.Windows
	State(ctx context.Context) (aggregator.State, error)
}

// WatchdogOptions tune staleness detection.
type WatchdogOptions struct {
	Interval     time.Duration
	MaxStaleness time.Duration
	// Now is overridable in tests.
	Now func() time.Time
}

// Watchdog raises one alert when a chain's aggregator stops advancing and one
// more when it recovers.
type Watchdog struct {
	opts     WatchdogOptions
	targets  []Target
	notifier Notifier
	logger   zerolog.Logger
	started  time.Time

	mu    sync.Mutex
	stale map[string]bool
}

// NewWatchdog constructs a watchdog over targets. notifier may be nil, in
// which case alerts are only logged.
func NewWatchdog(opts WatchdogOptions, targets []Target, notifier Notifier, logger zerolog.Logger) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.MaxStaleness <= 0 {
		opts.MaxStaleness = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watchdog{
		opts:     opts,
		targets:  targets,
		notifier: notifier,
		logger:   logger.With().Str("component", "watchdog").Logger(),
		started:  opts.Now(),
		stale:    make(map[string]bool, len(targets)),
	}
}

// Run checks every Interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	sched, err := scheduler.New(scheduler.Options{Name: "watchdog", Interval: w.opts.Interval}, w.logger)
	if err != nil {
		return err
	}
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := w.Check(ctx)
		return err
	})
}

// Check evaluates every target once and returns the notifications it raised.
func (w *Watchdog) Check(ctx context.Context) ([]Notification, error) {
	now := w.opts.Now()
	var (
		notes []Notification
		errs  []error
	)

	for _, target := range w.targets {
		chain := target.Chain()
		state, err := target.State(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s state: %w", chain, err))
			continue
		}

		note := Notification{
			Chain:        chain,
			Phase:        string(state.Phase(target.Windows())),
			MaxStaleness: w.opts.MaxStaleness,
		}
		// before the first sample, staleness is counted from watchdog start
		reference := w.started
		if state.Initialized {
			note.LastUpdated = time.Unix(int64(state.LastUpdated), 0)
			reference = note.LastUpdated
		}
		note.Lag = now.Sub(reference)
		if note.Lag < 0 {
			note.Lag = 0
		}

		isStale := note.Lag > w.opts.MaxStaleness
		w.mu.Lock()
		wasStale := w.stale[chain]
		w.stale[chain] = isStale
		w.mu.Unlock()

		if isStale == wasStale {
			continue
		}
		note.Recovered = !isStale

		event := w.logger.Warn()
		if note.Recovered {
			event = w.logger.Info()
		}
		event.Str("chain", chain).Dur("lag", note.Lag).Bool("recovered", note.Recovered).Msg("aggregator freshness changed")

		if w.notifier != nil {
			if err := w.notifier.Notify(ctx, note); err != nil {
				errs = append(errs, fmt.Errorf("notify %s: %w", chain, err))
			}
		}
		notes = append(notes, note)
	}

	return notes, errors.Join(errs...)
}
