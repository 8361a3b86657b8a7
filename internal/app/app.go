package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gasavg/internal/aggregator"
	"gasavg/internal/alerting"
	"gasavg/internal/api"
	"gasavg/internal/chain"
	"gasavg/internal/config"
	"gasavg/internal/follower"
	"gasavg/internal/metrics"
	"gasavg/internal/settlement"
	"gasavg/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// persistence is what every command needs from the store, whichever backend serves it.
type persistence interface {
	aggregator.Store
	aggregator.SampleLister
	aggregator.CursorStore
}

// runtime holds the engines of every configured chain over one shared store.
type runtime struct {
	store   persistence
	locker  follower.Locker
	engines []*aggregator.Engine
	byID    map[string]*aggregator.Engine
	durable bool
	close   func()
}

func (rt *runtime) engine(id string) (*aggregator.Engine, error) {
	e, ok := rt.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, fmt.Errorf("chain %q is not configured", id)
	}
	return e, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// build wires one engine per chain. Without a DSN the engines share an
// in-memory store that lives as long as the process.
func (a *App) build(ctx context.Context) (*runtime, error) {
	rt := &runtime{byID: make(map[string]*aggregator.Engine, len(a.Config.Chains)), close: func() {}}

	pg, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if pg != nil {
		rt.store, rt.locker, rt.durable, rt.close = pg, pg, true, closeStore
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		rt.store = aggregator.NewMemoryStore()
	}

	for _, cc := range a.Config.Chains {
		engine, err := aggregator.NewEngine(aggregator.Options{
			ChainID:          cc.ID,
			SamplingInterval: cc.SamplingInterval,
			Windows: aggregator.Windows{
				Daily:   cc.Windows.Daily,
				Weekly:  cc.Windows.Weekly,
				Monthly: cc.Windows.Monthly,
			},
		}, rt.store, metrics.NewIngest(cc.ID), a.Logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("chain %s: %w", cc.ID, err)
		}
		rt.engines = append(rt.engines, engine)
		rt.byID[cc.ID] = engine
	}
	return rt, nil
}

func (a *App) newQuery(rt *runtime) *settlement.Query {
	locals := make(map[string]settlement.StateReader, len(rt.engines))
	for _, e := range rt.engines {
		locals[e.Chain()] = e
	}
	cfg := a.Config.Settlement
	return settlement.NewQuery(settlement.Options{
		Timeout:            cfg.Timeout,
		RemoteListEndpoint: cfg.RemoteListEndpoint,
		RemoteListField:    cfg.RemoteListField,
		Scale:              cfg.RemoteScale,
		UserAgent:          cfg.UserAgent,
	}, locals, metrics.NewSettlement(), a.Logger)
}

func (a *App) newAPIServer(rt *runtime) *api.Server {
	chains := make([]api.Chain, 0, len(rt.engines))
	for _, e := range rt.engines {
		chains = append(chains, e)
	}
	cfg := a.Config.API
	return api.NewServer(api.Options{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, a.newQuery(rt), chains, a.Logger)
}

// newFollower wires the RPC source of chain cc. The returned closer releases the RPC client.
func (a *App) newFollower(rt *runtime, index int, cc config.ChainConfig) (*follower.Follower, func(), error) {
	engine, err := rt.engine(cc.ID)
	if err != nil {
		return nil, nil, err
	}

	source := chain.NewRPCSource(chain.Options{
		ChainID: cc.ID,
		RPCURL:  cc.RPCURL,
		Timeout: cc.RequestTimeout,
	}, a.Logger)

	var lockKey int64
	if base := a.Config.Follower.AdvisoryLockKey; base != 0 && rt.locker != nil {
		lockKey = base + int64(index)
	}

	f, err := follower.New(follower.Options{
		StartBlock:    cc.StartBlock,
		Confirmations: cc.Confirmations,
		BatchLimit:    a.Config.Follower.BatchLimit,
		PollInterval:  a.Config.Follower.PollInterval,
		LockKey:       lockKey,
	}, source, engine, rt.store, rt.locker, metrics.NewFollower(cc.ID), a.Logger)
	if err != nil {
		source.Close()
		return nil, nil, err
	}
	return f, source.Close, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// Run executes the long-running indexer: followers, API server and watchdog.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	g, ctx := errgroup.WithContext(ctx)

	following := 0
	for i, cc := range a.Config.Chains {
		if cc.RPCURL == "" {
			a.Logger.Warn().Str("chain", cc.ID).Msg("rpc_url not configured; chain served read-only")
			continue
		}
		f, closeSource, err := a.newFollower(rt, i, cc)
		if err != nil {
			return err
		}
		defer closeSource()
		following++
		g.Go(func() error { return f.Run(ctx) })
	}

	server := a.newAPIServer(rt)
	g.Go(func() error { return server.Start(ctx) })

	if a.Config.Watchdog.Enabled {
		targets := make([]alerting.Target, 0, len(rt.engines))
		for _, e := range rt.engines {
			targets = append(targets, e)
		}
		watchdog := alerting.NewWatchdog(alerting.WatchdogOptions{
			Interval:     a.Config.Watchdog.Interval,
			MaxStaleness: a.Config.Watchdog.MaxStaleness,
		}, targets, a.newNotifier(), a.Logger)
		g.Go(func() error { return watchdog.Run(ctx) })
	}

	a.Logger.Info().Int("chains", len(rt.engines)).Int("following", following).Bool("durable", rt.durable).Msg("starting gasavg")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("gasavg stopped")
	return nil
}

// Serve runs only the HTTP read path.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	if !rt.durable {
		a.Logger.Warn().Msg("serving an empty in-memory store; configure database.dsn to read indexed data")
	}

	return a.newAPIServer(rt).Start(ctx)
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Chain     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Chain string
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	Chain  string
	From   uint64
	To     uint64
	DryRun bool
}

// QueryOptions configure a one-shot settlement query.
type QueryOptions struct {
	Source string
	// Selector must be 1, 2 or 3; the CLI fills aggregator.DefaultSelector when omitted.
	Selector int
	Encoded  bool
}
