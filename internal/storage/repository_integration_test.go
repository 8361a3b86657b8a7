package storage

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"gasavg/internal/aggregator"
	"gasavg/internal/config"
)

const postgresImage = "postgres:16-alpine"

var errInjected = errors.New("injected write failure")

type StoreSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	container *tcPostgres.PostgresContainer
	store     *Store
}

func TestStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)

	container, err := tcPostgres.Run(s.ctx,
		postgresImage,
		tcPostgres.WithDatabase("gasavg"),
		tcPostgres.WithUsername("gasavg"),
		tcPostgres.WithPassword("gasavg"),
		tcPostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	store, err := Open(s.ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4, AutoMigrate: true})
	s.Require().NoError(err)
	s.store = store
}

func (s *StoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *StoreSuite) engine(chainID string, store aggregator.Store) *aggregator.Engine {
	windows := aggregator.DefaultWindows()
	windows.Daily = 250 * time.Second
	engine, err := aggregator.NewEngine(aggregator.Options{ChainID: chainID, SamplingInterval: 150, Windows: windows}, store, nil, zerolog.Nop())
	s.Require().NoError(err)
	return engine
}

func (s *StoreSuite) membership(chainID string, kind aggregator.WindowKind) []string {
	var ids []string
	err := s.store.Apply(s.ctx, chainID, func(ctx context.Context, tx aggregator.Tx) error {
		var err error
		ids, err = tx.Membership(ctx, kind)
		return err
	})
	s.Require().NoError(err)
	return ids
}

func (s *StoreSuite) hasSample(chainID, id string) bool {
	var found bool
	err := s.store.Apply(s.ctx, chainID, func(ctx context.Context, tx aggregator.Tx) error {
		var err error
		_, found, err = tx.Sample(ctx, id)
		return err
	})
	s.Require().NoError(err)
	return found
}

func block(number, ts uint64, fee int64) aggregator.Block {
	return aggregator.Block{Number: number, Timestamp: ts, FeeValue: big.NewInt(fee)}
}

func (s *StoreSuite) TestScenarioA() {
	engine := s.engine("scenario-a", s.store)

	for _, b := range []aggregator.Block{block(0, 0, 10), block(150, 100, 20), block(300, 200, 30), block(450, 300, 40)} {
		outcome, err := engine.Ingest(s.ctx, b)
		s.Require().NoError(err)
		s.Require().Equal(aggregator.OutcomeApplied, outcome)
	}

	state, err := s.store.State(s.ctx, "scenario-a")
	s.Require().NoError(err)
	s.True(state.Initialized)
	s.Equal(uint64(300), state.LastUpdated)
	s.Equal(uint64(0), state.FirstObserved)
	s.Equal("30", state.AverageDaily.String())
	s.Equal("25", state.AverageWeekly.String())
	s.Equal("25", state.AverageMonthly.String())

	s.Equal([]string{"150", "300", "450"}, s.membership("scenario-a", aggregator.Daily))
	s.Equal([]string{"0", "150", "300", "450"}, s.membership("scenario-a", aggregator.Weekly))

	samples, err := s.store.ListSamples(s.ctx, "scenario-a", 100, 300)
	s.Require().NoError(err)
	s.Require().Len(samples, 2)
	s.Equal(uint64(150), samples[0].BlockNumber)
	s.Equal(uint64(300), samples[1].BlockNumber)
}

func (s *StoreSuite) TestRedeliveryIsNoop() {
	engine := s.engine("redelivery", s.store)

	_, err := engine.Ingest(s.ctx, block(150, 1_000, 7))
	s.Require().NoError(err)
	before, err := s.store.State(s.ctx, "redelivery")
	s.Require().NoError(err)

	outcome, err := engine.Ingest(s.ctx, block(150, 1_000, 7))
	s.Require().NoError(err)
	s.Equal(aggregator.OutcomeDuplicate, outcome)

	after, err := s.store.State(s.ctx, "redelivery")
	s.Require().NoError(err)
	s.Equal(before, after)
	s.Equal([]string{"150"}, s.membership("redelivery", aggregator.Daily))
}

func (s *StoreSuite) TestLargeFeeRoundTrip() {
	engine := s.engine("numeric", s.store)
	huge := new(big.Int).Lsh(big.NewInt(1), 200)

	_, err := engine.Ingest(s.ctx, aggregator.Block{Number: 150, Timestamp: 10, FeeValue: huge})
	s.Require().NoError(err)

	state, err := s.store.State(s.ctx, "numeric")
	s.Require().NoError(err)
	s.Equal(huge.String(), state.AverageMonthly.String())

	recent, err := s.store.RecentSamples(s.ctx, "numeric", 5)
	s.Require().NoError(err)
	s.Require().Len(recent, 1)
	s.Equal(0, huge.Cmp(recent[0].FeeValue))
}

func (s *StoreSuite) TestFailedIngestLeavesNothingVisible() {
	for _, failOn := range []string{"membership", "state"} {
		chainID := "rollback-" + failOn
		engine := s.engine(chainID, s.store)
		_, err := engine.Ingest(s.ctx, block(150, 100, 20))
		s.Require().NoError(err)
		before, err := s.store.State(s.ctx, chainID)
		s.Require().NoError(err)

		failing := s.engine(chainID, &failingStore{Store: s.store, failOn: failOn})
		_, err = failing.Ingest(s.ctx, block(300, 200, 40))
		s.Require().ErrorIs(err, errInjected, failOn)

		after, err := s.store.State(s.ctx, chainID)
		s.Require().NoError(err)
		s.Equal(before, after, failOn)
		s.False(s.hasSample(chainID, "300"), failOn)
		s.Equal([]string{"150"}, s.membership(chainID, aggregator.Daily), failOn)

		// the block is redelivered once the store recovers
		outcome, err := engine.Ingest(s.ctx, block(300, 200, 40))
		s.Require().NoError(err)
		s.Equal(aggregator.OutcomeApplied, outcome, failOn)
	}
}

func (s *StoreSuite) TestCursorAndAdvisoryLock() {
	_, ok, err := s.store.Cursor(s.ctx, "cursor")
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.SetCursor(s.ctx, "cursor", 450))
	s.Require().NoError(s.store.SetCursor(s.ctx, "cursor", 600))
	height, ok, err := s.store.Cursor(s.ctx, "cursor")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(uint64(600), height)

	unlock, acquired, err := s.store.TryAdvisoryLock(s.ctx, 4242)
	s.Require().NoError(err)
	s.Require().True(acquired)

	_, again, err := s.store.TryAdvisoryLock(s.ctx, 4242)
	s.Require().NoError(err)
	s.False(again, "lock held by another session")

	unlock()
	unlock2, acquired, err := s.store.TryAdvisoryLock(s.ctx, 4242)
	s.Require().NoError(err)
	s.True(acquired)
	unlock2()
}

// failingStore runs the real transaction but fails one write inside it.
type failingStore struct {
	*Store
	failOn string
}

func (f *failingStore) Apply(ctx context.Context, chainID string, fn func(ctx context.Context, tx aggregator.Tx) error) error {
	return f.Store.Apply(ctx, chainID, func(ctx context.Context, tx aggregator.Tx) error {
		return fn(ctx, &failingTx{Tx: tx, failOn: f.failOn})
	})
}

type failingTx struct {
	aggregator.Tx
	failOn string
}

func (t *failingTx) SetMembership(ctx context.Context, kind aggregator.WindowKind, ids []string) error {
	if err := t.Tx.SetMembership(ctx, kind, ids); err != nil {
		return err
	}
	if t.failOn == "membership" && kind == aggregator.Weekly {
		return errInjected
	}
	return nil
}

func (t *failingTx) SetState(ctx context.Context, state aggregator.State) error {
	if t.failOn == "state" {
		return errInjected
	}
	return t.Tx.SetState(ctx, state)
}
