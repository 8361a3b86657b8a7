package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gasavg/internal/aggregator"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	chainWriteLockSQL = `SELECT pg_advisory_xact_lock(hashtext($1));`

	selectSampleSQL = `SELECT id, block_number, observed_at, fee_value::text
    FROM samples
    WHERE chain_id = $1 AND id = $2;`

	selectSamplesByIDSQL = `SELECT id, block_number, observed_at, fee_value::text
    FROM samples
    WHERE chain_id = $1 AND id = ANY($2);`

	insertSampleSQL = `INSERT INTO samples (
        chain_id,
        id,
        block_number,
        observed_at,
        fee_value
    ) VALUES (
        $1,$2,$3,$4,$5::numeric
    )
    ON CONFLICT (chain_id, id) DO NOTHING;`

	selectMembershipSQL = `SELECT member_ids
    FROM window_memberships
    WHERE chain_id = $1 AND window_kind = $2;`

	upsertMembershipSQL = `INSERT INTO window_memberships (
        chain_id,
        window_kind,
        member_ids
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (chain_id, window_kind) DO UPDATE
    SET member_ids = EXCLUDED.member_ids;`

	selectStateSQL = `SELECT
        average_daily::text,
        average_weekly::text,
        average_monthly::text,
        last_updated,
        first_observed
    FROM aggregator_state
    WHERE chain_id = $1 AND id = $2;`

	upsertStateSQL = `INSERT INTO aggregator_state (
        chain_id,
        id,
        average_daily,
        average_weekly,
        average_monthly,
        last_updated,
        first_observed,
        updated_at
    ) VALUES (
        $1,$2,$3::numeric,$4::numeric,$5::numeric,$6,$7,NOW()
    )
    ON CONFLICT (chain_id, id) DO UPDATE
    SET
        average_daily   = EXCLUDED.average_daily,
        average_weekly  = EXCLUDED.average_weekly,
        average_monthly = EXCLUDED.average_monthly,
        last_updated    = EXCLUDED.last_updated,
        first_observed  = EXCLUDED.first_observed,
        updated_at      = EXCLUDED.updated_at;`

	listSamplesBetweenSQL = `SELECT id, block_number, observed_at, fee_value::text
    FROM samples
    WHERE chain_id = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY block_number;`

	listRecentSamplesSQL = `SELECT id, block_number, observed_at, fee_value::text
    FROM samples
    WHERE chain_id = $1
    ORDER BY block_number DESC
    LIMIT $2;`

	selectCursorSQL = `SELECT height FROM follower_cursors WHERE chain_id = $1;`

	upsertCursorSQL = `INSERT INTO follower_cursors (chain_id, height, updated_at)
    VALUES ($1, $2, NOW())
    ON CONFLICT (chain_id) DO UPDATE
    SET height = EXCLUDED.height,
        updated_at = EXCLUDED.updated_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists samples, window memberships and aggregator state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the session lock also goes away when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Apply runs fn inside one database transaction holding the chain's write lock.
func (s *Store) Apply(ctx context.Context, chainID string, fn func(ctx context.Context, tx aggregator.Tx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return storageErr("begin", err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	if _, err := tx.Exec(ctx, chainWriteLockSQL, chainID); err != nil {
		return storageErr("chain write lock", err)
	}

	if err := fn(ctx, &pgTx{tx: tx, chainID: chainID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// State returns the committed aggregator row for chainID.
func (s *Store) State(ctx context.Context, chainID string) (aggregator.State, error) {
	pool, err := s.getPool()
	if err != nil {
		return aggregator.State{}, storageErr("state", err)
	}
	return readState(ctx, pool, chainID)
}

// ListSamples lists samples observed in [from, to).
func (s *Store) ListSamples(ctx context.Context, chainID string, from, to uint64) ([]aggregator.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, chainID, int64(from), int64(to))
	if queryErr != nil {
		return nil, storageErr("list samples between", queryErr)
	}
	return collectSamples(rows, chainID)
}

// RecentSamples lists the most recent samples ordered by descending block.
func (s *Store) RecentSamples(ctx context.Context, chainID string, limit int) ([]aggregator.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, chainID, limit)
	if queryErr != nil {
		return nil, storageErr("list recent samples", queryErr)
	}
	return collectSamples(rows, chainID)
}

// Cursor returns the last height the follower handed to the engine.
func (s *Store) Cursor(ctx context.Context, chainID string) (uint64, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}
	var height int64
	if scanErr := pool.QueryRow(ctx, selectCursorSQL, chainID).Scan(&height); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, storageErr("select cursor", scanErr)
	}
	return uint64(height), true, nil
}

// SetCursor records follower progress.
func (s *Store) SetCursor(ctx context.Context, chainID string, height uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertCursorSQL, chainID, int64(height)); execErr != nil {
		return storageErr("upsert cursor", execErr)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readState(ctx context.Context, q querier, chainID string) (aggregator.State, error) {
	var (
		daily, weekly, monthly string
		lastUpdated, first     int64
	)
	err := q.QueryRow(ctx, selectStateSQL, chainID, aggregator.StateID).
		Scan(&daily, &weekly, &monthly, &lastUpdated, &first)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return aggregator.EmptyState(chainID), nil
		}
		return aggregator.State{}, storageErr("select state", err)
	}

	state := aggregator.State{
		ChainID:       chainID,
		LastUpdated:   uint64(lastUpdated),
		FirstObserved: uint64(first),
		Initialized:   true,
	}
	if state.AverageDaily, err = parseNumeric(daily); err != nil {
		return aggregator.State{}, err
	}
	if state.AverageWeekly, err = parseNumeric(weekly); err != nil {
		return aggregator.State{}, err
	}
	if state.AverageMonthly, err = parseNumeric(monthly); err != nil {
		return aggregator.State{}, err
	}
	return state, nil
}

type pgTx struct {
	tx      pgx.Tx
	chainID string
}

func (t *pgTx) Sample(ctx context.Context, id string) (aggregator.Sample, bool, error) {
	rows, err := t.tx.Query(ctx, selectSampleSQL, t.chainID, id)
	if err != nil {
		return aggregator.Sample{}, false, storageErr("select sample", err)
	}
	samples, err := collectSamples(rows, t.chainID)
	if err != nil {
		return aggregator.Sample{}, false, err
	}
	if len(samples) == 0 {
		return aggregator.Sample{}, false, nil
	}
	return samples[0], true, nil
}

func (t *pgTx) Samples(ctx context.Context, ids []string) (map[string]aggregator.Sample, error) {
	out := make(map[string]aggregator.Sample, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx, selectSamplesByIDSQL, t.chainID, ids)
	if err != nil {
		return nil, storageErr("select samples", err)
	}
	samples, err := collectSamples(rows, t.chainID)
	if err != nil {
		return nil, err
	}
	for _, sample := range samples {
		out[sample.ID] = sample
	}
	return out, nil
}

func (t *pgTx) InsertSample(ctx context.Context, sample aggregator.Sample) error {
	_, err := t.tx.Exec(ctx, insertSampleSQL,
		t.chainID,
		sample.ID,
		int64(sample.BlockNumber),
		int64(sample.ObservedAt),
		sample.FeeValue.String(),
	)
	if err != nil {
		return storageErr("insert sample", err)
	}
	return nil
}

func (t *pgTx) Membership(ctx context.Context, kind aggregator.WindowKind) ([]string, error) {
	var ids []string
	err := t.tx.QueryRow(ctx, selectMembershipSQL, t.chainID, int16(kind)).Scan(&ids)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("select membership", err)
	}
	return ids, nil
}

func (t *pgTx) SetMembership(ctx context.Context, kind aggregator.WindowKind, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	if _, err := t.tx.Exec(ctx, upsertMembershipSQL, t.chainID, int16(kind), ids); err != nil {
		return storageErr("upsert membership", err)
	}
	return nil
}

func (t *pgTx) State(ctx context.Context) (aggregator.State, error) {
	return readState(ctx, t.tx, t.chainID)
}

func (t *pgTx) SetState(ctx context.Context, state aggregator.State) error {
	_, err := t.tx.Exec(ctx, upsertStateSQL,
		t.chainID,
		aggregator.StateID,
		numericString(state.AverageDaily),
		numericString(state.AverageWeekly),
		numericString(state.AverageMonthly),
		int64(state.LastUpdated),
		int64(state.FirstObserved),
	)
	if err != nil {
		return storageErr("upsert state", err)
	}
	return nil
}

func collectSamples(rows pgx.Rows, chainID string) ([]aggregator.Sample, error) {
	defer rows.Close()

	samples := make([]aggregator.Sample, 0)
	for rows.Next() {
		var (
			id          string
			blockNumber int64
			observedAt  int64
			fee         string
		)
		if err := rows.Scan(&id, &blockNumber, &observedAt, &fee); err != nil {
			return nil, storageErr("scan sample", err)
		}
		value, err := parseNumeric(fee)
		if err != nil {
			return nil, err
		}
		samples = append(samples, aggregator.Sample{
			ID:          id,
			ChainID:     chainID,
			BlockNumber: uint64(blockNumber),
			ObservedAt:  uint64(observedAt),
			FeeValue:    value,
		})
	}
	if rows.Err() != nil {
		return nil, storageErr("iterate samples", rows.Err())
	}
	return samples, nil
}

func parseNumeric(v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("parse numeric %q: invalid integer", v)
	}
	return n, nil
}

func numericString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", aggregator.ErrStorage, op, err)
}

var (
	_ aggregator.Store        = (*Store)(nil)
	_ aggregator.SampleLister = (*Store)(nil)
	_ aggregator.CursorStore  = (*Store)(nil)
	_ AdvisoryLocker          = (*Store)(nil)
)
