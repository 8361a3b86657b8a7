package storage

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS samples (
    chain_id     TEXT          NOT NULL,
    id           TEXT          NOT NULL,
    block_number BIGINT        NOT NULL,
    observed_at  BIGINT        NOT NULL,
    fee_value    NUMERIC(78,0) NOT NULL,
    created_at   TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
    PRIMARY KEY (chain_id, id)
);

CREATE INDEX IF NOT EXISTS samples_chain_observed_idx ON samples (chain_id, observed_at);

CREATE TABLE IF NOT EXISTS window_memberships (
    chain_id    TEXT     NOT NULL,
    window_kind SMALLINT NOT NULL,
    member_ids  TEXT[]   NOT NULL DEFAULT '{}',
    PRIMARY KEY (chain_id, window_kind)
);

CREATE TABLE IF NOT EXISTS aggregator_state (
    chain_id        TEXT          NOT NULL,
    id              TEXT          NOT NULL,
    average_daily   NUMERIC(78,0) NOT NULL,
    average_weekly  NUMERIC(78,0) NOT NULL,
    average_monthly NUMERIC(78,0) NOT NULL,
    last_updated    BIGINT        NOT NULL,
    first_observed  BIGINT        NOT NULL,
    updated_at      TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
    PRIMARY KEY (chain_id, id)
);

CREATE TABLE IF NOT EXISTS follower_cursors (
    chain_id   TEXT        PRIMARY KEY,
    height     BIGINT      NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
