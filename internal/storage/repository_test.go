package storage

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasavg/internal/aggregator"
	"gasavg/internal/config"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.State(ctx, "eth")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, err, aggregator.ErrStorage)

	err = s.Apply(ctx, "eth", func(context.Context, aggregator.Tx) error { return nil })
	assert.ErrorIs(t, err, aggregator.ErrStorage)

	_, err = NewStore(nil).RecentSamples(ctx, "eth", 1)
	assert.ErrorIs(t, err, ErrNotConfigured)

	s.Close()
}

func TestParseNumeric(t *testing.T) {
	v, err := parseNumeric("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	assert.Equal(t, 256, v.BitLen())

	_, err = parseNumeric("12.5")
	assert.Error(t, err)
}

func TestNumericString(t *testing.T) {
	assert.Equal(t, "0", numericString(nil))
	assert.Equal(t, "1000000000", numericString(big.NewInt(1_000_000_000)))
}

func TestStorageErrWrapsBoth(t *testing.T) {
	cause := errors.New("connection refused")
	err := storageErr("insert sample", cause)

	assert.ErrorIs(t, err, aggregator.ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "insert sample")
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{})
	assert.Error(t, err)
}
