package app

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasavg/internal/aggregator"
	"gasavg/internal/config"
	"gasavg/internal/settlement"
)

func testApp() *App {
	cfg := &config.Config{
		Chains: []config.ChainConfig{
			{ID: "eth", SamplingInterval: 150},
			{ID: "base", SamplingInterval: 150},
		},
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestBuildFallsBackToMemory(t *testing.T) {
	a := testApp()
	rt, err := a.build(context.Background())
	require.NoError(t, err)
	defer rt.close()

	assert.False(t, rt.durable)
	assert.Nil(t, rt.locker)
	require.Len(t, rt.engines, 2)

	e, err := rt.engine(" ETH ")
	require.NoError(t, err)
	assert.Equal(t, "eth", e.Chain())

	_, err = rt.engine("arb")
	assert.Error(t, err)
}

func TestQueryLocalMissingData(t *testing.T) {
	a := testApp()
	var out bytes.Buffer

	err := a.Query(context.Background(), &out, QueryOptions{Source: "local:eth", Selector: 1})
	assert.ErrorIs(t, err, settlement.ErrMissingData)
	assert.Empty(t, out.String())

	for _, selector := range []int{0, 7} {
		err = a.Query(context.Background(), &out, QueryOptions{Source: "eth", Selector: selector})
		assert.ErrorIs(t, err, settlement.ErrInvalidWindowSelector, "selector %d", selector)
	}
}

func TestShowUninitializedChain(t *testing.T) {
	a := testApp()
	var out bytes.Buffer

	require.NoError(t, a.Show(context.Background(), &out, ShowOptions{Chain: "base", Limit: 10}))
	assert.Contains(t, out.String(), "phase uninitialized")
	assert.Contains(t, out.String(), "no samples found")

	assert.Error(t, a.Show(context.Background(), &out, ShowOptions{Chain: "arb"}))
}

func TestBackfillRequiresConfiguredChain(t *testing.T) {
	a := testApp()

	assert.Error(t, a.Backfill(context.Background(), BackfillOptions{Chain: "arb", To: 10}))
	assert.Error(t, a.Backfill(context.Background(), BackfillOptions{Chain: "eth", To: 10}), "no rpc_url")
}

func TestExportRequiresOutput(t *testing.T) {
	a := testApp()
	assert.Error(t, a.Export(context.Background(), ExportOptions{Chain: "eth"}))
}

func sample(n, ts uint64, fee int64) aggregator.Sample {
	return aggregator.Sample{BlockNumber: n, ObservedAt: ts, FeeValue: big.NewInt(fee)}
}

func TestTrailingMeans(t *testing.T) {
	samples := []aggregator.Sample{
		sample(150, 0, 10),
		sample(300, 50, 20),
		sample(450, 100, 40),
		sample(600, 150, 5),
	}

	points := trailingMeans(samples, 100, 50)
	require.Len(t, points, 3)
	assert.Equal(t, "15", points[0].dailyMean.String())
	// the sample at 0 leaves the window once ts reaches 100
	assert.Equal(t, "30", points[1].dailyMean.String())
	assert.Equal(t, "22", points[2].dailyMean.String())
}

func TestDownsample(t *testing.T) {
	points := make([]exportPoint, 10)
	for i := range points {
		points[i] = exportPoint{sample: sample(uint64(i), uint64(i), int64(i))}
	}

	out := downsample(points, 4)
	require.Len(t, out, 4)
	assert.Equal(t, uint64(0), out[0].sample.BlockNumber)
	assert.Equal(t, uint64(9), out[3].sample.BlockNumber)

	assert.Len(t, downsample(points, 0), 10)
}

func TestFormatGwei(t *testing.T) {
	assert.Equal(t, "20.000", formatGwei(big.NewInt(20_000_000_000)))
	assert.Equal(t, "0.001", formatGwei(big.NewInt(1_000_000)))
	assert.Equal(t, "-", formatGwei(nil))
}
