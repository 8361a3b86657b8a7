package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 1)
	eth := cfg.Chains[0]
	assert.Equal(t, "eth", eth.ID)
	assert.Equal(t, uint64(150), eth.SamplingInterval)
	assert.Equal(t, 24*time.Hour, eth.Windows.Daily)
	assert.Equal(t, 30*24*time.Hour, eth.Windows.Monthly)

	assert.Equal(t, 15*time.Second, cfg.Settlement.Timeout)
	assert.Equal(t, DefaultRemoteListEndpoint, cfg.Settlement.RemoteListEndpoint)
	assert.Equal(t, int64(1_000_000_000), cfg.Settlement.RemoteScale)
	assert.Equal(t, 12*time.Second, cfg.Follower.PollInterval)
	assert.Equal(t, ":8080", cfg.API.ListenAddr)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoadChains(t *testing.T) {
	path := writeConfig(t, `
chains:
  - id: ETH
    rpc_url: http://localhost:8545
    confirmations: 12
  - id: base
    sampling_interval: 1800
    windows:
      daily: 1h
follower:
  batch_limit: 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 2)

	eth, ok := cfg.Chain(" Eth ")
	require.True(t, ok)
	assert.Equal(t, uint64(12), eth.Confirmations)
	assert.Equal(t, "http://localhost:8545", eth.RPCURL)

	base, ok := cfg.Chain("base")
	require.True(t, ok)
	assert.Equal(t, uint64(1800), base.SamplingInterval)
	assert.Equal(t, time.Hour, base.Windows.Daily)
	assert.Equal(t, 7*24*time.Hour, base.Windows.Weekly)

	_, ok = cfg.Chain("arb")
	assert.False(t, ok)
	assert.Equal(t, 50, cfg.Follower.BatchLimit)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GASAVG_DATABASE_DSN", "postgres://gasavg@localhost/gasavg")
	t.Setenv("GASAVG_SETTLEMENT_TIMEOUT", "3s")

	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://gasavg@localhost/gasavg", cfg.Database.DSN)
	assert.Equal(t, 3*time.Second, cfg.Settlement.Timeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"duplicate chain": "chains:\n  - id: eth\n  - id: ETH\n",
		"missing id":      "chains:\n  - rpc_url: http://x\n",
		"telegram token":  "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
		"batch limit":     "follower:\n  batch_limit: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 20, cfg.ResolveMaxPoints(20))
}
