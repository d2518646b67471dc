package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, int64(1337), cfg.Blockchain.ChainID)
	assert.Equal(t, 50, cfg.Settlement.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Settlement.BatchTimeout)
	assert.InDelta(t, 1.2, cfg.Settlement.GasMultiplierOnRetry, 1e-9)
	assert.True(t, cfg.Trading.AutoMatching)
	assert.True(t, cfg.Risk.EnableBalanceCheck)
	assert.Empty(t, cfg.Trading.Pairs)
	assert.Empty(t, cfg.Storage.DataDir)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDRESS", ":9090")
	t.Setenv("BLOCKCHAIN_CHAIN_ID", "42161")
	t.Setenv("RISK_MIN_ORDER_AMOUNT", "0.5")
	t.Setenv("SETTLEMENT_BATCH_TIMEOUT", "10s")
	t.Setenv("TRADING_AUTO_MATCHING", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, int64(42161), cfg.Blockchain.ChainID)
	assert.Equal(t, "0.5", cfg.Risk.MinOrderAmount.String())
	assert.Equal(t, 10*time.Second, cfg.Settlement.BatchTimeout)
	assert.False(t, cfg.Trading.AutoMatching)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  address: ":7777"
trading:
  pairs:
    - "WETH-USDC:0x0000000000000000000000000000000000000010:0x0000000000000000000000000000000000000020"
    - "malformed-entry"
risk:
  max_orders_per_user: 7
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Address)
	assert.Equal(t, 7, cfg.Risk.MaxOrdersPerUser)
	require.Len(t, cfg.Trading.Pairs, 1, "malformed pair entries are skipped")
	assert.Equal(t, "WETH-USDC", cfg.Trading.Pairs[0].Symbol)
	assert.Equal(t, "0x0000000000000000000000000000000000000010", cfg.Trading.Pairs[0].BaseToken)
}

func TestLoadBadValues(t *testing.T) {
	t.Setenv("RISK_MIN_ORDER_AMOUNT", "not-a-number")
	_, err := Load("")
	require.Error(t, err)
}

func TestParsePairs(t *testing.T) {
	pairs := parsePairs([]string{
		"A-B:0x1:0x2",
		"",
		"too:many:colons:here",
	})
	require.Len(t, pairs, 1)
	assert.Equal(t, "A-B", pairs[0].Symbol)
}
