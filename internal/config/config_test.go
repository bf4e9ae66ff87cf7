package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
exchange:
  testnet: true
engine:
  symbols: [BTCUSDT, ETHUSDT]
sizing:
  symbols:
    BTCUSDT:
      lot_size: 0.001
      min_size: 0.001
      max_leverage: 20
strategy_manager:
  fund_allocation_mode: shared_pool
coordination:
  allow_opposite_positions: false
strategies:
  ma_fast:
    class: ma_crossover
    allocation_ratio: 0.5
    priority: 70
    config:
      fast_period: 5
      timeframes: [5m]
  breakout:
    class: volatility_breakout
    active: false
    allocation_ratio: 0.3
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ModeSharedPool, cfg.StrategyManager.FundAllocationMode)
	assert.Equal(t, 0.1, cfg.StrategyManager.ReservedRatio)
	assert.Equal(t, 0.05, cfg.StrategyManager.MaxTotalRisk)
	assert.Equal(t, 3, cfg.StrategyManager.MaxConcurrentPositions)
	assert.Equal(t, 4, cfg.StrategyManager.Workers)

	assert.Equal(t, 1, cfg.Coordination.MaxPositionsPerSymbol)
	assert.Equal(t, 300, cfg.Coordination.MinSignalIntervalSec)
	assert.Equal(t, 0.8, cfg.Coordination.RiskScalingFactor)
	assert.True(t, *cfg.Coordination.MergeSameDirection)
	assert.Equal(t, 70, cfg.Coordination.StrategyPriorities["ma_fast"])

	assert.Equal(t, 0.03, cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 0.1, cfg.Risk.MaxDrawdown)
	assert.False(t, cfg.Risk.EnableBalanceAlert)
	assert.Equal(t, 10, cfg.Risk.MonitorIntervalSeconds)

	assert.Equal(t, 0.015, cfg.Sizing.RiskPerTrade)
	assert.Equal(t, 0.9, cfg.Sizing.MarginCeiling)
	assert.Equal(t, 20, cfg.Sizing.Symbols["BTCUSDT"].MaxLeverage)

	assert.True(t, cfg.Strategies["ma_fast"].IsActive())
	assert.False(t, cfg.Strategies["breakout"].IsActive())
	assert.Equal(t, 5, cfg.Strategies["ma_fast"].Params["fast_period"])
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg, err := Parse([]byte("strategy_manager:\n  fund_allocation_mode: pooled\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestValidateRequiresClass(t *testing.T) {
	cfg, err := Parse([]byte("strategies:\n  x:\n    allocation_ratio: 0.2\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	t.Setenv("BINANCE_API_KEY", "key-from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Exchange.APIKey)
	assert.True(t, cfg.Exchange.Testnet)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
