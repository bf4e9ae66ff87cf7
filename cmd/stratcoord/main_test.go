package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/internal/strategy"
)

const testConfig = `
engine:
  symbols: [BTCUSDT]
strategies:
  trend:
    class: ma_crossover
    allocation_ratio: 0.6
    priority: 70
    config:
      fast_period: 9
      slow_period: 21
      timeframes: [15m]
  squeeze:
    class: volatility_breakout
    allocation_ratio: 0.3
    active: false
`

func TestBuildStrategiesFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	manager := strategy.NewManager(cfg.StrategyManager)
	require.NoError(t, buildStrategies(cfg, newRegistry(), manager))
	assert.Equal(t, 2, manager.Count())

	st := manager.Status()
	active := map[string]bool{}
	for _, s := range st.Strategies {
		active[s.ID] = s.Active
	}
	assert.True(t, active["trend"])
	assert.False(t, active["squeeze"])
	assert.Equal(t, 70, cfg.Coordination.StrategyPriorities["trend"])
}

func TestRegistryHasBuiltinClasses(t *testing.T) {
	assert.Equal(t, []string{"ma_crossover", "volatility_breakout", "volume_delta"}, newRegistry().Classes())
}

func TestBuildStrategiesUnknownClass(t *testing.T) {
	cfg, err := config.Parse([]byte("strategies:\n  x:\n    class: grid\n"))
	require.NoError(t, err)
	err = buildStrategies(cfg, newRegistry(), strategy.NewManager(cfg.StrategyManager))
	assert.ErrorIs(t, err, strategy.ErrUnknownClass)
}

func TestBuildStrategiesRequiresOne(t *testing.T) {
	cfg, err := config.Parse([]byte("engine:\n  symbols: [BTCUSDT]\n"))
	require.NoError(t, err)
	err = buildStrategies(cfg, newRegistry(), strategy.NewManager(cfg.StrategyManager))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
