package coordinator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/pkg/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func signal(strategyID, symbol string, typ models.SignalType, strength float64, at time.Time) models.Signal {
	s := models.Signal{
		StrategyID: strategyID,
		Symbol:     symbol,
		Type:       typ,
		Strength:   strength,
		Timestamp:  at,
		EntryPrice: 100,
		StopLoss:   98,
		TakeProfit: 104,
	}
	if typ == models.Sell {
		s.StopLoss, s.TakeProfit = 102, 96
	}
	return s
}

func baseConfig() config.CoordinationConfig {
	return config.CoordinationConfig{
		MaxPositionsPerSymbol: 1,
		MaxTotalPositions:     3,
		MinSignalIntervalSec:  0,
		MaxRiskPerSymbol:      0.02,
		RiskScalingFactor:     0.8,
		DefaultPriority:       50,
	}
}

func TestSameDirectionMerge(t *testing.T) {
	c := New(baseConfig())

	a := signal("A", "BTCUSDT", models.Buy, 0.6, t0)
	res := c.Coordinate([]models.Signal{a})
	require.Len(t, res.Approved, 1)
	assert.Empty(t, res.Conflicts)

	b := signal("B", "BTCUSDT", models.Buy, 0.8, t0.Add(time.Second))
	b.EntryPrice, b.StopLoss, b.TakeProfit = 101, 99, 105
	res = c.Coordinate([]models.Signal{b})
	require.Len(t, res.Approved, 1)
	require.Len(t, res.Conflicts, 1)

	merged := res.Approved[0]
	assert.InDelta(t, 0.84, merged.Strength, 1e-9)
	assert.Equal(t, "B", merged.StrategyID)
	assert.InDelta(t, (100*0.6+101*0.8)/1.4, merged.EntryPrice, 1e-9)
	assert.Equal(t, 99.0, merged.StopLoss)
	assert.Equal(t, 105.0, merged.TakeProfit)
	assert.Equal(t, []string{"A", "B"}, merged.Metadata["merged_from"])
	assert.Equal(t, []float64{0.6, 0.8}, merged.Metadata["original_strengths"])
	require.NoError(t, merged.Validate())

	assert.Equal(t, SameDirection, res.Conflicts[0].Type)
	assert.Equal(t, Merged, res.Conflicts[0].Resolution)

	// исходные сигналы не изменены, в таблице один объединенный
	assert.Nil(t, b.Metadata)
	assert.Len(t, c.ActiveSignals("BTCUSDT"), 1)

	st := c.Stats()
	assert.Equal(t, 1, st.TotalConflicts)
	assert.Equal(t, 1, st.ResolvedConflicts)
	assert.Equal(t, 1, st.ModifiedSignals)
}

func TestMergeStrengthIsCapped(t *testing.T) {
	merged := MergeSignals([]models.Signal{
		signal("A", "BTCUSDT", models.Buy, 0.9, t0),
		signal("B", "BTCUSDT", models.Buy, 1.0, t0),
	})
	assert.Equal(t, 1.0, merged.Strength)
}

func TestSameDirectionKeepStrongest(t *testing.T) {
	cfg := baseConfig()
	merge := false
	cfg.MergeSameDirection = &merge
	c := New(cfg)

	c.Coordinate([]models.Signal{signal("A", "BTCUSDT", models.Buy, 0.6, t0)})
	res := c.Coordinate([]models.Signal{signal("B", "BTCUSDT", models.Buy, 0.8, t0)})
	require.Len(t, res.Approved, 1)
	assert.Equal(t, 0.8, res.Approved[0].Strength)
	assert.Equal(t, KeptStrongest, res.Conflicts[0].Resolution)
}

func TestOppositeLowerPriorityRejected(t *testing.T) {
	cfg := baseConfig()
	cfg.StrategyPriorities = map[string]int{"A": 50, "B": 30}
	c := New(cfg)

	require.Len(t, c.Coordinate([]models.Signal{signal("A", "BTC-USDT", models.Buy, 0.7, t0)}).Approved, 1)

	res := c.Coordinate([]models.Signal{signal("B", "BTC-USDT", models.Sell, 0.95, t0.Add(time.Minute))})
	assert.Empty(t, res.Approved)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, OppositeDirection, res.Conflicts[0].Type)
	assert.Equal(t, Rejected, res.Conflicts[0].Resolution)
	assert.NotEmpty(t, res.Conflicts[0].Reason)
	assert.Len(t, res.Rejected(), 1)
	assert.Equal(t, 1, c.Stats().RejectedSignals)
}

func TestOppositeEqualPriorityRejected(t *testing.T) {
	c := New(baseConfig())
	c.Coordinate([]models.Signal{signal("A", "BTCUSDT", models.Buy, 0.7, t0)})
	res := c.Coordinate([]models.Signal{signal("B", "BTCUSDT", models.Sell, 0.7, t0)})
	assert.Empty(t, res.Approved)
}

func TestOppositeHigherPriorityOverrides(t *testing.T) {
	c := New(baseConfig())
	c.UpdateStrategyPriority("B", 80)

	c.Coordinate([]models.Signal{signal("A", "BTCUSDT", models.Buy, 0.7, t0)})
	res := c.Coordinate([]models.Signal{signal("B", "BTCUSDT", models.Sell, 0.5, t0)})
	require.Len(t, res.Approved, 1)
	assert.Equal(t, Overridden, res.Conflicts[0].Resolution)

	active := c.ActiveSignals("BTCUSDT")
	require.Len(t, active, 1)
	assert.Equal(t, "B", active[0].StrategyID)
}

func TestSymbolLimitReplacesWeaker(t *testing.T) {
	c := New(baseConfig())

	c.Coordinate([]models.Signal{signal("A", "ETHUSDT", models.Buy, 0.5, t0)})
	res := c.Coordinate([]models.Signal{signal("A", "ETHUSDT", models.Buy, 0.7, t0)})
	require.Len(t, res.Approved, 1)
	assert.Equal(t, SymbolLimit, res.Conflicts[0].Type)
	assert.Equal(t, ReplacedWeaker, res.Conflicts[0].Resolution)

	res = c.Coordinate([]models.Signal{signal("A", "ETHUSDT", models.Buy, 0.6, t0)})
	assert.Empty(t, res.Approved)
	assert.Equal(t, Rejected, res.Conflicts[0].Resolution)

	active := c.ActiveSignals("ETHUSDT")
	require.Len(t, active, 1)
	assert.Equal(t, 0.7, active[0].Strength)
}

func TestTotalLimitRejects(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxTotalPositions = 2
	c := New(cfg)

	res := c.Coordinate([]models.Signal{
		signal("A", "BTCUSDT", models.Buy, 0.7, t0),
		signal("A", "ETHUSDT", models.Buy, 0.7, t0),
		signal("A", "SOLUSDT", models.Buy, 0.9, t0),
	})
	assert.Len(t, res.Approved, 2)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, TotalLimit, res.Conflicts[0].Type)
	assert.Equal(t, "SOLUSDT", res.Conflicts[0].Symbol)
}

func TestSignalIntervalRejectsWithRetryReason(t *testing.T) {
	cfg := baseConfig()
	cfg.MinSignalIntervalSec = 300
	c := New(cfg)

	require.Len(t, c.Coordinate([]models.Signal{signal("A", "BTCUSDT", models.Buy, 0.7, t0)}).Approved, 1)
	c.RemoveSignal("BTCUSDT", "")

	res := c.Coordinate([]models.Signal{signal("A", "BTCUSDT", models.Buy, 0.7, t0.Add(time.Minute))})
	assert.Empty(t, res.Approved)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, SignalInterval, res.Conflicts[0].Type)
	assert.True(t, strings.Contains(res.Conflicts[0].Reason, "240"), res.Conflicts[0].Reason)

	res = c.Coordinate([]models.Signal{signal("A", "BTCUSDT", models.Buy, 0.7, t0.Add(7*time.Minute))})
	assert.Len(t, res.Approved, 1)
}

func TestInvertedSignalRejected(t *testing.T) {
	c := New(baseConfig())
	bad := signal("A", "BTCUSDT", models.Buy, 0.9, t0)
	bad.StopLoss, bad.TakeProfit = 105, 95

	res := c.Coordinate([]models.Signal{bad})
	assert.Empty(t, res.Approved)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, Rejected, res.Conflicts[0].Resolution)
}

func TestAdjustedPositionSize(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowOppositePositions = true
	cfg.MaxPositionsPerSymbol = 2
	c := New(cfg)

	a := signal("A", "BTCUSDT", models.Buy, 0.7, t0).WithPositionSize(150)
	b := signal("B", "BTCUSDT", models.Sell, 0.7, t0).WithPositionSize(100)
	res := c.Coordinate([]models.Signal{a, b})
	require.Len(t, res.Approved, 2)

	// без других сигналов: 100/10000*0.8 = 0.008 < 0.02
	assert.InDelta(t, 100, c.AdjustedPositionSize(signal("C", "ETHUSDT", models.Buy, 0.5, t0).WithPositionSize(100), 10000), 1e-9)
	// 0.015 занято стратегией A, остаток 0.005 / 0.8
	assert.InDelta(t, 62.5, c.AdjustedPositionSize(b, 10000), 1e-9)
	assert.Equal(t, 0.0, c.AdjustedPositionSize(b, 0))
}

func TestCoordinateClipsSizeToSymbolRisk(t *testing.T) {
	c := New(baseConfig())
	c.SetTotalBalance(10000)

	res := c.Coordinate([]models.Signal{signal("A", "BTCUSDT", models.Buy, 0.7, t0).WithPositionSize(500)})
	require.Len(t, res.Approved, 1)
	assert.InDelta(t, 250, res.Approved[0].PositionSize, 1e-9)
	assert.Equal(t, 1, c.Stats().ModifiedSignals)

	active := c.ActiveSignals("BTCUSDT")
	require.Len(t, active, 1)
	assert.InDelta(t, 250, active[0].PositionSize, 1e-9)
}

func TestMergedSignalStoredWithClippedSize(t *testing.T) {
	c := New(baseConfig())
	c.SetTotalBalance(10000)

	c.Coordinate([]models.Signal{signal("A", "BTCUSDT", models.Buy, 0.7, t0).WithPositionSize(500)})
	// (250*0.7 + 500*0.8) / 1.5 = 383.33, после ограничения 250
	res := c.Coordinate([]models.Signal{signal("B", "BTCUSDT", models.Buy, 0.8, t0.Add(time.Second)).WithPositionSize(500)})
	require.Len(t, res.Approved, 1)
	assert.InDelta(t, 250, res.Approved[0].PositionSize, 1e-9)

	active := c.ActiveSignals("BTCUSDT")
	require.Len(t, active, 1)
	assert.Equal(t, "B", active[0].StrategyID)
	assert.InDelta(t, res.Approved[0].PositionSize, active[0].PositionSize, 1e-9)
}

func TestCleanupAndStatus(t *testing.T) {
	now := t0.Add(25 * time.Hour)
	c := New(baseConfig(), WithClock(func() time.Time { return now }))

	c.Coordinate([]models.Signal{
		signal("A", "BTCUSDT", models.Buy, 0.7, t0),
		signal("A", "ETHUSDT", models.Buy, 0.7, now.Add(-time.Hour)),
	})
	assert.Equal(t, 2, c.Status().TotalActive)

	assert.Equal(t, 1, c.CleanupExpired(24*time.Hour))
	st := c.Status()
	assert.Equal(t, 1, st.TotalActive)
	assert.Equal(t, 1, st.ActiveSignals["ETHUSDT"])
	assert.Equal(t, []string{"ETHUSDT"}, c.Symbols())

	c.ResetStatistics()
	assert.Equal(t, Stats{}, c.Stats())
}

func TestRemoveSignalByStrategy(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowOppositePositions = true
	cfg.MaxPositionsPerSymbol = 2
	c := New(cfg)
	c.Coordinate([]models.Signal{
		signal("A", "BTCUSDT", models.Buy, 0.7, t0),
		signal("B", "BTCUSDT", models.Sell, 0.6, t0),
	})

	c.RemoveSignal("BTCUSDT", "A")
	active := c.ActiveSignals("BTCUSDT")
	require.Len(t, active, 1)
	assert.Equal(t, "B", active[0].StrategyID)

	c.RemoveSignal("BTCUSDT", "B")
	assert.Empty(t, c.ActiveSignals("BTCUSDT"))
}
