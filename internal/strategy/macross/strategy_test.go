package macross

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/stratcoord/internal/strategy"
	"github.com/skalibog/stratcoord/pkg/models"
)

func series(prices []float64) []models.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, len(prices))
	for i, p := range prices {
		open := start.Add(time.Duration(i) * 15 * time.Minute)
		out[i] = models.Candle{
			Symbol: "BTCUSDT", Interval: "15m",
			OpenTime: open, CloseTime: open.Add(15 * time.Minute),
			Open: p, High: p + 0.5, Low: p - 0.5, Close: p, Volume: 10,
		}
	}
	return out
}

func oscillating(base float64, up bool, last float64) []float64 {
	prices := make([]float64, 30)
	for i := 0; i < 29; i++ {
		if up {
			prices[i] = base + float64(i%2)
		} else {
			prices[i] = base - float64(i%2)
		}
	}
	prices[29] = last
	return prices
}

func newTestStrategy(t *testing.T) strategy.Strategy {
	s, err := New("ma", strategy.Params{
		"fast_period":         3,
		"slow_period":         5,
		"trend_filter_period": 5,
		"ma_type":             "sma",
	})
	require.NoError(t, err)
	return s
}

func TestGoldenCrossProducesBuy(t *testing.T) {
	s := newTestStrategy(t)
	candles := series(oscillating(100, true, 102))

	sigs, err := s.AnalyzeMarket(context.Background(), candles, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	sig := sigs[0]
	assert.Equal(t, models.Buy, sig.Type)
	assert.Equal(t, "ma", sig.StrategyID)
	assert.InDelta(t, 102, sig.EntryPrice, 1e-9)
	assert.InDelta(t, 99.96, sig.StopLoss, 1e-9)
	assert.InDelta(t, 106.08, sig.TakeProfit, 1e-9)
	assert.GreaterOrEqual(t, sig.Strength, 0.5)
	assert.Equal(t, "golden_cross", sig.Metadata["signal_reason"])
	assert.Equal(t, candles[29].CloseTime, sig.Timestamp)
	require.NoError(t, sig.Validate())
	assert.True(t, s.ValidateSignal(sig))
}

func TestDeathCrossProducesSell(t *testing.T) {
	s := newTestStrategy(t)
	sigs, err := s.AnalyzeMarket(context.Background(), series(oscillating(101, false, 99)), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, models.Sell, sigs[0].Type)
	assert.Greater(t, sigs[0].StopLoss, sigs[0].EntryPrice)
	assert.Less(t, sigs[0].TakeProfit, sigs[0].EntryPrice)
	require.NoError(t, sigs[0].Validate())
}

func TestNoCrossNoSignal(t *testing.T) {
	s := newTestStrategy(t)
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100
	}
	sigs, err := s.AnalyzeMarket(context.Background(), series(prices), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestNotEnoughData(t *testing.T) {
	s := newTestStrategy(t)
	_, err := s.AnalyzeMarket(context.Background(), series([]float64{1, 2, 3}), "BTCUSDT")
	assert.Error(t, err)
}

func TestInvalidParams(t *testing.T) {
	_, err := New("bad", strategy.Params{"fast_period": 20, "slow_period": 10})
	assert.Error(t, err)
}
