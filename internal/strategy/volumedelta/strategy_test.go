package volumedelta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/stratcoord/internal/strategy"
	"github.com/skalibog/stratcoord/pkg/models"
)

// flatThenTrend 30 свечей без движения, затем 10 направленных свечей с объемом 500
func flatThenTrend(dir float64) []models.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, 0, 40)
	for i := 0; i < 40; i++ {
		open, close, vol := 100.0, 100.0, 100.0
		if i >= 30 && dir != 0 {
			k := float64(i - 30)
			open = 100 + dir*k
			close = open + dir
			vol = 500
		}
		at := start.Add(time.Duration(i) * 5 * time.Minute)
		out = append(out, models.Candle{
			Symbol: "BTCUSDT", Interval: "5m",
			OpenTime: at, CloseTime: at.Add(5 * time.Minute),
			Open: open, Close: close,
			High: max(open, close) + 0.5, Low: min(open, close) - 0.5,
			Volume: vol,
		})
	}
	return out
}

func TestBuyingPressure(t *testing.T) {
	s, err := New("vd", strategy.Params{})
	require.NoError(t, err)

	candles := flatThenTrend(1)
	sigs, err := s.AnalyzeMarket(context.Background(), candles, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	sig := sigs[0]
	assert.Equal(t, models.Buy, sig.Type)
	assert.Equal(t, 110.0, sig.EntryPrice)
	assert.InDelta(t, 0.82, sig.Strength, 1e-9)
	assert.Less(t, sig.StopLoss, sig.EntryPrice)
	assert.Greater(t, sig.TakeProfit, sig.EntryPrice)
	assert.Equal(t, candles[39].CloseTime, sig.Timestamp)
	require.NoError(t, sig.Validate())
	assert.True(t, s.ValidateSignal(sig))
}

func TestSellingPressure(t *testing.T) {
	s, err := New("vd", strategy.Params{})
	require.NoError(t, err)

	sigs, err := s.AnalyzeMarket(context.Background(), flatThenTrend(-1), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, models.Sell, sigs[0].Type)
	assert.InDelta(t, 0.84, sigs[0].Strength, 1e-9)
	assert.Greater(t, sigs[0].StopLoss, sigs[0].EntryPrice)
	require.NoError(t, sigs[0].Validate())
}

func TestFlatMarketNoSignal(t *testing.T) {
	s, err := New("vd", strategy.Params{})
	require.NoError(t, err)
	sigs, err := s.AnalyzeMarket(context.Background(), flatThenTrend(0), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestNotEnoughCandles(t *testing.T) {
	s, err := New("vd", strategy.Params{})
	require.NoError(t, err)
	_, err = s.AnalyzeMarket(context.Background(), flatThenTrend(1)[:20], "BTCUSDT")
	assert.Error(t, err)
}

func TestInvalidParams(t *testing.T) {
	_, err := New("vd", strategy.Params{"lookback": 5})
	assert.Error(t, err)
	_, err = New("vd", strategy.Params{"signal_threshold": 150.0})
	assert.Error(t, err)

	s, err := New("vd", strategy.Params{"timeframes": []interface{}{"15m"}, "risk_level": 0.6})
	require.NoError(t, err)
	assert.Equal(t, []string{"15m"}, s.Timeframes())
	assert.Equal(t, 0.6, s.RiskLevel())
}
