package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buySignal() Signal {
	return Signal{
		StrategyID: "ma",
		Symbol:     "BTCUSDT",
		Type:       Buy,
		Strength:   0.7,
		Timestamp:  time.Unix(1700000000, 0),
		EntryPrice: 100,
		StopLoss:   98,
		TakeProfit: 104,
	}
}

func TestSignalValidate(t *testing.T) {
	require.NoError(t, buySignal().Validate())

	sell := buySignal()
	sell.Type = Sell
	sell.StopLoss, sell.TakeProfit = 102, 96
	require.NoError(t, sell.Validate())

	cases := map[string]struct {
		mutate func(*Signal)
		want   error
	}{
		"buy inverted":   {func(s *Signal) { s.StopLoss, s.TakeProfit = 104, 98 }, ErrInvertedLevels},
		"buy stop equal": {func(s *Signal) { s.StopLoss = 100 }, ErrInvertedLevels},
		"sell with buy levels": {func(s *Signal) {
			s.Type = Sell
		}, ErrInvertedLevels},
		"strength high": {func(s *Signal) { s.Strength = 1.2 }, ErrInvalidStrength},
		"no type":       {func(s *Signal) { s.Type = "hold" }, ErrInvalidType},
		"no price":      {func(s *Signal) { s.EntryPrice = 0 }, ErrInvalidPrice},
		"no symbol":     {func(s *Signal) { s.Symbol = "" }, ErrEmptySymbol},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := buySignal()
			tc.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.Truef(t, errors.Is(err, tc.want), "ожидалась %v, получено %v", tc.want, err)
		})
	}
}

func TestSignalCopiesDoNotShareMetadata(t *testing.T) {
	s := buySignal()
	s.Metadata = map[string]interface{}{"k": 1.0}

	sized := s.WithPositionSize(500)
	sized.Metadata["k"] = 2.0

	assert.Equal(t, 0.0, s.PositionSize)
	assert.Equal(t, 500.0, sized.PositionSize)
	assert.Equal(t, 1.0, s.Metadata["k"])
}

func TestSignalTypeSide(t *testing.T) {
	assert.Equal(t, Long, Buy.Side())
	assert.Equal(t, Short, Sell.Side())
	assert.Equal(t, Short, Long.Opposite())
	assert.InDelta(t, 0.02, buySignal().RiskFraction(), 1e-12)
}
