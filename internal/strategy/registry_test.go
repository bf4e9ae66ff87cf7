package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("fake", func(id string, p Params) (Strategy, error) {
		return newFake(id, p.Strings("supported_symbols", nil)...), nil
	}))
	assert.ErrorIs(t, r.Register("fake", nil), ErrClassExists)

	s, err := r.Create("fake", "f1", Params{"supported_symbols": []interface{}{"BTCUSDT"}})
	require.NoError(t, err)
	assert.Equal(t, "f1", s.ID())
	assert.Equal(t, []string{"BTCUSDT"}, s.SupportedSymbols())

	_, err = r.Create("missing", "x", nil)
	assert.ErrorIs(t, err, ErrUnknownClass)
	assert.Equal(t, []string{"fake"}, r.Classes())
}

func TestTimeframeMinutes(t *testing.T) {
	cases := map[string]int{"1m": 1, "5m": 5, "15m": 15, "1h": 60, "4h": 240, "1d": 1440}
	for tf, want := range cases {
		got, err := TimeframeMinutes(tf)
		require.NoError(t, err, tf)
		assert.Equal(t, want, got, tf)
	}
	_, err := TimeframeMinutes("x")
	assert.Error(t, err)
	_, err = TimeframeMinutes("0m")
	assert.Error(t, err)
}

func TestIsDue(t *testing.T) {
	at := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
	assert.True(t, IsDue([]string{"4h"}, at))
	assert.True(t, IsDue([]string{"15m"}, at))
	assert.False(t, IsDue([]string{"1d"}, at))
	assert.False(t, IsDue([]string{"15m"}, at.Add(5*time.Minute)))
	assert.True(t, IsDue([]string{"1h", "5m"}, at.Add(5*time.Minute)))
}

func TestBasePositionSize(t *testing.T) {
	b := NewBase("b", Params{"risk_per_trade": 0.01, "max_position_size": 0.5}, []string{"1h"})
	sig := newFake("x").emit("BTCUSDT", "buy", 0.5).signals["BTCUSDT"][0]

	// 1000 * 0.01 / 0.02 = 500 (потолок 500)
	assert.InDelta(t, 500, b.CalculatePositionSize(sig, 1000), 1e-9)
	assert.InDelta(t, 250, b.CalculatePositionSize(sig, 500), 1e-9)
	assert.Equal(t, 0.0, b.CalculatePositionSize(sig, 0))
	assert.Equal(t, "1h", b.Primary())
}
