package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *BinanceClient {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewBinanceClient(config.ExchangeConfig{RequestTimeoutSeconds: 2}, "USDT", map[string]config.SymbolSpec{
		"BTCUSDT": {LotSize: 0.001, PriceTick: 0.1},
	})
	c.futures.BaseURL = srv.URL
	return c
}

func TestCandlesAndServerTime(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/klines"):
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			assert.Equal(t, "15m", r.URL.Query().Get("interval"))
			_, _ = w.Write([]byte(`[[1714564800000,"100.5","101.0","99.5","100.8","12.5",1714565699999,"1260","42","6","600","0"]]`))
		case strings.HasSuffix(r.URL.Path, "/time"):
			_, _ = w.Write([]byte(`{"serverTime":1714564800123}`))
		default:
			http.NotFound(w, r)
		}
	})

	candles, err := c.Candles(context.Background(), "BTCUSDT", "15m", 1)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, models.Candle{
		Symbol:    "BTCUSDT",
		Interval:  "15m",
		OpenTime:  time.UnixMilli(1714564800000),
		Open:      100.5,
		High:      101.0,
		Low:       99.5,
		Close:     100.8,
		Volume:    12.5,
		CloseTime: time.UnixMilli(1714565699999),
	}, candles[0])

	ts, err := c.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1714564800123), ts)
}

func TestPlaceOrderRejectsEmptyQuantity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("неожиданный запрос %s", r.URL.Path)
	})
	_, err := c.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "BTCUSDT", Side: models.Long})
	assert.Error(t, err)
}

func TestOrderFormatting(t *testing.T) {
	c := NewBinanceClient(config.ExchangeConfig{}, "", map[string]config.SymbolSpec{
		"BTCUSDT": {LotSize: 0.001, PriceTick: 0.1},
	})
	assert.Equal(t, "0.123", c.formatQuantity("BTCUSDT", 0.12399))
	assert.Equal(t, "65000.2", c.formatPrice("BTCUSDT", 65000.16))
	assert.Equal(t, "1.5", c.formatQuantity("ETHUSDT", 1.5))

	assert.Equal(t, "BUY", string(orderSide(models.Long, false)))
	assert.Equal(t, "SELL", string(orderSide(models.Long, true)))
	assert.Equal(t, "SELL", string(orderSide(models.Short, false)))
	assert.Equal(t, "BUY", string(orderSide(models.Short, true)))
}
