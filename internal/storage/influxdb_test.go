package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/internal/risk"
	"github.com/skalibog/stratcoord/pkg/models"
)

type influxStub struct {
	mu     sync.Mutex
	status string
	writes []string
}

func (s *influxStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := s.status
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"influxdb","message":"ok","status":"`+status+`","checks":[],"version":"2.7.0","commit":"abc"}`)
	})
	mux.HandleFunc("/api/v2/write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.writes = append(s.writes, string(body))
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (s *influxStub) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.writes, "\n")
}

func newStub(t *testing.T, status string) (*influxStub, config.StorageConfig) {
	stub := &influxStub{status: status}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return stub, config.StorageConfig{Enabled: true, URL: srv.URL, Token: "token", Organization: "org", Bucket: "trading"}
}

func TestRecordWritesTradeAndRiskPoints(t *testing.T) {
	stub, cfg := newStub(t, "pass")
	s, err := NewInfluxDBStorage(context.Background(), cfg)
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(context.Background(), models.TradeRecord{
		Timestamp: at, Action: models.ActionClose, Symbol: "BTCUSDT", Side: models.Long,
		Size: 75, Price: 104, StrategyID: "ma", PnL: 292.35, Reason: "take_profit", Leverage: 50,
	}))
	require.NoError(t, s.RecordRiskMetrics(context.Background(), risk.Metrics{
		Timestamp: at, TotalBalance: 10000, CurrentDrawdown: 0.01, ActivePositions: 1,
	}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.Eventually(t, func() bool {
		b := stub.body()
		return strings.Contains(b, "trades,") && strings.Contains(b, "risk_metrics,")
	}, 3*time.Second, 20*time.Millisecond)

	body := stub.body()
	assert.Contains(t, body, "symbol=BTCUSDT")
	assert.Contains(t, body, "strategy=ma")
	assert.Contains(t, body, `reason="take_profit"`)
	assert.Contains(t, body, "leverage=50i")
	assert.Contains(t, body, "total_balance=10000")
}

func TestUnhealthyServerRejected(t *testing.T) {
	_, cfg := newStub(t, "fail")
	_, err := NewInfluxDBStorage(context.Background(), cfg)
	assert.Error(t, err)
}

func TestTradeHistoryQuery(t *testing.T) {
	q := tradeHistoryQuery("trading", "ETHUSDT", time.Hour, 10)
	assert.Contains(t, q, `from(bucket: "trading")`)
	assert.Contains(t, q, "range(start: -3600s)")
	assert.Contains(t, q, `r.symbol == "ETHUSDT"`)
	assert.Contains(t, q, "limit(n: 10)")

	all := tradeHistoryQuery("trading", "", 0, 0)
	assert.NotContains(t, all, "r.symbol")
	assert.Contains(t, all, "limit(n: 100)")
}
