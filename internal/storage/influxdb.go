package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/internal/risk"
	"github.com/skalibog/stratcoord/pkg/logger"
	"github.com/skalibog/stratcoord/pkg/models"
)

const (
	measurementTrades = "trades"
	measurementRisk   = "risk_metrics"
)

// InfluxDBStorage пишет журнал сделок и метрики риска в InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPI
	org      string
	bucket   string

	closeOnce sync.Once
	done      chan struct{}
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(ctx context.Context, cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	s := &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPI(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
		done:     make(chan struct{}),
	}
	go s.logWriteErrors()
	return s, nil
}

// logWriteErrors асинхронная запись сообщает об ошибках через канал
func (s *InfluxDBStorage) logWriteErrors() {
	defer close(s.done)
	for err := range s.writeAPI.Errors() {
		logger.Error("Ошибка записи в InfluxDB", zap.String("bucket", s.bucket), zap.Error(err))
	}
}

// Close сбрасывает буфер и закрывает соединение
func (s *InfluxDBStorage) Close() error {
	s.closeOnce.Do(func() {
		s.writeAPI.Flush()
		s.client.Close()
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
	})
	return nil
}

// Record сохраняет запись журнала сделок
func (s *InfluxDBStorage) Record(_ context.Context, rec models.TradeRecord) error {
	tags := map[string]string{
		"action":   string(rec.Action),
		"symbol":   rec.Symbol,
		"side":     string(rec.Side),
		"strategy": rec.StrategyID,
	}
	fields := map[string]interface{}{
		"size":     rec.Size,
		"price":    rec.Price,
		"pnl":      rec.PnL,
		"strength": rec.SignalStrength,
		"leverage": rec.Leverage,
	}
	if rec.Reason != "" {
		fields["reason"] = rec.Reason
	}
	if rec.OrderID != "" {
		fields["order_id"] = rec.OrderID
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.writeAPI.WritePoint(influxdb2.NewPoint(measurementTrades, tags, fields, ts))
	return nil
}

// RecordRiskMetrics сохраняет снимок метрик риск-менеджера
func (s *InfluxDBStorage) RecordRiskMetrics(_ context.Context, m risk.Metrics) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	point := influxdb2.NewPoint(
		measurementRisk,
		map[string]string{"bucket": s.bucket},
		map[string]interface{}{
			"total_balance":     m.TotalBalance,
			"used_balance":      m.UsedBalance,
			"available_balance": m.AvailableBalance,
			"total_pnl":         m.TotalPnL,
			"daily_pnl":         m.DailyPnL,
			"max_drawdown":      m.MaxDrawdown,
			"current_drawdown":  m.CurrentDrawdown,
			"active_positions":  m.ActivePositions,
			"exposure":          m.TotalRiskExposure,
			"var95":             m.VaR95,
		},
		ts,
	)
	s.writeAPI.WritePoint(point)
	return nil
}

// TradeHistory возвращает последние закрытые сделки по символу, пустой символ означает все
func (s *InfluxDBStorage) TradeHistory(ctx context.Context, symbol string, since time.Duration, limit int) ([]models.TradeRecord, error) {
	result, err := s.queryAPI.Query(ctx, tradeHistoryQuery(s.bucket, symbol, since, limit))
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса истории сделок: %w", err)
	}
	defer result.Close()

	var trades []models.TradeRecord
	for result.Next() {
		record := result.Record()
		rec := models.TradeRecord{
			Timestamp:  record.Time(),
			Action:     models.TradeAction(stringValue(record.ValueByKey("action"))),
			Symbol:     stringValue(record.ValueByKey("symbol")),
			Side:       models.PositionSide(stringValue(record.ValueByKey("side"))),
			StrategyID: stringValue(record.ValueByKey("strategy")),
			Reason:     stringValue(record.ValueByKey("reason")),
			OrderID:    stringValue(record.ValueByKey("order_id")),
		}
		rec.Size, _ = record.ValueByKey("size").(float64)
		rec.Price, _ = record.ValueByKey("price").(float64)
		rec.PnL, _ = record.ValueByKey("pnl").(float64)
		rec.SignalStrength, _ = record.ValueByKey("strength").(float64)
		if lev, ok := record.ValueByKey("leverage").(int64); ok {
			rec.Leverage = int(lev)
		}
		trades = append(trades, rec)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}
	return trades, nil
}

func tradeHistoryQuery(bucket, symbol string, since time.Duration, limit int) string {
	if since <= 0 {
		since = 30 * 24 * time.Hour
	}
	if limit <= 0 {
		limit = 100
	}
	symbolFilter := ""
	if symbol != "" {
		symbolFilter = fmt.Sprintf("\n\t\t\t|> filter(fn: (r) => r.symbol == %q)", symbol)
	}
	return fmt.Sprintf(`
		from(bucket: %q)
			|> range(start: -%ds)
			|> filter(fn: (r) => r._measurement == %q)
			|> filter(fn: (r) => r.action == "close")%s
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> group()
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, bucket, int(since.Seconds()), measurementTrades, symbolFilter, limit)
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}
