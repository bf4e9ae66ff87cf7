package models

import (
	"time"
)

// Candle представляет свечу
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// Closes возвращает цены закрытия в хронологическом порядке
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs возвращает максимумы свечей
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows возвращает минимумы свечей
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

// Volumes возвращает объемы свечей
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// PositionSide сторона позиции
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Opposite возвращает противоположную сторону
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// TradeAction тип записи в журнале сделок
type TradeAction string

const (
	ActionOpen        TradeAction = "open"
	ActionClose       TradeAction = "close"
	ActionOpenFailed  TradeAction = "open_failed"
	ActionCloseFailed TradeAction = "close_failed"
	ActionRejected    TradeAction = "rejected"
)

// TradeRecord одна запись журнала сделок
type TradeRecord struct {
	Timestamp      time.Time              `json:"timestamp"`
	Action         TradeAction            `json:"action"`
	Symbol         string                 `json:"symbol"`
	Side           PositionSide           `json:"side"`
	Size           float64                `json:"size"`
	Price          float64                `json:"price"`
	StrategyID     string                 `json:"strategy_id"`
	PnL            float64                `json:"pnl"`
	Reason         string                 `json:"reason,omitempty"`
	OrderID        string                 `json:"order_id,omitempty"`
	SignalStrength float64                `json:"signal_strength,omitempty"`
	Leverage       int                    `json:"leverage,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}
