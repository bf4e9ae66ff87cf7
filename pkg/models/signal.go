package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SignalType направление сигнала
type SignalType string

const (
	Buy  SignalType = "buy"
	Sell SignalType = "sell"
)

// Side переводит направление сигнала в сторону позиции
func (t SignalType) Side() PositionSide {
	if t == Sell {
		return Short
	}
	return Long
}

var (
	ErrInvalidType     = errors.New("неизвестный тип сигнала")
	ErrInvalidStrength = errors.New("сила сигнала вне диапазона [0, 1]")
	ErrInvalidPrice    = errors.New("некорректная цена сигнала")
	ErrInvertedLevels  = errors.New("стоп-лосс и тейк-профит расположены неверно")
	ErrEmptySymbol     = errors.New("не указан символ")
)

// Signal торговый сигнал стратегии. Значение не изменяется после создания,
// производные сигналы строятся копированием.
type Signal struct {
	StrategyID string
	Symbol     string
	Type       SignalType
	Strength   float64
	Timestamp  time.Time
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	// PositionSize размер в валюте котировки, 0 означает "не задан"
	PositionSize float64
	Metadata     map[string]interface{}
}

// Validate проверяет инварианты сигнала
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return ErrEmptySymbol
	}
	if s.Type != Buy && s.Type != Sell {
		return fmt.Errorf("%w: %q", ErrInvalidType, s.Type)
	}
	if math.IsNaN(s.Strength) || s.Strength < 0 || s.Strength > 1 {
		return fmt.Errorf("%w: %.4f", ErrInvalidStrength, s.Strength)
	}
	if !(s.EntryPrice > 0) || !(s.StopLoss > 0) || !(s.TakeProfit > 0) {
		return fmt.Errorf("%w: entry=%.8f stop=%.8f target=%.8f", ErrInvalidPrice, s.EntryPrice, s.StopLoss, s.TakeProfit)
	}

	switch s.Type {
	case Buy:
		if !(s.StopLoss < s.EntryPrice && s.EntryPrice < s.TakeProfit) {
			return fmt.Errorf("%w: buy stop=%.8f entry=%.8f target=%.8f", ErrInvertedLevels, s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	case Sell:
		if !(s.StopLoss > s.EntryPrice && s.EntryPrice > s.TakeProfit) {
			return fmt.Errorf("%w: sell stop=%.8f entry=%.8f target=%.8f", ErrInvertedLevels, s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	}
	if s.PositionSize < 0 {
		return fmt.Errorf("%w: отрицательный размер позиции", ErrInvalidPrice)
	}
	return nil
}

// HasPositionSize сообщает, задан ли размер позиции
func (s Signal) HasPositionSize() bool {
	return s.PositionSize > 0
}

// WithPositionSize возвращает копию сигнала с новым размером
func (s Signal) WithPositionSize(size float64) Signal {
	s.PositionSize = size
	s.Metadata = copyMetadata(s.Metadata)
	return s
}

// WithStrategyID возвращает копию сигнала с новым идентификатором стратегии
func (s Signal) WithStrategyID(id string) Signal {
	s.StrategyID = id
	s.Metadata = copyMetadata(s.Metadata)
	return s
}

// MetaFloat читает числовое значение из метаданных
func (s Signal) MetaFloat(key string) (float64, bool) {
	if s.Metadata == nil {
		return 0, false
	}
	switch v := s.Metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// RiskFraction доля цены входа до стоп-лосса
func (s Signal) RiskFraction() float64 {
	if s.EntryPrice <= 0 || s.StopLoss <= 0 {
		return 0
	}
	return math.Abs(s.EntryPrice-s.StopLoss) / s.EntryPrice
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s %s strength=%.3f entry=%.6f stop=%.6f target=%.6f",
		s.StrategyID, s.Symbol, s.Type, s.Strength, s.EntryPrice, s.StopLoss, s.TakeProfit)
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
