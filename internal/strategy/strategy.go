package strategy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/skalibog/stratcoord/pkg/models"
)

// Strategy контракт подключаемой стратегии
type Strategy interface {
	ID() string
	// AnalyzeMarket анализирует свечи основного таймфрейма стратегии и возвращает сигналы
	AnalyzeMarket(ctx context.Context, candles []models.Candle, symbol string) ([]models.Signal, error)
	ValidateSignal(sig models.Signal) bool
	// CalculatePositionSize возвращает размер позиции в валюте котировки
	CalculatePositionSize(sig models.Signal, availableBalance float64) float64
	// RiskLevel текущий уровень риска стратегии в диапазоне [0, 1]
	RiskLevel() float64
	SupportedSymbols() []string
	Timeframes() []string
}

// MarketData свечи по символу и таймфрейму
type MarketData map[string]map[string][]models.Candle

// Candles возвращает свечи символа для таймфрейма
func (d MarketData) Candles(symbol, timeframe string) []models.Candle {
	if d == nil {
		return nil
	}
	return d[symbol][timeframe]
}

// Put сохраняет свечи
func (d MarketData) Put(symbol, timeframe string, candles []models.Candle) {
	if d[symbol] == nil {
		d[symbol] = make(map[string][]models.Candle)
	}
	d[symbol][timeframe] = candles
}

// Symbols возвращает символы, по которым есть данные
func (d MarketData) Symbols() []string {
	out := make([]string, 0, len(d))
	for s := range d {
		out = append(out, s)
	}
	return out
}

// Base общая часть стратегий: идентификатор, символы, таймфреймы, расчет размера
type Base struct {
	id              string
	symbols         []string
	timeframes      []string
	riskPerTrade    float64
	maxPositionSize float64
	minStrength     float64
}

// NewBase читает общие параметры стратегии
func NewBase(id string, p Params, defaultTimeframes []string) Base {
	tfs := p.Strings("timeframes", defaultTimeframes)
	if len(tfs) == 0 {
		tfs = []string{"15m"}
	}
	return Base{
		id:              id,
		symbols:         p.Strings("supported_symbols", nil),
		timeframes:      tfs,
		riskPerTrade:    p.Float("risk_per_trade", 0.02),
		maxPositionSize: p.Float("max_position_size", 0.1),
		minStrength:     p.Float("min_signal_strength", 0),
	}
}

func (b *Base) ID() string { return b.id }

func (b *Base) SupportedSymbols() []string { return b.symbols }

func (b *Base) Timeframes() []string { return b.timeframes }

// Primary основной таймфрейм анализа
func (b *Base) Primary() string { return b.timeframes[0] }

// Supports сообщает, торгует ли стратегия символом. Пустой список означает любые символы.
func (b *Base) Supports(symbol string) bool {
	if len(b.symbols) == 0 {
		return true
	}
	for _, s := range b.symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// ValidateSignal базовая проверка: инварианты, символ, минимальная сила
func (b *Base) ValidateSignal(sig models.Signal) bool {
	if sig.Validate() != nil {
		return false
	}
	return b.Supports(sig.Symbol) && sig.Strength >= b.minStrength
}

// CalculatePositionSize рассчитывает размер от риска на сделку с ограничением долей баланса
func (b *Base) CalculatePositionSize(sig models.Signal, availableBalance float64) float64 {
	if availableBalance <= 0 {
		return 0
	}
	maxPosition := availableBalance * b.maxPositionSize
	if rf := sig.RiskFraction(); rf > 0 {
		size := availableBalance * b.riskPerTrade / rf
		if size < maxPosition {
			return size
		}
	}
	return maxPosition
}

// TimeframeMinutes переводит таймфрейм вида 5m/1h/1d в минуты
func TimeframeMinutes(tf string) (int, error) {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if len(tf) < 2 {
		return 0, fmt.Errorf("некорректный таймфрейм %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("некорректный таймфрейм %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return n, nil
	case 'h':
		return n * 60, nil
	case 'd':
		return n * 1440, nil
	}
	return 0, fmt.Errorf("некорректный таймфрейм %q", tf)
}

// IsDue сообщает, закрылась ли свеча одного из таймфреймов в минуту at
func IsDue(timeframes []string, at time.Time) bool {
	minuteOfDay := at.Hour()*60 + at.Minute()
	for _, tf := range timeframes {
		n, err := TimeframeMinutes(tf)
		if err != nil {
			continue
		}
		if minuteOfDay%n == 0 {
			return true
		}
	}
	return false
}
