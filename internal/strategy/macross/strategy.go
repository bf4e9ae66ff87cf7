package macross

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/internal/strategy"
	"github.com/skalibog/stratcoord/pkg/logger"
	"github.com/skalibog/stratcoord/pkg/models"
)

// Class имя класса в реестре
const Class = "ma_crossover"

// Strategy пересечение быстрой и медленной скользящих с фильтрами тренда, RSI и объема
type Strategy struct {
	strategy.Base

	fastPeriod       int
	slowPeriod       int
	maType           string
	rsiPeriod        int
	stopLossPct      float64
	takeProfitRatio  float64
	trailingStopPct  float64
	trendPeriod      int
	minTrendStrength float64
	minStrength      float64
	riskLevel        float64
}

// New создает стратегию из параметров
func New(id string, p strategy.Params) (strategy.Strategy, error) {
	s := &Strategy{
		Base:             strategy.NewBase(id, p, []string{"15m", "1h"}),
		fastPeriod:       p.Int("fast_period", 10),
		slowPeriod:       p.Int("slow_period", 20),
		maType:           strings.ToUpper(p.String("ma_type", "EMA")),
		rsiPeriod:        p.Int("rsi_period", 14),
		stopLossPct:      p.Float("stop_loss_pct", 0.02),
		takeProfitRatio:  p.Float("take_profit_ratio", 2.0),
		trailingStopPct:  p.Float("trailing_stop_pct", 0.01),
		trendPeriod:      p.Int("trend_filter_period", 50),
		minTrendStrength: p.Float("min_trend_strength", 0.005),
		minStrength:      p.Float("min_strength", 0.3),
		riskLevel:        p.Float("risk_level", 0.4),
	}
	if s.fastPeriod <= 0 || s.slowPeriod <= s.fastPeriod {
		return nil, fmt.Errorf("некорректные периоды: fast=%d slow=%d", s.fastPeriod, s.slowPeriod)
	}
	if s.stopLossPct <= 0 || s.stopLossPct >= 1 {
		return nil, fmt.Errorf("некорректный stop_loss_pct: %.4f", s.stopLossPct)
	}
	return s, nil
}

func (s *Strategy) minCandles() int {
	n := s.trendPeriod
	if s.slowPeriod > n {
		n = s.slowPeriod
	}
	return n + 20
}

// AnalyzeMarket ищет пересечение на последней закрытой свече
func (s *Strategy) AnalyzeMarket(ctx context.Context, candles []models.Candle, symbol string) ([]models.Signal, error) {
	if len(candles) < s.minCandles() {
		return nil, fmt.Errorf("недостаточно данных: %d свечей (требуется %d)", len(candles), s.minCandles())
	}

	closes := models.Closes(candles)
	volumes := models.Volumes(candles)

	fast := s.movingAverage(closes, s.fastPeriod)
	slow := s.movingAverage(closes, s.slowPeriod)
	trend := s.movingAverage(closes, s.trendPeriod)
	rsi := talib.Rsi(closes, s.rsiPeriod)

	n := len(closes) - 1
	price := closes[n]
	golden := fast[n-1] <= slow[n-1] && fast[n] > slow[n]
	death := fast[n-1] >= slow[n-1] && fast[n] < slow[n]
	if !golden && !death {
		return nil, nil
	}

	var sig models.Signal
	switch {
	case golden && s.confirmBuy(price, trend[n], rsi[n], volumes):
		stop := price * (1 - s.stopLossPct)
		sig = s.newSignal(symbol, models.Buy, price, stop, price+(price-stop)*s.takeProfitRatio)
		sig.Metadata["signal_reason"] = "golden_cross"
	case death && s.confirmSell(price, trend[n], rsi[n], volumes):
		stop := price * (1 + s.stopLossPct)
		sig = s.newSignal(symbol, models.Sell, price, stop, price-(stop-price)*s.takeProfitRatio)
		sig.Metadata["signal_reason"] = "death_cross"
	default:
		logger.Debug("Пересечение не подтверждено фильтрами",
			zap.String("strategy", s.ID()), zap.String("symbol", symbol))
		return nil, nil
	}

	sig.Strength = s.strength(sig.Type, price, fast[n], slow[n], rsi[n], volumes)
	sig.Timestamp = candleTime(candles[n])
	sig.Metadata["fast_ma"] = fast[n]
	sig.Metadata["slow_ma"] = slow[n]
	sig.Metadata["rsi"] = rsi[n]
	if price > trend[n] {
		sig.Metadata["trend_direction"] = "up"
	} else {
		sig.Metadata["trend_direction"] = "down"
	}
	return []models.Signal{sig}, nil
}

func (s *Strategy) newSignal(symbol string, typ models.SignalType, entry, stop, target float64) models.Signal {
	md := map[string]interface{}{}
	if s.trailingStopPct > 0 {
		md["trailing_stop_pct"] = s.trailingStopPct
	}
	return models.Signal{
		StrategyID: s.ID(),
		Symbol:     symbol,
		Type:       typ,
		EntryPrice: entry,
		StopLoss:   stop,
		TakeProfit: target,
		Metadata:   md,
	}
}

func (s *Strategy) movingAverage(prices []float64, period int) []float64 {
	switch s.maType {
	case "SMA":
		return talib.Sma(prices, period)
	case "WMA":
		return talib.Wma(prices, period)
	default:
		return talib.Ema(prices, period)
	}
}

// Покупка: цена не ниже тренда, RSI не в зоне перекупленности, объем не провален
func (s *Strategy) confirmBuy(price, trend, rsi float64, volumes []float64) bool {
	return price >= trend*(1-s.minTrendStrength) && rsi <= 75 && volumeOK(volumes)
}

func (s *Strategy) confirmSell(price, trend, rsi float64, volumes []float64) bool {
	return price <= trend*(1+s.minTrendStrength) && rsi >= 25 && volumeOK(volumes)
}

func volumeOK(volumes []float64) bool {
	if len(volumes) < 20 {
		return true
	}
	return volumes[len(volumes)-1] >= mean(volumes[len(volumes)-20:])*0.8
}

// strength оценивает сигнал от 0.1 до 1
func (s *Strategy) strength(typ models.SignalType, price, fast, slow, rsi float64, volumes []float64) float64 {
	strength := 0.5

	distance := math.Abs(fast-slow) / price
	switch {
	case distance > 0.01:
		strength += 0.2
	case distance > 0.005:
		strength += 0.1
	}

	if typ == models.Buy {
		switch {
		case rsi >= 30 && rsi <= 50:
			strength += 0.2
		case rsi > 50 && rsi <= 60:
			strength += 0.1
		}
	} else {
		switch {
		case rsi >= 50 && rsi <= 70:
			strength += 0.2
		case rsi >= 40 && rsi < 50:
			strength += 0.1
		}
	}

	if len(volumes) >= 10 {
		if avg := mean(volumes[len(volumes)-10:]); avg > 0 {
			ratio := volumes[len(volumes)-1] / avg
			switch {
			case ratio > 1.5:
				strength += 0.15
			case ratio > 1.2:
				strength += 0.1
			case ratio < 0.7:
				strength -= 0.1
			}
		}
	}

	return math.Max(0.1, math.Min(1.0, strength))
}

// ValidateSignal дополнительно требует минимальную силу
func (s *Strategy) ValidateSignal(sig models.Signal) bool {
	return s.Base.ValidateSignal(sig) && sig.Strength > s.minStrength
}

func (s *Strategy) RiskLevel() float64 { return s.riskLevel }

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func candleTime(c models.Candle) time.Time {
	if !c.CloseTime.IsZero() {
		return c.CloseTime
	}
	if !c.OpenTime.IsZero() {
		return c.OpenTime
	}
	return time.Now()
}
