package breakout

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/internal/strategy"
	"github.com/skalibog/stratcoord/pkg/logger"
	"github.com/skalibog/stratcoord/pkg/models"
)

// Class имя класса в реестре
const Class = "volatility_breakout"

// Strategy пробой полос Боллинджера после сжатия волатильности, стопы от ATR
type Strategy struct {
	strategy.Base

	bbPeriod        int
	bbStd           float64
	bbThreshold     float64
	atrPeriod       int
	stopLossMult    float64
	takeProfitMult  float64
	volumeMult      float64
	volumeFilter    bool
	minStrength     float64
	contractionBars int

	mu         sync.Mutex
	lastSignal map[string]time.Time
}

// New создает стратегию из параметров
func New(id string, p strategy.Params) (strategy.Strategy, error) {
	s := &Strategy{
		Base:            strategy.NewBase(id, p, []string{"1h"}),
		bbPeriod:        p.Int("bb_period", 20),
		bbStd:           p.Float("bb_std", 2.0),
		bbThreshold:     p.Float("bb_threshold", 0.04),
		atrPeriod:       p.Int("atr_period", 14),
		stopLossMult:    p.Float("stop_loss_mult", 1.5),
		takeProfitMult:  p.Float("trailing_mult", 2.0),
		volumeMult:      p.Float("volume_mult", 1.5),
		volumeFilter:    p.Bool("enable_volume_filter", false),
		minStrength:     p.Float("min_strength", 0.55),
		contractionBars: p.Int("contraction_lookback", 10),
		lastSignal:      make(map[string]time.Time),
	}
	if s.bbPeriod < 2 || s.atrPeriod < 1 || s.bbStd <= 0 {
		return nil, fmt.Errorf("некорректные параметры: bb_period=%d atr_period=%d bb_std=%.2f", s.bbPeriod, s.atrPeriod, s.bbStd)
	}
	return s, nil
}

func (s *Strategy) minCandles() int {
	n := s.bbPeriod
	if s.atrPeriod > n {
		n = s.atrPeriod
	}
	return n + 5
}

// AnalyzeMarket ищет пробой на последней свече
func (s *Strategy) AnalyzeMarket(ctx context.Context, candles []models.Candle, symbol string) ([]models.Signal, error) {
	if len(candles) < s.minCandles() {
		return nil, fmt.Errorf("недостаточно данных: %d свечей (требуется %d)", len(candles), s.minCandles())
	}

	closes := models.Closes(candles)
	highs := models.Highs(candles)
	lows := models.Lows(candles)
	volumes := models.Volumes(candles)

	upper, middle, lower := talib.BBands(closes, s.bbPeriod, s.bbStd, s.bbStd, talib.SMA)
	atr := talib.Atr(highs, lows, closes, s.atrPeriod)

	n := len(closes) - 1
	ts := candles[n].CloseTime
	s.mu.Lock()
	last, seen := s.lastSignal[symbol]
	s.mu.Unlock()
	if seen && !ts.IsZero() && last.Equal(ts) {
		return nil, nil
	}

	if !s.contracted(upper, middle, lower, n) {
		return nil, nil
	}

	price := closes[n]
	var typ models.SignalType
	var excess float64
	switch {
	case price > upper[n]:
		typ, excess = models.Buy, price-upper[n]
	case price < lower[n]:
		typ, excess = models.Sell, lower[n]-price
	default:
		return nil, nil
	}

	volumeRatio := s.volumeRatio(volumes)
	if s.volumeFilter && volumeRatio < s.volumeMult {
		logger.Debug("Пробой без подтверждения объемом",
			zap.String("strategy", s.ID()), zap.String("symbol", symbol), zap.Float64("volume_ratio", volumeRatio))
		return nil, nil
	}

	stop, target := s.levels(typ, price, atr[n])
	strength := 0.5
	if atr[n] > 0 {
		strength += 0.25 * excess / atr[n]
	}
	if volumeRatio >= s.volumeMult {
		strength += 0.1
	}
	strength = math.Max(0.1, math.Min(1.0, strength))

	sig := models.Signal{
		StrategyID: s.ID(),
		Symbol:     symbol,
		Type:       typ,
		Strength:   strength,
		Timestamp:  ts,
		EntryPrice: price,
		StopLoss:   stop,
		TakeProfit: target,
		Metadata: map[string]interface{}{
			"bb_width":     (upper[n] - lower[n]) / middle[n],
			"bb_upper":     upper[n],
			"bb_lower":     lower[n],
			"atr":          atr[n],
			"volume_ratio": volumeRatio,
		},
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.lastSignal[symbol] = ts
	s.mu.Unlock()
	return []models.Signal{sig}, nil
}

// contracted проверяет сжатие полос за последние бары
func (s *Strategy) contracted(upper, middle, lower []float64, n int) bool {
	from := n - s.contractionBars
	if from < s.bbPeriod-1 {
		from = s.bbPeriod - 1
	}
	for i := from; i <= n; i++ {
		if middle[i] <= 0 {
			continue
		}
		if (upper[i]-lower[i])/middle[i] < s.bbThreshold {
			return true
		}
	}
	return false
}

func (s *Strategy) volumeRatio(volumes []float64) float64 {
	if len(volumes) < 21 {
		return 1
	}
	avg := talib.Sma(volumes[:len(volumes)-1], 20)
	last := avg[len(avg)-1]
	if last <= 0 {
		return 1
	}
	return volumes[len(volumes)-1] / last
}

// levels стоп и цель от ATR; без ATR используются фиксированные проценты
func (s *Strategy) levels(typ models.SignalType, price, atr float64) (float64, float64) {
	if atr <= 0 || math.IsNaN(atr) {
		if typ == models.Buy {
			return price * 0.97, price * 1.08
		}
		return price * 1.03, price * 0.92
	}
	if typ == models.Buy {
		return price - s.stopLossMult*atr, price + s.takeProfitMult*atr
	}
	return price + s.stopLossMult*atr, price - s.takeProfitMult*atr
}

// ValidateSignal дополнительно требует минимальную силу
func (s *Strategy) ValidateSignal(sig models.Signal) bool {
	return s.Base.ValidateSignal(sig) && sig.Strength >= s.minStrength
}

// RiskLevel выше, пока стратегия недавно дала сигнал
func (s *Strategy) RiskLevel() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lastSignal) > 0 {
		return 0.7
	}
	return 0.3
}
