package volumedelta

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/internal/strategy"
	"github.com/skalibog/stratcoord/pkg/logger"
	"github.com/skalibog/stratcoord/pkg/models"
)

const Class = "volume_delta"

// Strategy торгует по дельте объемов: накопленная дельта, объемные импульсы и связь объема с ценой
type Strategy struct {
	strategy.Base

	lookback        int
	significance    float64
	signalThreshold float64
	atrPeriod       int
	stopLossMult    float64
	takeProfitRatio float64
	minStrength     float64
	riskLevel       float64
}

// New создает стратегию из параметров
func New(id string, p strategy.Params) (strategy.Strategy, error) {
	s := &Strategy{
		Base:            strategy.NewBase(id, p, []string{"5m"}),
		lookback:        p.Int("lookback", 20),
		significance:    p.Float("significance_threshold", 2.0),
		signalThreshold: p.Float("signal_threshold", 40),
		atrPeriod:       p.Int("atr_period", 14),
		stopLossMult:    p.Float("stop_loss_mult", 1.5),
		takeProfitRatio: p.Float("take_profit_ratio", 2.0),
		minStrength:     p.Float("min_strength", 0.4),
		riskLevel:       p.Float("risk_level", 0.5),
	}
	if s.lookback < 10 || s.atrPeriod < 1 || s.significance <= 1 {
		return nil, fmt.Errorf("некорректные параметры: lookback=%d atr_period=%d significance_threshold=%.2f",
			s.lookback, s.atrPeriod, s.significance)
	}
	if s.signalThreshold <= 0 || s.signalThreshold > 100 {
		return nil, fmt.Errorf("signal_threshold вне (0, 100]: %.2f", s.signalThreshold)
	}
	return s, nil
}

func (s *Strategy) minCandles() int {
	n := s.lookback
	if n < 30 {
		n = 30
	}
	if s.atrPeriod+1 > n {
		n = s.atrPeriod + 1
	}
	return n + 1
}

// AnalyzeMarket оценивает дельту объемов на последних свечах; свечи в хронологическом порядке
func (s *Strategy) AnalyzeMarket(ctx context.Context, candles []models.Candle, symbol string) ([]models.Signal, error) {
	if len(candles) < s.minCandles() {
		return nil, fmt.Errorf("недостаточно данных для анализа дельты объемов: %d свечей (требуется %d)",
			len(candles), s.minCandles())
	}

	cumulative := s.cumulativeDelta(candles)
	impulse := s.volumeImpulses(candles)
	volumePrice := s.volumePriceRelation(candles)
	score := cumulative*0.5 + impulse*0.3 + volumePrice*0.2

	logger.Debug("Дельта объемов",
		zap.String("strategy", s.ID()),
		zap.String("symbol", symbol),
		zap.Float64("cumulative", cumulative),
		zap.Float64("impulse", impulse),
		zap.Float64("volume_price", volumePrice),
		zap.Float64("score", score))

	if math.Abs(score) < s.signalThreshold {
		return nil, nil
	}

	n := len(candles) - 1
	price := candles[n].Close
	atr := talib.Atr(models.Highs(candles), models.Lows(candles), models.Closes(candles), s.atrPeriod)[n]
	if !(atr > 0) {
		atr = price * 0.01
	}
	risk := atr * s.stopLossMult

	sig := models.Signal{
		StrategyID: s.ID(),
		Symbol:     symbol,
		Strength:   math.Max(0.1, math.Min(1.0, math.Abs(score)/100)),
		Timestamp:  candleTime(candles[n]),
		EntryPrice: price,
		Metadata: map[string]interface{}{
			"delta_score":      score,
			"cumulative_delta": cumulative,
			"volume_impulse":   impulse,
			"atr":              atr,
		},
	}
	if score > 0 {
		sig.Type = models.Buy
		sig.StopLoss = price - risk
		sig.TakeProfit = price + risk*s.takeProfitRatio
	} else {
		sig.Type = models.Sell
		sig.StopLoss = price + risk
		sig.TakeProfit = price - risk*s.takeProfitRatio
	}
	if sig.StopLoss <= 0 || sig.TakeProfit <= 0 {
		return nil, nil
	}
	return []models.Signal{sig}, nil
}

// cumulativeDelta взвешенная дельта последних lookback свечей, от -100 до 100.
// Объем бычьей свечи считается покупками, медвежьей продажами; свежие свечи весят больше.
func (s *Strategy) cumulativeDelta(candles []models.Candle) float64 {
	var delta, total float64
	for i := 0; i < s.lookback && i < len(candles); i++ {
		c := candles[len(candles)-1-i]
		weight := 1.0 - float64(i)/float64(s.lookback)
		d := 0.0
		switch {
		case c.Close > c.Open:
			d = c.Volume
		case c.Close < c.Open:
			d = -c.Volume
		}
		delta += d * weight
		total += math.Abs(d) * weight
	}
	if total == 0 {
		return 0
	}
	return delta / total * 100
}

// volumeImpulses свечи последних 10 с объемом выше среднего за 30 в significance раз
func (s *Strategy) volumeImpulses(candles []models.Candle) float64 {
	if len(candles) < 30 {
		return 0
	}
	avg := mean(models.Volumes(candles[len(candles)-30:]))
	if avg == 0 {
		return 0
	}

	var signal float64
	for i := 0; i < 10; i++ {
		c := candles[len(candles)-1-i]
		ratio := c.Volume / avg
		if ratio < s.significance {
			continue
		}
		impulse := math.Min((ratio-1.0)*10, s.significance*10)
		if c.Close > c.Open {
			signal += impulse
		} else {
			signal -= impulse
		}
	}
	return clamp(signal)
}

// volumePriceRelation расхождения изменения объема и цены между соседними свечами
func (s *Strategy) volumePriceRelation(candles []models.Candle) float64 {
	var signal float64
	for i := 1; i < s.lookback && i < len(candles); i++ {
		cur := candles[len(candles)-i]
		prev := candles[len(candles)-1-i]
		if prev.Volume == 0 || prev.Close == 0 {
			continue
		}
		volumeChange := (cur.Volume - prev.Volume) / prev.Volume
		priceChange := (cur.Close - prev.Close) / prev.Close
		if math.Abs(volumeChange) <= 0.1 {
			continue
		}
		switch {
		case priceChange > 0 && volumeChange > 0.1:
			signal += 10
		case priceChange > 0 && volumeChange < -0.1:
			signal -= 5
		case priceChange < 0 && volumeChange < -0.1:
			signal += 10
		case priceChange < 0 && volumeChange > 0.1:
			signal -= 20
		}
	}
	return clamp(signal)
}

// ValidateSignal дополнительно требует минимальную силу
func (s *Strategy) ValidateSignal(sig models.Signal) bool {
	return s.Base.ValidateSignal(sig) && sig.Strength >= s.minStrength
}

func (s *Strategy) RiskLevel() float64 { return s.riskLevel }

func clamp(v float64) float64 {
	return math.Max(math.Min(v, 100), -100)
}

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
	return c.OpenTime
}
