package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/skalibog/stratcoord/internal/config"
)

var (
	ErrSizeTooSmall  = errors.New("размер позиции меньше минимального")
	ErrMarginCeiling = errors.New("маржа с комиссиями превышает допустимую долю капитала")
	ErrNoCapital     = errors.New("нет доступного капитала")
	ErrRiskBudget    = errors.New("маржа с издержками не укладывается в риск на сделку")
)

// Plan рассчитанные параметры входа
type Plan struct {
	Size          float64
	Notional      float64
	Leverage      int
	Margin        float64
	EstimatedFees float64
	RiskAmount    float64
	ContractValue float64
}

// Sizer рассчитывает объем и плечо позиции от риска на сделку
type Sizer struct {
	cfg config.SizingConfig
}

// NewSizer создает калькулятор размера
func NewSizer(cfg config.SizingConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Spec параметры контракта с учетом значений по умолчанию
func (s *Sizer) Spec(symbol string) config.SymbolSpec {
	spec := s.cfg.Symbols[symbol]
	if spec.ContractValue <= 0 {
		spec.ContractValue = 1
	}
	if spec.MaxLeverage <= 0 || (s.cfg.MaxLeverage > 0 && spec.MaxLeverage > s.cfg.MaxLeverage) {
		spec.MaxLeverage = s.cfg.MaxLeverage
	}
	if spec.MaxLeverage <= 0 {
		spec.MaxLeverage = 1
	}
	return spec
}

// RawSize объем до округления: сумма риска делится на риск одной единицы
func (s *Sizer) RawSize(capital, entry, stop, contractValue float64) float64 {
	if capital <= 0 || entry <= 0 {
		return 0
	}
	perUnit := math.Abs(entry-stop) * contractValue
	if stop <= 0 || perUnit == 0 {
		perUnit = entry * s.cfg.DefaultPriceRisk * contractValue
	}
	if perUnit <= 0 {
		return 0
	}
	return capital * s.cfg.RiskPerTrade / perUnit
}

// Quantize округляет объем вниз до шага лота; меньше минимума дает 0
func Quantize(size, lot, min float64) float64 {
	if size <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(size)
	if lot > 0 {
		step := decimal.NewFromFloat(lot)
		d = d.Div(step).Floor().Mul(step)
	}
	if min > 0 && d.LessThan(decimal.NewFromFloat(min)) {
		return 0
	}
	return d.InexactFloat64()
}

// Plan рассчитывает объем, плечо и маржу для входа по цене entry со стопом stop.
// quoteLimit ограничивает стоимость позиции в валюте котировки, 0 снимает ограничение.
func (s *Sizer) Plan(symbol string, capital, entry, stop, quoteLimit float64) (Plan, error) {
	if capital <= 0 {
		return Plan{}, ErrNoCapital
	}
	spec := s.Spec(symbol)

	raw := s.RawSize(capital, entry, stop, spec.ContractValue)
	if quoteLimit > 0 && entry > 0 {
		if limit := quoteLimit / (entry * spec.ContractValue); limit < raw {
			raw = limit
		}
	}
	size := Quantize(raw, spec.LotSize, spec.MinSize)
	if size <= 0 {
		return Plan{}, fmt.Errorf("%w: %s расчетный объем %.8f", ErrSizeTooSmall, symbol, raw)
	}

	dSize := decimal.NewFromFloat(size)
	notional := dSize.Mul(decimal.NewFromFloat(entry)).Mul(decimal.NewFromFloat(spec.ContractValue))
	riskAmount := decimal.NewFromFloat(capital).Mul(decimal.NewFromFloat(s.cfg.RiskPerTrade))
	costRate := decimal.NewFromFloat(s.cfg.TakerFee).Mul(decimal.NewFromInt(2)).Add(decimal.NewFromFloat(s.cfg.Slippage))
	costs := notional.Mul(costRate)

	budget := riskAmount.Sub(costs)
	if !budget.IsPositive() {
		return Plan{}, fmt.Errorf("%w: %s издержки %s, риск %s",
			ErrRiskBudget, symbol, costs.StringFixed(2), riskAmount.StringFixed(2))
	}
	need := notional.Div(budget).Ceil().IntPart()
	if need > int64(spec.MaxLeverage) {
		return Plan{}, fmt.Errorf("%w: %s нужно плечо %d, максимум %d",
			ErrRiskBudget, symbol, need, spec.MaxLeverage)
	}
	leverage := int(need)
	if leverage < 1 {
		leverage = 1
	}

	margin := notional.Div(decimal.NewFromInt(int64(leverage)))
	fees := notional.Mul(decimal.NewFromFloat(s.cfg.EstimatedFeeRate))
	ceiling := decimal.NewFromFloat(capital).Mul(decimal.NewFromFloat(s.cfg.MarginCeiling))
	if margin.Add(fees).GreaterThan(ceiling) {
		return Plan{}, fmt.Errorf("%w: %s маржа %s, комиссии %s, предел %s",
			ErrMarginCeiling, symbol, margin.StringFixed(2), fees.StringFixed(2), ceiling.StringFixed(2))
	}

	return Plan{
		Size:          size,
		Notional:      notional.InexactFloat64(),
		Leverage:      leverage,
		Margin:        margin.InexactFloat64(),
		EstimatedFees: fees.InexactFloat64(),
		RiskAmount:    riskAmount.InexactFloat64(),
		ContractValue: spec.ContractValue,
	}, nil
}
