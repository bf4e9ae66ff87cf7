package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skalibog/stratcoord/pkg/models"
)

// State состояние позиции
type State int32

const (
	Pending State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Причины закрытия позиции
const (
	ReasonStopLoss       = "stop_loss"
	ReasonTakeProfit     = "take_profit"
	ReasonTrailingStop   = "trailing_stop"
	ReasonOppositeSignal = "opposite_signal"
	ReasonExchangeClosed = "exchange_closed"
	ReasonManual         = "manual"
)

var (
	ErrInvalidTransition = errors.New("недопустимый переход состояния позиции")
	ErrAlreadyClosing    = errors.New("позиция уже закрывается")
)

// Position открытая позиция движка. Поля входа неизменны после открытия,
// рыночные поля защищены мьютексом.
type Position struct {
	ID             string
	Symbol         string
	Side           models.PositionSide
	Size           float64
	EntryPrice     float64
	StopLoss       float64
	TakeProfit     float64
	Leverage       int
	StrategyID     string
	OrderID        string
	EntryTime      time.Time
	TrailingStop   float64
	Margin         float64
	OpenFee        float64
	ContractValue  float64
	SignalStrength float64

	state atomic.Int32

	mu            sync.Mutex
	markPrice     float64
	unrealizedPnL float64
	maxFavorable  float64
	closeReason   string
}

// PositionView снимок позиции для статуса
type PositionView struct {
	ID            string
	Symbol        string
	Side          models.PositionSide
	State         string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	StopLoss      float64
	TakeProfit    float64
	Leverage      int
	StrategyID    string
	EntryTime     time.Time
	UnrealizedPnL float64
	MaxFavorable  float64
	Margin        float64
	CloseReason   string
}

func newPosition(sig models.Signal, contractValue float64) *Position {
	if contractValue <= 0 {
		contractValue = 1
	}
	return &Position{
		ID:             uuid.NewString(),
		Symbol:         sig.Symbol,
		Side:           sig.Type.Side(),
		EntryPrice:     sig.EntryPrice,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		StrategyID:     sig.StrategyID,
		ContractValue:  contractValue,
		SignalStrength: sig.Strength,
	}
}

// State текущее состояние
func (p *Position) State() State {
	return State(p.state.Load())
}

func (p *Position) transition(from, to State) error {
	if !p.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s (текущее %s)", ErrInvalidTransition, from, to, p.State())
	}
	return nil
}

// MarkOpen переводит позицию в Open после исполнения входной заявки
func (p *Position) MarkOpen(entryPrice, size float64, at time.Time) error {
	if err := p.transition(Pending, Open); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if entryPrice > 0 {
		p.EntryPrice = entryPrice
	}
	if size > 0 {
		p.Size = size
	}
	p.EntryTime = at
	p.markPrice = p.EntryPrice
	p.maxFavorable = p.EntryPrice
	return nil
}

// BeginClose захватывает право закрыть позицию; успешен только один вызов
func (p *Position) BeginClose() error {
	if p.state.CompareAndSwap(int32(Open), int32(Closing)) {
		return nil
	}
	if s := p.State(); s == Closing || s == Closed {
		return ErrAlreadyClosing
	}
	return fmt.Errorf("%w: закрытие из состояния %s", ErrInvalidTransition, p.State())
}

// AbortClose возвращает позицию в Open после отказа биржи
func (p *Position) AbortClose() error {
	return p.transition(Closing, Open)
}

// MarkClosed завершает жизненный цикл позиции
func (p *Position) MarkClosed(reason string) error {
	if err := p.transition(Closing, Closed); err != nil {
		return err
	}
	p.mu.Lock()
	p.closeReason = reason
	p.mu.Unlock()
	return nil
}

func (p *Position) direction() float64 {
	if p.Side == models.Short {
		return -1
	}
	return 1
}

// UpdatePnL пересчитывает нереализованный P&L по цене; повтор с той же ценой ничего не меняет
func (p *Position) UpdatePnL(price float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if price <= 0 {
		return p.unrealizedPnL
	}
	p.markPrice = price
	p.unrealizedPnL = (price - p.EntryPrice) * p.direction() * p.Size * p.ContractValue
	if p.Side == models.Long {
		p.maxFavorable = math.Max(p.maxFavorable, price)
	} else if p.maxFavorable == 0 || price < p.maxFavorable {
		p.maxFavorable = price
	}
	return p.unrealizedPnL
}

// UnrealizedPnL последний рассчитанный P&L
func (p *Position) UnrealizedPnL() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unrealizedPnL
}

// MarkPrice последняя цена
func (p *Position) MarkPrice() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.markPrice
}

// ExitReason проверяет условия выхода; в первые grace после входа выход не проверяется
func (p *Position) ExitReason(price float64, now time.Time, grace time.Duration) string {
	if p.State() != Open || price <= 0 || now.Sub(p.EntryTime) < grace {
		return ""
	}

	p.mu.Lock()
	best := p.maxFavorable
	p.mu.Unlock()

	if p.Side == models.Long {
		switch {
		case p.StopLoss > 0 && price <= p.StopLoss:
			return ReasonStopLoss
		case p.TakeProfit > 0 && price >= p.TakeProfit:
			return ReasonTakeProfit
		case p.TrailingStop > 0 && best > p.EntryPrice && price <= best*(1-p.TrailingStop):
			return ReasonTrailingStop
		}
		return ""
	}

	switch {
	case p.StopLoss > 0 && price >= p.StopLoss:
		return ReasonStopLoss
	case p.TakeProfit > 0 && price <= p.TakeProfit:
		return ReasonTakeProfit
	case p.TrailingStop > 0 && best > 0 && best < p.EntryPrice && price >= best*(1+p.TrailingStop):
		return ReasonTrailingStop
	}
	return ""
}

// RealizedPnL результат закрытия по цене выхода за вычетом комиссий входа и выхода
func (p *Position) RealizedPnL(exitPrice, takerFee float64) float64 {
	gross := (exitPrice - p.EntryPrice) * p.direction() * p.Size * p.ContractValue
	closeFee := exitPrice * p.Size * p.ContractValue * takerFee
	return gross - p.OpenFee - closeFee
}

// Notional текущая стоимость позиции
func (p *Position) Notional() float64 {
	price := p.MarkPrice()
	if price <= 0 {
		price = p.EntryPrice
	}
	return price * p.Size * p.ContractValue
}

// Snapshot копия состояния позиции
func (p *Position) Snapshot() PositionView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PositionView{
		ID:            p.ID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		State:         p.State().String(),
		Size:          p.Size,
		EntryPrice:    p.EntryPrice,
		MarkPrice:     p.markPrice,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		Leverage:      p.Leverage,
		StrategyID:    p.StrategyID,
		EntryTime:     p.EntryTime,
		UnrealizedPnL: p.unrealizedPnL,
		MaxFavorable:  p.maxFavorable,
		Margin:        p.Margin,
		CloseReason:   p.closeReason,
	}
}
