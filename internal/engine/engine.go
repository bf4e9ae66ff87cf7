package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/internal/coordinator"
	"github.com/skalibog/stratcoord/internal/risk"
	"github.com/skalibog/stratcoord/internal/strategy"
	"github.com/skalibog/stratcoord/pkg/logger"
	"github.com/skalibog/stratcoord/pkg/models"
)

var ErrNoPosition = errors.New("нет открытой позиции")

// Gateway доступ к бирже
type Gateway interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	Positions(ctx context.Context) ([]models.PositionInfo, error)
	Balance(ctx context.Context) (models.Balance, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// Clock источник времени движка
type Clock interface {
	Now() time.Time
}

// clockSyncer часы, которые нужно периодически сверять с биржей
type clockSyncer interface {
	NeedsSync() bool
	Sync(ctx context.Context) error
}

// Journal получатель записей о сделках
type Journal interface {
	Record(ctx context.Context, rec models.TradeRecord) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type nopJournal struct{}

func (nopJournal) Record(context.Context, models.TradeRecord) error { return nil }

// Stats счетчики движка
type Stats struct {
	Opened      int
	Closed      int
	OpenFailed  int
	CloseFailed int
	Rejected    int
	Wins        int
	RealizedPnL float64
}

// Status снимок состояния движка
type Status struct {
	Time      time.Time
	Balance   models.Balance
	Positions []PositionView
	Prices    map[string]float64
	Stats     Stats
	LastTick  time.Time
}

// Deps компоненты, с которыми работает движок
type Deps struct {
	Gateway     Gateway
	Strategies  *strategy.Manager
	Coordinator *coordinator.Coordinator
	Risk        *risk.Manager
	Journal     Journal
	Clock       Clock
}

// Engine торговый цикл: сбор сигналов, координация, риск, исполнение и сопровождение позиций
type Engine struct {
	cfg      config.EngineConfig
	sizing   config.SizingConfig
	sizer    *Sizer
	grace    time.Duration
	refresh  time.Duration
	poll     time.Duration
	symbols  []string
	gateway  Gateway
	manager  *strategy.Manager
	coord    *coordinator.Coordinator
	risk     *risk.Manager
	journal  Journal
	clock    Clock
	candles  strategy.MarketData
	minuteAt time.Time

	mu        sync.RWMutex
	positions map[string]*Position
	prices    map[string]float64
	priceAt   time.Time
	balance   models.Balance
	stats     Stats
	lastTick  time.Time
}

// New создает движок
func New(engineCfg config.EngineConfig, sizingCfg config.SizingConfig, deps Deps) *Engine {
	e := &Engine{
		cfg:       engineCfg,
		sizing:    sizingCfg,
		sizer:     NewSizer(sizingCfg),
		grace:     config.Seconds(engineCfg.EntryGraceSeconds),
		refresh:   config.Seconds(engineCfg.PriceRefreshSeconds),
		poll:      config.Seconds(engineCfg.PollTimeoutSeconds),
		gateway:   deps.Gateway,
		manager:   deps.Strategies,
		coord:     deps.Coordinator,
		risk:      deps.Risk,
		journal:   deps.Journal,
		clock:     deps.Clock,
		candles:   make(strategy.MarketData),
		positions: make(map[string]*Position),
		prices:    make(map[string]float64),
	}
	if e.journal == nil {
		e.journal = nopJournal{}
	}
	if e.clock == nil {
		e.clock = systemClock{}
	}
	if e.poll <= 0 {
		e.poll = 5 * time.Second
	}
	if e.refresh <= 0 {
		e.refresh = 30 * time.Second
	}

	seen := make(map[string]struct{})
	for _, s := range append(append([]string(nil), engineCfg.Symbols...), deps.Strategies.Symbols()...) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			e.symbols = append(e.symbols, s)
		}
	}
	sort.Strings(e.symbols)
	return e
}

// Run выполняет торговый цикл до отмены контекста. Открытые позиции при остановке остаются на бирже.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Init(ctx); err != nil {
		return err
	}
	logger.Info("Торговый цикл запущен", zap.Strings("symbols", e.symbols))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Торговый цикл остановлен, открытые позиции сохраняются",
				zap.Int("positions", len(e.openPositions())))
			return nil
		case <-time.After(e.untilNextSecond()):
		}
		e.Step(ctx)
	}
}

// Init синхронизирует часы, получает баланс и передает стартовые метрики риск-менеджеру
func (e *Engine) Init(ctx context.Context) error {
	e.syncClock(ctx)
	if err := e.refreshBalance(ctx); err != nil {
		return fmt.Errorf("ошибка получения стартового баланса: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, e.poll)
	defer cancel()
	if existing, err := e.gateway.Positions(pctx); err != nil {
		logger.Warn("Не удалось получить позиции биржи", zap.Error(err))
	} else if len(existing) > 0 {
		for _, p := range existing {
			logger.Warn("На бирже есть позиция, не открытая движком",
				zap.String("symbol", p.Symbol), zap.String("side", string(p.Side)), zap.Float64("size", p.Size))
		}
	}

	e.risk.UpdateMetrics(e.riskInputs())
	return nil
}

func (e *Engine) untilNextSecond() time.Duration {
	if c, ok := e.clock.(interface{ UntilNextSecond() time.Duration }); ok {
		return c.UntilNextSecond()
	}
	now := e.clock.Now()
	return now.Truncate(time.Second).Add(time.Second).Sub(now)
}

func (e *Engine) syncClock(ctx context.Context) {
	c, ok := e.clock.(clockSyncer)
	if !ok || !c.NeedsSync() {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, e.poll)
	defer cancel()
	if err := c.Sync(sctx); err != nil {
		logger.Warn("Часы не синхронизированы, используется последнее смещение", zap.Error(err))
	}
}

// Step одна итерация цикла: каждую секунду сопровождение позиций, раз в минуту торговый тик
func (e *Engine) Step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Паника в торговом цикле", zap.Any("panic", r))
		}
	}()

	now := e.clock.Now()
	e.mu.Lock()
	e.lastTick = now
	e.mu.Unlock()

	e.managePositions(ctx, now)

	if minute := now.Truncate(time.Minute); !minute.Equal(e.minuteAt) {
		e.minuteAt = minute
		e.minuteTick(ctx, now)
	}
}

// managePositions обновляет P&L и проверяет выходы по каждой открытой позиции
func (e *Engine) managePositions(ctx context.Context, now time.Time) {
	positions := e.openPositions()
	if len(positions) == 0 {
		return
	}
	e.mu.RLock()
	stale := now.Sub(e.priceAt) >= e.refresh
	e.mu.RUnlock()
	if stale {
		e.refreshPrices(ctx, now)
	}

	for _, p := range positions {
		price := e.price(p.Symbol)
		p.UpdatePnL(price)
		if reason := p.ExitReason(price, now, e.grace); reason != "" {
			if err := e.closePosition(ctx, p, price, reason); err != nil && !errors.Is(err, ErrAlreadyClosing) {
				logger.Error("Ошибка закрытия позиции", zap.String("symbol", p.Symbol), zap.Error(err))
			}
		}
	}
}

func (e *Engine) minuteTick(ctx context.Context, now time.Time) {
	e.syncClock(ctx)
	e.refreshCandles(ctx, now)

	signals := e.manager.CollectSignalsAt(ctx, e.candles, now)
	if len(signals) > 0 {
		e.process(ctx, signals, now)
	}

	e.coord.CleanupExpired(24 * time.Hour)
	e.reconcile(ctx, now)
	if err := e.refreshBalance(ctx); err != nil {
		logger.Warn("Не удалось обновить баланс", zap.Error(err))
	}
	e.risk.Submit(e.riskInputs())
}

// process координирует сигналы, проверяет риск и исполняет одобренные
func (e *Engine) process(ctx context.Context, signals []models.Signal, now time.Time) {
	res := e.coord.Coordinate(signals)
	for _, c := range res.Rejected() {
		e.record(ctx, models.TradeRecord{
			Timestamp:      now,
			Action:         models.ActionRejected,
			Symbol:         c.New.Symbol,
			Side:           c.New.Type.Side(),
			Size:           c.New.PositionSize,
			Price:          c.New.EntryPrice,
			StrategyID:     c.New.StrategyID,
			Reason:         c.Reason,
			SignalStrength: c.New.Strength,
		})
	}
	if len(res.Approved) == 0 {
		return
	}

	allowed, reason := e.risk.IsTradingAllowed(len(e.openPositions()) > 0)
	if !allowed {
		logger.Warn("Новые позиции запрещены риск-менеджером",
			zap.String("reason", reason), zap.Int("signals", len(res.Approved)))
		for _, sig := range res.Approved {
			e.coord.RemoveSignal(sig.Symbol, sig.StrategyID)
			e.reject(ctx, sig, now, reason)
		}
		return
	}
	if reason != "" {
		logger.Info("Торговля ограничена", zap.String("reason", reason))
	}

	for _, sig := range res.Approved {
		e.execute(ctx, sig, now)
	}
}

func (e *Engine) reject(ctx context.Context, sig models.Signal, now time.Time, reason string) {
	e.mu.Lock()
	e.stats.Rejected++
	e.mu.Unlock()
	e.record(ctx, models.TradeRecord{
		Timestamp:      now,
		Action:         models.ActionRejected,
		Symbol:         sig.Symbol,
		Side:           sig.Type.Side(),
		Size:           sig.PositionSize,
		Price:          sig.EntryPrice,
		StrategyID:     sig.StrategyID,
		Reason:         reason,
		SignalStrength: sig.Strength,
	})
}

// execute открывает позицию по сигналу или закрывает встречную
func (e *Engine) execute(ctx context.Context, sig models.Signal, now time.Time) {
	if existing := e.position(sig.Symbol); existing != nil {
		if existing.Side == sig.Type.Side() {
			logger.Info("Сигнал пропущен: позиция в том же направлении уже открыта",
				zap.String("symbol", sig.Symbol), zap.String("strategy", sig.StrategyID))
			return
		}
		logger.Info("Встречный сигнал, позиция закрывается",
			zap.String("symbol", sig.Symbol), zap.String("strategy", sig.StrategyID))
		if err := e.closePosition(ctx, existing, e.price(sig.Symbol), ReasonOppositeSignal); err != nil && !errors.Is(err, ErrAlreadyClosing) {
			logger.Error("Ошибка закрытия встречной позиции", zap.String("symbol", sig.Symbol), zap.Error(err))
		}
		return
	}

	// объем от риска на сделку не превышает размер, одобренный координатором
	capital := e.manager.CapitalFor(sig.StrategyID)
	plan, err := e.sizer.Plan(sig.Symbol, capital, sig.EntryPrice, sig.StopLoss, sig.PositionSize)
	if err != nil {
		logger.Warn("Позиция не открыта: ошибка расчета размера",
			zap.String("symbol", sig.Symbol), zap.String("strategy", sig.StrategyID),
			zap.Float64("capital", capital), zap.Error(err))
		e.coord.RemoveSignal(sig.Symbol, sig.StrategyID)
		e.reject(ctx, sig, now, err.Error())
		return
	}

	pos := newPosition(sig, plan.ContractValue)
	pos.Leverage = plan.Leverage
	pos.TrailingStop = e.cfg.DefaultTrailingStop
	if v, ok := sig.MetaFloat("trailing_stop_pct"); ok && v > 0 {
		pos.TrailingStop = v
	}

	res, err := e.gateway.PlaceOrder(ctx, models.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       pos.Side,
		Quantity:   plan.Size,
		Leverage:   plan.Leverage,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		ClientID:   pos.ID,
	})
	if err != nil {
		logger.Error("Ошибка открытия позиции",
			zap.String("symbol", sig.Symbol), zap.String("strategy", sig.StrategyID), zap.Error(err))
		e.coord.RemoveSignal(sig.Symbol, sig.StrategyID)
		e.mu.Lock()
		e.stats.OpenFailed++
		e.mu.Unlock()
		e.record(ctx, models.TradeRecord{
			Timestamp:      now,
			Action:         models.ActionOpenFailed,
			Symbol:         sig.Symbol,
			Side:           pos.Side,
			Size:           plan.Size,
			Price:          sig.EntryPrice,
			StrategyID:     sig.StrategyID,
			Reason:         err.Error(),
			SignalStrength: sig.Strength,
			Leverage:       plan.Leverage,
		})
		return
	}

	size := plan.Size
	if res.ExecutedQty > 0 {
		size = res.ExecutedQty
	}
	if err := pos.MarkOpen(res.AvgPrice, size, now); err != nil {
		logger.Error("Недопустимое состояние новой позиции", zap.Error(err))
		return
	}
	pos.OrderID = res.OrderID
	notional := pos.EntryPrice * pos.Size * pos.ContractValue
	pos.Margin = notional / float64(pos.Leverage)
	pos.OpenFee = notional * e.sizing.TakerFee

	e.mu.Lock()
	e.positions[pos.Symbol] = pos
	e.prices[pos.Symbol] = pos.EntryPrice
	e.stats.Opened++
	e.mu.Unlock()

	if err := e.manager.Reserve(pos.StrategyID, pos.Margin); err != nil {
		logger.Warn("Не удалось зарезервировать капитал", zap.String("strategy", pos.StrategyID), zap.Error(err))
	}
	e.manager.LockSharedPool("открыта позиция " + pos.Symbol)

	logger.Info("Позиция открыта",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("size", pos.Size),
		zap.Float64("price", pos.EntryPrice),
		zap.Int("leverage", pos.Leverage),
		zap.Float64("margin", pos.Margin),
		zap.String("strategy", pos.StrategyID))

	e.record(ctx, models.TradeRecord{
		Timestamp:      now,
		Action:         models.ActionOpen,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		Size:           pos.Size,
		Price:          pos.EntryPrice,
		StrategyID:     pos.StrategyID,
		OrderID:        pos.OrderID,
		SignalStrength: sig.Strength,
		Leverage:       pos.Leverage,
		Metadata: map[string]interface{}{
			"position_id": pos.ID,
			"stop_loss":   pos.StopLoss,
			"take_profit": pos.TakeProfit,
			"margin":      pos.Margin,
		},
	})
}

// Close административное закрытие позиции по символу
func (e *Engine) Close(ctx context.Context, symbol, reason string) error {
	pos := e.position(symbol)
	if pos == nil {
		return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if reason == "" {
		reason = ReasonManual
	}
	return e.closePosition(ctx, pos, e.price(symbol), reason)
}

// closePosition закрывает позицию рыночной заявкой; при отказе позиция возвращается в Open
func (e *Engine) closePosition(ctx context.Context, pos *Position, price float64, reason string) error {
	if err := pos.BeginClose(); err != nil {
		return err
	}
	logger.Info("Закрытие позиции",
		zap.String("symbol", pos.Symbol), zap.String("reason", reason), zap.Float64("price", price))

	res, err := e.gateway.PlaceOrder(ctx, models.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Size,
		ReduceOnly: true,
	})
	if err != nil {
		if aerr := pos.AbortClose(); aerr != nil {
			logger.Error("Не удалось вернуть позицию в открытое состояние", zap.Error(aerr))
		}
		e.mu.Lock()
		e.stats.CloseFailed++
		e.mu.Unlock()
		logger.Error("Биржа отклонила закрытие, позиция остается открытой",
			zap.String("symbol", pos.Symbol), zap.String("reason", reason), zap.Error(err))
		e.record(ctx, models.TradeRecord{
			Timestamp:  e.clock.Now(),
			Action:     models.ActionCloseFailed,
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Size:       pos.Size,
			Price:      price,
			StrategyID: pos.StrategyID,
			Reason:     fmt.Sprintf("%s: %v", reason, err),
			Leverage:   pos.Leverage,
		})
		return err
	}

	exit := res.AvgPrice
	if exit <= 0 {
		exit = price
	}
	e.finalize(ctx, pos, exit, res.OrderID, reason)
	return nil
}

// finalize снимает позицию с учета после подтвержденного закрытия
func (e *Engine) finalize(ctx context.Context, pos *Position, exit float64, orderID, reason string) {
	if exit <= 0 {
		exit = pos.EntryPrice
	}
	pos.UpdatePnL(exit)
	pnl := pos.RealizedPnL(exit, e.sizing.TakerFee)
	if err := pos.MarkClosed(reason); err != nil {
		logger.Error("Недопустимое завершение позиции", zap.Error(err))
	}

	e.mu.Lock()
	if cur, ok := e.positions[pos.Symbol]; ok && cur == pos {
		delete(e.positions, pos.Symbol)
	}
	flat := len(e.positions) == 0
	e.stats.Closed++
	e.stats.RealizedPnL += pnl
	if pnl > 0 {
		e.stats.Wins++
	}
	e.mu.Unlock()

	e.manager.Release(pos.StrategyID, pos.Margin, pnl)
	if flat {
		e.manager.UnlockSharedPool("позиции закрыты")
	}
	e.coord.RemoveSignal(pos.Symbol, "")

	logger.Info("Позиция закрыта",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("exit", exit),
		zap.Float64("pnl", pnl),
		zap.String("strategy", pos.StrategyID))

	e.record(ctx, models.TradeRecord{
		Timestamp:      e.clock.Now(),
		Action:         models.ActionClose,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		Size:           pos.Size,
		Price:          exit,
		StrategyID:     pos.StrategyID,
		PnL:            pnl,
		Reason:         reason,
		OrderID:        orderID,
		SignalStrength: pos.SignalStrength,
		Leverage:       pos.Leverage,
		Metadata: map[string]interface{}{
			"position_id": pos.ID,
			"entry_price": pos.EntryPrice,
			"duration_s":  int(e.clock.Now().Sub(pos.EntryTime).Seconds()),
		},
	})

	e.reactivate(ctx)
}

// reactivate обновляет баланс после закрытия, чтобы освобожденные средства сразу участвовали в торговле
func (e *Engine) reactivate(ctx context.Context) {
	if err := e.refreshBalance(ctx); err != nil {
		logger.Warn("Не удалось обновить баланс после закрытия", zap.Error(err))
		return
	}
	e.mu.RLock()
	available := e.balance.Available
	e.mu.RUnlock()
	if available > e.cfg.ReactivationMinAvailable {
		logger.Info("Средства доступны для новых позиций", zap.Float64("available", available))
	}
}

// reconcile находит позиции, закрытые на бирже защитными заявками
func (e *Engine) reconcile(ctx context.Context, now time.Time) {
	local := e.openPositions()
	if len(local) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, e.poll)
	defer cancel()
	remote, err := e.gateway.Positions(pctx)
	if err != nil {
		logger.Warn("Сверка позиций пропущена", zap.Error(err))
		return
	}

	live := make(map[string]models.PositionInfo, len(remote))
	for _, r := range remote {
		live[r.Symbol] = r
	}
	for _, p := range local {
		if now.Sub(p.EntryTime) < e.grace {
			continue
		}
		if r, ok := live[p.Symbol]; ok && r.Side == p.Side {
			p.UpdatePnL(r.MarkPrice)
			continue
		}
		if err := p.BeginClose(); err != nil {
			continue
		}
		exit := p.MarkPrice()
		logger.Warn("Позиция закрыта на стороне биржи", zap.String("symbol", p.Symbol), zap.Float64("price", exit))
		e.finalize(ctx, p, exit, "", ReasonExchangeClosed)
	}
}

func (e *Engine) refreshCandles(ctx context.Context, now time.Time) {
	timeframes := e.manager.Timeframes()
	for _, symbol := range e.symbols {
		for _, tf := range timeframes {
			cctx, cancel := context.WithTimeout(ctx, e.poll)
			candles, err := e.gateway.Candles(cctx, symbol, tf, e.cfg.CandleLimit)
			cancel()
			if err != nil {
				logger.Warn("Не удалось получить свечи",
					zap.String("symbol", symbol), zap.String("timeframe", tf), zap.Error(err))
				continue
			}
			if len(candles) == 0 {
				continue
			}
			e.candles.Put(symbol, tf, candles)
			e.mu.Lock()
			e.prices[symbol] = candles[len(candles)-1].Close
			e.mu.Unlock()
		}
	}
	e.mu.Lock()
	e.priceAt = now
	e.mu.Unlock()
}

func (e *Engine) refreshPrices(ctx context.Context, now time.Time) {
	for _, p := range e.openPositions() {
		cctx, cancel := context.WithTimeout(ctx, e.poll)
		candles, err := e.gateway.Candles(cctx, p.Symbol, "1m", 1)
		cancel()
		if err != nil || len(candles) == 0 {
			logger.Debug("Цена не обновлена", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		e.mu.Lock()
		e.prices[p.Symbol] = candles[len(candles)-1].Close
		e.mu.Unlock()
	}
	e.mu.Lock()
	e.priceAt = now
	e.mu.Unlock()
}

func (e *Engine) refreshBalance(ctx context.Context) error {
	bctx, cancel := context.WithTimeout(ctx, e.poll)
	defer cancel()
	bal, err := e.gateway.Balance(bctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.balance = bal
	e.mu.Unlock()
	e.manager.UpdateTotalBalance(bal.Total)
	e.coord.SetTotalBalance(bal.Total)
	return nil
}

// riskInputs собирает данные для риск-менеджера
func (e *Engine) riskInputs() risk.Inputs {
	e.mu.RLock()
	bal := e.balance
	realized := e.stats.RealizedPnL
	positions := make([]*Position, 0, len(e.positions))
	for _, p := range e.positions {
		positions = append(positions, p)
	}
	e.mu.RUnlock()

	in := risk.Inputs{
		TotalBalance:     bal.Total,
		AvailableBalance: bal.Available,
		TotalPnL:         realized,
		ActivePositions:  len(positions),
	}
	for _, p := range positions {
		in.UsedBalance += p.Margin
		in.TotalPnL += p.UnrealizedPnL()
		in.Positions = append(in.Positions, risk.Exposure{
			Symbol:   p.Symbol,
			Margin:   p.Margin,
			Leverage: float64(p.Leverage),
		})
	}
	return in
}

func (e *Engine) record(ctx context.Context, rec models.TradeRecord) {
	if err := e.journal.Record(ctx, rec); err != nil {
		logger.Error("Ошибка записи в журнал сделок", zap.String("action", string(rec.Action)), zap.Error(err))
	}
}

func (e *Engine) position(symbol string) *Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions[symbol]
}

func (e *Engine) price(symbol string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prices[symbol]
}

// openPositions позиции в состоянии Open, упорядоченные по символу
func (e *Engine) openPositions() []*Position {
	e.mu.RLock()
	out := make([]*Position, 0, len(e.positions))
	for _, p := range e.positions {
		if p.State() == Open {
			out = append(out, p)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Status возвращает снимок состояния движка
func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{
		Time:     e.clock.Now(),
		Balance:  e.balance,
		Prices:   make(map[string]float64, len(e.prices)),
		Stats:    e.stats,
		LastTick: e.lastTick,
	}
	for s, p := range e.prices {
		st.Prices[s] = p
	}
	positions := make([]*Position, 0, len(e.positions))
	for _, p := range e.positions {
		positions = append(positions, p)
	}
	e.mu.RUnlock()

	for _, p := range positions {
		st.Positions = append(st.Positions, p.Snapshot())
	}
	sort.Slice(st.Positions, func(i, j int) bool { return st.Positions[i].Symbol < st.Positions[j].Symbol })
	return st
}
