package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/pkg/logger"
	"github.com/skalibog/stratcoord/pkg/models"
)

var (
	ErrStrategyExists   = errors.New("стратегия уже зарегистрирована")
	ErrStrategyNotFound = errors.New("стратегия не найдена")
	ErrAnalysisBusy     = errors.New("предыдущий анализ стратегии еще выполняется")
)

// defaultSignalRisk оценка риска сигнала без стоп-лосса
const defaultSignalRisk = 0.02

// Stats статистика сделок стратегии
type Stats struct {
	Trades   int
	Wins     int
	TotalPnL float64
}

// WinRate доля прибыльных сделок
func (s Stats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

type entry struct {
	strategy  Strategy
	active    bool
	ratio     float64
	balance   float64
	allocated float64
	stats     Stats
}

// StrategyStatus состояние одной стратегии
type StrategyStatus struct {
	ID        string
	Active    bool
	Ratio     float64
	Balance   float64
	Allocated float64
	RiskLevel float64
	Stats     Stats
}

// Status снимок состояния менеджера
type Status struct {
	Mode          string
	TotalBalance  float64
	PoolBalance   float64
	PoolLocked    bool
	LockReason    string
	Strategies    []StrategyStatus
	SignalHistory int
}

// Manager владеет набором стратегий и их капиталом, собирает и фильтрует сигналы
type Manager struct {
	cfg     config.StrategyManagerConfig
	timeout time.Duration
	// стратегии, чей анализ еще не вернулся после таймаута
	inflight sync.Map

	mu           sync.RWMutex
	entries      map[string]*entry
	order        []string
	totalBalance float64
	poolLocked   bool
	lockReason   string
	history      []models.Signal
}

// Option дополнительная настройка менеджера
type Option func(*Manager)

// WithAnalysisTimeout переопределяет таймаут анализа одной стратегии
func WithAnalysisTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager создает менеджер стратегий
func NewManager(cfg config.StrategyManagerConfig, opts ...Option) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxSignalHistory <= 0 {
		cfg.MaxSignalHistory = 1000
	}
	if cfg.AnalysisTimeoutSeconds <= 0 {
		cfg.AnalysisTimeoutSeconds = 10
	}
	if cfg.MaxConcurrentPositions <= 0 {
		cfg.MaxConcurrentPositions = 3
	}
	if cfg.FundAllocationMode == "" {
		cfg.FundAllocationMode = config.ModeIndividual
	}
	m := &Manager{
		cfg:     cfg,
		timeout: config.Seconds(cfg.AnalysisTimeoutSeconds),
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) shared() bool {
	return m.cfg.FundAllocationMode == config.ModeSharedPool
}

// Register регистрирует стратегию с долей капитала. Доля 0 означает равное деление.
func (m *Manager) Register(s Strategy, allocationRatio float64) error {
	if s == nil {
		return fmt.Errorf("пустая стратегия")
	}
	if allocationRatio < 0 || allocationRatio > 1 {
		return fmt.Errorf("доля капитала %.4f вне диапазона [0, 1]", allocationRatio)
	}
	id := s.ID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrStrategyExists, id)
	}
	m.entries[id] = &entry{strategy: s, active: true, ratio: allocationRatio}
	m.order = append(m.order, id)
	m.recomputeLocked()
	m.checkAllocationLocked()

	logger.Info("Стратегия зарегистрирована",
		zap.String("strategy", id),
		zap.String("mode", m.cfg.FundAllocationMode),
		zap.Float64("ratio", allocationRatio),
		zap.Float64("balance", m.entries[id].balance))
	return nil
}

// Unregister удаляет стратегию
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	if e.allocated > 0 {
		logger.Warn("Удаляется стратегия с занятым капиталом",
			zap.String("strategy", id), zap.Float64("allocated", e.allocated))
	}
	delete(m.entries, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.recomputeLocked()
	logger.Info("Стратегия удалена", zap.String("strategy", id))
	return nil
}

// SetActive включает или выключает стратегию
func (m *Manager) SetActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	e.active = active
	m.checkAllocationLocked()
	return nil
}

// Strategy возвращает стратегию по идентификатору
func (m *Manager) Strategy(id string) (Strategy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.strategy, true
}

// Strategies идентификаторы стратегий в порядке регистрации
func (m *Manager) Strategies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Count число зарегистрированных стратегий
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Symbols объединение символов активных стратегий
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, id := range m.order {
		e := m.entries[id]
		if !e.active {
			continue
		}
		for _, s := range e.strategy.SupportedSymbols() {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Timeframes объединение таймфреймов активных стратегий
func (m *Manager) Timeframes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, id := range m.order {
		e := m.entries[id]
		if !e.active {
			continue
		}
		for _, tf := range e.strategy.Timeframes() {
			if _, ok := seen[tf]; !ok {
				seen[tf] = struct{}{}
				out = append(out, tf)
			}
		}
	}
	sort.Strings(out)
	return out
}

// UpdateTotalBalance обновляет баланс счета и пересчитывает распределение
func (m *Manager) UpdateTotalBalance(total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalBalance = total
	m.recomputeLocked()
}

// Rebalance пересчитывает балансы стратегий по текущим долям
func (m *Manager) Rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputeLocked()
	logger.Info("Средства перераспределены",
		zap.Float64("total", m.totalBalance),
		zap.Int("strategies", len(m.entries)))
}

func (m *Manager) allocatableLocked() float64 {
	return m.totalBalance * (1 - m.cfg.ReservedRatio)
}

func (m *Manager) recomputeLocked() {
	if m.shared() || len(m.entries) == 0 {
		return
	}
	allocatable := m.allocatableLocked()
	equal := 1.0 / float64(len(m.entries))
	for _, e := range m.entries {
		ratio := e.ratio
		if ratio == 0 {
			ratio = equal
		}
		e.balance = allocatable * ratio
	}
}

func (m *Manager) checkAllocationLocked() {
	var total float64
	for _, e := range m.entries {
		if e.active {
			total += e.ratio
		}
	}
	if total > 1.1 {
		logger.Warn("Сумма долей активных стратегий превышает 1",
			zap.Float64("total", total))
	}
}

func (m *Manager) poolBalanceLocked() float64 {
	var allocated float64
	for _, e := range m.entries {
		allocated += e.allocated
	}
	return math.Max(0, m.allocatableLocked()-allocated)
}

// CapitalFor возвращает капитал, доступный стратегии для новой позиции
func (m *Manager) CapitalFor(id string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shared() {
		return m.poolBalanceLocked()
	}
	e, ok := m.entries[id]
	if !ok {
		return 0
	}
	return math.Max(0, e.balance-e.allocated)
}

// Reserve фиксирует маржу открытой позиции за стратегией
func (m *Manager) Reserve(id string, margin float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	e.allocated += margin
	return nil
}

// Release возвращает маржу закрытой позиции и учитывает результат сделки
func (m *Manager) Release(id string, margin, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		logger.Warn("Возврат капитала для неизвестной стратегии", zap.String("strategy", id))
		return
	}
	e.allocated = math.Max(0, e.allocated-margin)
	e.stats.Trades++
	if pnl > 0 {
		e.stats.Wins++
	}
	e.stats.TotalPnL += pnl
}

// LockSharedPool блокирует общий пул, пока открыта позиция
func (m *Manager) LockSharedPool(reason string) {
	if !m.shared() {
		return
	}
	m.mu.Lock()
	m.poolLocked = true
	m.lockReason = reason
	m.mu.Unlock()
	logger.Info("Общий пул заблокирован", zap.String("reason", reason))
}

// UnlockSharedPool снимает блокировку общего пула
func (m *Manager) UnlockSharedPool(reason string) {
	if !m.shared() {
		return
	}
	m.mu.Lock()
	wasLocked := m.poolLocked
	m.poolLocked = false
	m.lockReason = ""
	m.mu.Unlock()
	if wasLocked {
		logger.Info("Общий пул разблокирован", zap.String("reason", reason))
	}
}

// PoolLocked сообщает, заблокирован ли общий пул
func (m *Manager) PoolLocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.poolLocked
}

type job struct {
	id       string
	strategy Strategy
	capital  float64
}

// CollectSignals собирает сигналы всех активных стратегий
func (m *Manager) CollectSignals(ctx context.Context, data MarketData) []models.Signal {
	return m.collect(ctx, data, nil)
}

// CollectSignalsAt собирает сигналы стратегий, чей таймфрейм закрылся в минуту at
func (m *Manager) CollectSignalsAt(ctx context.Context, data MarketData, at time.Time) []models.Signal {
	return m.collect(ctx, data, func(s Strategy) bool { return IsDue(s.Timeframes(), at) })
}

func (m *Manager) collect(ctx context.Context, data MarketData, due func(Strategy) bool) []models.Signal {
	m.mu.RLock()
	if m.shared() && m.poolLocked {
		reason := m.lockReason
		m.mu.RUnlock()
		logger.Debug("Общий пул занят, сбор сигналов пропущен", zap.String("reason", reason))
		return nil
	}
	jobs := make([]job, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		if !e.active {
			continue
		}
		capital := math.Max(0, e.balance-e.allocated)
		if m.shared() {
			capital = m.poolBalanceLocked()
		}
		jobs = append(jobs, job{id: id, strategy: e.strategy, capital: capital})
	}
	m.mu.RUnlock()

	if due != nil {
		filtered := jobs[:0]
		for _, j := range jobs {
			if due(j.strategy) {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if len(jobs) == 0 {
		return nil
	}

	results := make([][]models.Signal, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sigs, err := m.analyzeWithTimeout(gctx, j.id, j.strategy, data)
			if err != nil {
				// отмена тика прерывает весь сбор, ошибка одной стратегии только логируется
				if cerr := ctx.Err(); cerr != nil {
					return cerr
				}
				logger.Warn("Ошибка анализа стратегии",
					zap.String("strategy", j.id), zap.Error(err))
				return nil
			}
			results[i] = m.prepare(j, sigs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("Сбор сигналов прерван", zap.Error(err))
		return nil
	}

	var all []models.Signal
	for _, r := range results {
		all = append(all, r...)
	}
	m.recordHistory(all)

	if len(all) == 0 {
		return nil
	}
	if m.shared() {
		return m.filterShared(all)
	}
	return m.filterIndividual(all)
}

type analysisResult struct {
	signals []models.Signal
	err     error
}

// analyzeWithTimeout ограничивает время анализа; зависшая стратегия не блокирует тик.
// Стратегия, которая игнорирует ctx, держит не больше одной горутины: пока прежний
// анализ не вернулся, новый для нее не запускается.
func (m *Manager) analyzeWithTimeout(ctx context.Context, id string, s Strategy, data MarketData) ([]models.Signal, error) {
	if _, busy := m.inflight.LoadOrStore(id, struct{}{}); busy {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisBusy, id)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan analysisResult, 1)
	go func() {
		defer m.inflight.Delete(id)
		defer func() {
			if r := recover(); r != nil {
				done <- analysisResult{err: fmt.Errorf("паника в стратегии: %v", r)}
			}
		}()
		sigs, err := analyzeSymbols(ctx, s, data)
		done <- analysisResult{signals: sigs, err: err}
	}()

	select {
	case r := <-done:
		return r.signals, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("таймаут анализа %s: %w", m.timeout, ctx.Err())
	}
}

func analyzeSymbols(ctx context.Context, s Strategy, data MarketData) ([]models.Signal, error) {
	symbols := s.SupportedSymbols()
	if len(symbols) == 0 {
		symbols = data.Symbols()
		sort.Strings(symbols)
	}
	tfs := s.Timeframes()
	if len(tfs) == 0 {
		return nil, fmt.Errorf("у стратегии нет таймфреймов")
	}

	var out []models.Signal
	var errs []error
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		candles := data.Candles(symbol, tfs[0])
		if len(candles) == 0 {
			continue
		}
		sigs, err := s.AnalyzeMarket(ctx, candles, symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		out = append(out, sigs...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		logger.Debug("Ошибка анализа символа", zap.String("strategy", s.ID()), zap.Error(err))
	}
	return out, nil
}

// prepare проверяет сигналы стратегии и задает размер позиции, если стратегия его не указала
func (m *Manager) prepare(j job, sigs []models.Signal) []models.Signal {
	out := make([]models.Signal, 0, len(sigs))
	for _, sig := range sigs {
		if sig.StrategyID != j.id {
			sig = sig.WithStrategyID(j.id)
		}
		if err := sig.Validate(); err != nil {
			logger.Warn("Сигнал отклонен: нарушены инварианты",
				zap.String("strategy", j.id), zap.String("symbol", sig.Symbol), zap.Error(err))
			continue
		}
		if !safeValidate(j.strategy, sig) {
			logger.Info("Сигнал отклонен стратегией",
				zap.String("strategy", j.id), zap.String("symbol", sig.Symbol))
			continue
		}
		if !sig.HasPositionSize() {
			size := safeSize(j.strategy, sig, j.capital)
			if !(size > 0) {
				logger.Info("Сигнал отклонен: нулевой размер позиции",
					zap.String("strategy", j.id), zap.String("symbol", sig.Symbol),
					zap.Float64("capital", j.capital))
				continue
			}
			sig = sig.WithPositionSize(size)
		}
		out = append(out, sig)
	}
	return out
}

func safeValidate(s Strategy, sig models.Signal) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Паника при проверке сигнала", zap.String("strategy", s.ID()), zap.Any("panic", r))
			ok = false
		}
	}()
	return s.ValidateSignal(sig)
}

func safeSize(s Strategy, sig models.Signal, capital float64) (size float64) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Паника при расчете размера", zap.String("strategy", s.ID()), zap.Any("panic", r))
			size = 0
		}
	}()
	return s.CalculatePositionSize(sig, capital)
}

func (m *Manager) recordHistory(sigs []models.Signal) {
	if len(sigs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, sigs...)
	if over := len(m.history) - m.cfg.MaxSignalHistory; over > 0 {
		m.history = append([]models.Signal(nil), m.history[over:]...)
	}
}

// History возвращает копию истории сигналов
func (m *Manager) History() []models.Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Signal(nil), m.history...)
}

// stronger задает детерминированный порядок: сила, затем символ, затем стратегия
func stronger(a, b models.Signal) bool {
	if a.Strength != b.Strength {
		return a.Strength > b.Strength
	}
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	return a.StrategyID < b.StrategyID
}

func strongestPerSymbol(sigs []models.Signal) []models.Signal {
	best := make(map[string]models.Signal)
	for _, s := range sigs {
		if cur, ok := best[s.Symbol]; !ok || stronger(s, cur) {
			best[s.Symbol] = s
		}
	}
	out := make([]models.Signal, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return stronger(out[i], out[j]) })
	return out
}

// filterShared оставляет единственный сильнейший сигнал и отдает ему весь пул
func (m *Manager) filterShared(sigs []models.Signal) []models.Signal {
	candidates := strongestPerSymbol(sigs)
	best := candidates[0]

	m.mu.RLock()
	pool := m.poolBalanceLocked()
	m.mu.RUnlock()

	for _, s := range candidates[1:] {
		logger.Info("Сигнал отклонен: общий пул отдан более сильному сигналу",
			zap.String("strategy", s.StrategyID), zap.String("symbol", s.Symbol),
			zap.String("winner", best.Symbol), zap.Float64("strength", s.Strength))
	}
	if pool <= 0 {
		logger.Warn("Общий пул пуст, сигнал отклонен", zap.String("symbol", best.Symbol))
		return nil
	}
	return []models.Signal{best.WithPositionSize(pool)}
}

// filterIndividual ограничивает сигналы балансом стратегии и суммарным риском счета
func (m *Manager) filterIndividual(sigs []models.Signal) []models.Signal {
	candidates := strongestPerSymbol(sigs)

	m.mu.RLock()
	total := m.totalBalance
	balances := make(map[string]float64, len(m.entries))
	for id, e := range m.entries {
		balances[id] = math.Max(0, e.balance-e.allocated)
	}
	risk := m.currentRiskLocked()
	m.mu.RUnlock()

	if total <= 0 {
		logger.Warn("Баланс счета неизвестен, сигналы отклонены", zap.Int("signals", len(candidates)))
		return nil
	}

	out := make([]models.Signal, 0, len(candidates))
	for _, s := range candidates {
		if s.PositionSize > balances[s.StrategyID] {
			logger.Info("Сигнал отклонен: размер превышает баланс стратегии",
				zap.String("strategy", s.StrategyID), zap.String("symbol", s.Symbol),
				zap.Float64("size", s.PositionSize), zap.Float64("balance", balances[s.StrategyID]))
			continue
		}
		sr := signalRisk(s, total)
		if risk+sr > m.cfg.MaxTotalRisk {
			logger.Info("Сигнал отклонен: превышен общий риск",
				zap.String("strategy", s.StrategyID), zap.String("symbol", s.Symbol),
				zap.Float64("current_risk", risk), zap.Float64("signal_risk", sr),
				zap.Float64("max_total_risk", m.cfg.MaxTotalRisk))
			continue
		}
		if len(out) >= m.cfg.MaxConcurrentPositions {
			logger.Info("Сигнал отклонен: достигнут лимит одновременных позиций",
				zap.String("strategy", s.StrategyID), zap.String("symbol", s.Symbol))
			continue
		}
		risk += sr
		out = append(out, s)
	}
	return out
}

func (m *Manager) currentRiskLocked() float64 {
	if m.totalBalance <= 0 {
		return 0
	}
	var risk float64
	for _, e := range m.entries {
		if e.allocated > 0 {
			risk += e.strategy.RiskLevel() * e.allocated / m.totalBalance
		}
	}
	return risk
}

// signalRisk оценка доли счета, рискуемой сигналом
func signalRisk(s models.Signal, total float64) float64 {
	if s.StopLoss > 0 && s.EntryPrice > 0 && s.PositionSize > 0 && total > 0 {
		return s.RiskFraction() * s.PositionSize / total
	}
	return defaultSignalRisk
}

// Status возвращает снимок состояния
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Mode:          m.cfg.FundAllocationMode,
		TotalBalance:  m.totalBalance,
		PoolLocked:    m.poolLocked,
		LockReason:    m.lockReason,
		SignalHistory: len(m.history),
	}
	if m.shared() {
		st.PoolBalance = m.poolBalanceLocked()
	}
	for _, id := range m.order {
		e := m.entries[id]
		st.Strategies = append(st.Strategies, StrategyStatus{
			ID:        id,
			Active:    e.active,
			Ratio:     e.ratio,
			Balance:   e.balance,
			Allocated: e.allocated,
			RiskLevel: e.strategy.RiskLevel(),
			Stats:     e.stats,
		})
	}
	return st
}
