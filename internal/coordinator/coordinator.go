package coordinator

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/pkg/logger"
	"github.com/skalibog/stratcoord/pkg/models"
)

// ConflictType вид конфликта сигналов
type ConflictType string

const (
	SameDirection     ConflictType = "same_direction"
	OppositeDirection ConflictType = "opposite_direction"
	SymbolLimit       ConflictType = "symbol_limit"
	TotalLimit        ConflictType = "total_limit"
	SignalInterval    ConflictType = "signal_interval"
)

// Resolution итог разрешения конфликта
type Resolution string

const (
	Merged         Resolution = "merged"
	KeptStrongest  Resolution = "kept_strongest"
	Overridden     Resolution = "overridden"
	ReplacedWeaker Resolution = "replaced_weaker"
	Rejected       Resolution = "rejected"
)

// Conflict описание конфликта и решения по нему
type Conflict struct {
	Symbol     string
	Type       ConflictType
	Existing   []models.Signal
	New        models.Signal
	Resolution Resolution
	Reason     string
	DetectedAt time.Time
}

// Result итог координации пакета сигналов
type Result struct {
	Approved  []models.Signal
	Conflicts []Conflict
}

// Rejected возвращает отклоненные конфликты
func (r Result) Rejected() []Conflict {
	var out []Conflict
	for _, c := range r.Conflicts {
		if c.Resolution == Rejected {
			out = append(out, c)
		}
	}
	return out
}

// Stats счетчики координатора
type Stats struct {
	TotalConflicts    int
	ResolvedConflicts int
	RejectedSignals   int
	ModifiedSignals   int
}

// Status снимок состояния координатора
type Status struct {
	ActiveSignals map[string]int
	TotalActive   int
	Stats         Stats
	Priorities    map[string]int
}

// Coordinator разрешает конфликты сигналов разных стратегий по одному инструменту
type Coordinator struct {
	cfg         config.CoordinationConfig
	minInterval time.Duration
	merge       bool

	mu           sync.Mutex
	active       map[string][]models.Signal
	lastSignal   map[string]time.Time
	priorities   map[string]int
	stats        Stats
	totalBalance float64
	now          func() time.Time
}

// Option дополнительная настройка координатора
type Option func(*Coordinator)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New создает координатор
func New(cfg config.CoordinationConfig, opts ...Option) *Coordinator {
	if cfg.MaxPositionsPerSymbol <= 0 {
		cfg.MaxPositionsPerSymbol = 1
	}
	if cfg.MaxTotalPositions <= 0 {
		cfg.MaxTotalPositions = 3
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = 50
	}
	if cfg.RiskScalingFactor <= 0 {
		cfg.RiskScalingFactor = 0.8
	}
	if cfg.MaxRiskPerSymbol <= 0 {
		cfg.MaxRiskPerSymbol = 0.02
	}
	merge := true
	if cfg.MergeSameDirection != nil {
		merge = *cfg.MergeSameDirection
	}
	c := &Coordinator{
		cfg:         cfg,
		minInterval: config.Seconds(cfg.MinSignalIntervalSec),
		merge:       merge,
		active:      make(map[string][]models.Signal),
		lastSignal:  make(map[string]time.Time),
		priorities:  make(map[string]int),
		now:         time.Now,
	}
	for id, p := range cfg.StrategyPriorities {
		c.priorities[id] = p
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Coordinate проверяет сигналы на конфликты и возвращает одобренные
func (c *Coordinator) Coordinate(signals []models.Signal) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	for _, sig := range signals {
		approved, conflict := c.coordinateOne(sig)
		if conflict != nil {
			conflict.DetectedAt = c.now()
			c.stats.TotalConflicts++
			if conflict.Resolution == Rejected {
				c.stats.RejectedSignals++
				logger.Info("Сигнал отклонен координатором",
					zap.String("strategy", sig.StrategyID),
					zap.String("symbol", sig.Symbol),
					zap.String("conflict", string(conflict.Type)),
					zap.String("reason", conflict.Reason))
			} else {
				c.stats.ResolvedConflicts++
				logger.Info("Конфликт сигналов разрешен",
					zap.String("strategy", sig.StrategyID),
					zap.String("symbol", sig.Symbol),
					zap.String("conflict", string(conflict.Type)),
					zap.String("resolution", string(conflict.Resolution)))
			}
			res.Conflicts = append(res.Conflicts, *conflict)
		}
		if approved != nil {
			if adjusted, ok := c.applySizingLocked(*approved); ok {
				res.Approved = append(res.Approved, adjusted)
			} else {
				c.stats.RejectedSignals++
				res.Conflicts = append(res.Conflicts, Conflict{
					Symbol: sig.Symbol, New: sig, Resolution: Rejected, DetectedAt: c.now(),
					Reason: fmt.Sprintf("исчерпан лимит риска по символу %.4f", c.cfg.MaxRiskPerSymbol),
				})
				logger.Info("Сигнал отклонен: исчерпан риск по символу",
					zap.String("strategy", sig.StrategyID), zap.String("symbol", sig.Symbol))
			}
		}
		c.lastSignal[sig.Symbol] = sig.Timestamp
	}
	return res
}

// coordinateOne проверяет конфликты по порядку и применяет решение
func (c *Coordinator) coordinateOne(sig models.Signal) (*models.Signal, *Conflict) {
	if err := sig.Validate(); err != nil {
		return nil, &Conflict{
			Symbol: sig.Symbol, New: sig, Resolution: Rejected,
			Reason: fmt.Sprintf("некорректный сигнал: %v", err),
		}
	}

	existing := c.active[sig.Symbol]

	var same, opposite []models.Signal
	for _, e := range existing {
		if e.StrategyID == sig.StrategyID {
			continue
		}
		if e.Type == sig.Type {
			same = append(same, e)
		} else {
			opposite = append(opposite, e)
		}
	}

	switch {
	case len(same) > 0:
		return c.resolveSameDirection(sig, same)
	case len(opposite) > 0 && !c.cfg.AllowOppositePositions:
		return c.resolveOpposite(sig, opposite)
	case len(existing) >= c.cfg.MaxPositionsPerSymbol:
		return c.resolveSymbolLimit(sig, existing)
	case len(existing) == 0 && c.totalActiveLocked() >= c.cfg.MaxTotalPositions:
		return nil, &Conflict{
			Symbol: sig.Symbol, Type: TotalLimit, New: sig, Resolution: Rejected,
			Reason: fmt.Sprintf("достигнут общий лимит позиций %d", c.cfg.MaxTotalPositions),
		}
	}

	if last, ok := c.lastSignal[sig.Symbol]; ok && c.minInterval > 0 {
		if elapsed := sig.Timestamp.Sub(last); elapsed >= 0 && elapsed < c.minInterval {
			wait := int(math.Ceil((c.minInterval - elapsed).Seconds()))
			return nil, &Conflict{
				Symbol: sig.Symbol, Type: SignalInterval, Existing: copySignals(existing), New: sig,
				Resolution: Rejected,
				Reason:     fmt.Sprintf("слишком частые сигналы, повторите через %d сек", wait),
			}
		}
	}

	c.active[sig.Symbol] = append(c.active[sig.Symbol], sig)
	return &sig, nil
}

func (c *Coordinator) resolveSameDirection(sig models.Signal, same []models.Signal) (*models.Signal, *Conflict) {
	conflict := &Conflict{Symbol: sig.Symbol, Type: SameDirection, Existing: copySignals(same), New: sig}
	group := append(copySignals(same), sig)

	strongest := group[0]
	for _, s := range group[1:] {
		if s.Strength > strongest.Strength {
			strongest = s
		}
	}

	var result models.Signal
	if c.merge {
		result = MergeSignals(group)
		conflict.Resolution = Merged
		conflict.Reason = fmt.Sprintf("объединено %d сигналов, сила %.3f", len(group), result.Strength)
	} else {
		result = strongest
		conflict.Resolution = KeptStrongest
		conflict.Reason = fmt.Sprintf("оставлен сильнейший сигнал %s", strongest.StrategyID)
	}

	// объединенный сигнал заменяет исходные записи своего направления
	kept := c.active[sig.Symbol][:0]
	for _, e := range c.active[sig.Symbol] {
		if e.Type != sig.Type {
			kept = append(kept, e)
		}
	}
	c.active[sig.Symbol] = append(kept, result)
	c.stats.ModifiedSignals++
	return &result, conflict
}

func (c *Coordinator) resolveOpposite(sig models.Signal, opposite []models.Signal) (*models.Signal, *Conflict) {
	conflict := &Conflict{Symbol: sig.Symbol, Type: OppositeDirection, Existing: copySignals(opposite), New: sig}

	newPriority := c.priorityLocked(sig.StrategyID)
	maxExisting := 0
	for _, e := range opposite {
		if p := c.priorityLocked(e.StrategyID); p > maxExisting {
			maxExisting = p
		}
	}

	if newPriority <= maxExisting {
		conflict.Resolution = Rejected
		conflict.Reason = fmt.Sprintf("противоположный сигнал с приоритетом %d не выше существующего %d", newPriority, maxExisting)
		return nil, conflict
	}

	kept := c.active[sig.Symbol][:0]
	for _, e := range c.active[sig.Symbol] {
		if e.Type == sig.Type {
			kept = append(kept, e)
		}
	}
	c.active[sig.Symbol] = append(kept, sig)
	conflict.Resolution = Overridden
	conflict.Reason = fmt.Sprintf("приоритет %d выше %d, существующая позиция должна быть закрыта", newPriority, maxExisting)
	return &sig, conflict
}

func (c *Coordinator) resolveSymbolLimit(sig models.Signal, existing []models.Signal) (*models.Signal, *Conflict) {
	conflict := &Conflict{Symbol: sig.Symbol, Type: SymbolLimit, Existing: copySignals(existing), New: sig}

	weakest := 0
	for i, e := range existing {
		if e.Strength < existing[weakest].Strength {
			weakest = i
		}
	}
	if sig.Strength <= existing[weakest].Strength {
		conflict.Resolution = Rejected
		conflict.Reason = fmt.Sprintf("лимит позиций по символу %d, сигнал не сильнее существующих", c.cfg.MaxPositionsPerSymbol)
		return nil, conflict
	}

	replaced := existing[weakest]
	list := c.active[sig.Symbol]
	list = append(list[:weakest:weakest], list[weakest+1:]...)
	c.active[sig.Symbol] = append(list, sig)
	conflict.Resolution = ReplacedWeaker
	conflict.Reason = fmt.Sprintf("заменен более слабый сигнал %s (%.3f)", replaced.StrategyID, replaced.Strength)
	return &sig, conflict
}

// MergeSignals объединяет однонаправленные сигналы в новый сигнал
func MergeSignals(group []models.Signal) models.Signal {
	base := group[0]
	var sumStrength, weighted, weightedSize float64
	ids := make([]string, 0, len(group))
	strengths := make([]float64, 0, len(group))
	for _, s := range group {
		if s.Strength > base.Strength {
			base = s
		}
		sumStrength += s.Strength
		weighted += s.EntryPrice * s.Strength
		weightedSize += s.PositionSize * s.Strength
		ids = append(ids, s.StrategyID)
		strengths = append(strengths, s.Strength)
	}

	merged := base.WithPositionSize(base.PositionSize)
	merged.Strength = math.Min(1.0, sumStrength/float64(len(group))*1.2)
	if sumStrength > 0 {
		merged.EntryPrice = weighted / sumStrength
		merged.PositionSize = weightedSize / sumStrength
	}
	// стоп и цель берутся от сильнейшего сигнала; если средняя цена вышла за них, вход остается исходным
	if merged.Validate() != nil {
		merged.EntryPrice = base.EntryPrice
	}
	if merged.Metadata == nil {
		merged.Metadata = make(map[string]interface{})
	}
	merged.Metadata["merged_from"] = ids
	merged.Metadata["original_strengths"] = strengths
	return merged
}

func (c *Coordinator) priorityLocked(strategyID string) int {
	if p, ok := c.priorities[strategyID]; ok {
		return p
	}
	return c.cfg.DefaultPriority
}

func (c *Coordinator) totalActiveLocked() int {
	n := 0
	for _, list := range c.active {
		n += len(list)
	}
	return n
}

// SetTotalBalance задает баланс счета для пересчета размеров
func (c *Coordinator) SetTotalBalance(total float64) {
	c.mu.Lock()
	c.totalBalance = total
	c.mu.Unlock()
}

// applySizingLocked пересчитывает размер одобренного сигнала; false означает, что риска по символу не осталось
func (c *Coordinator) applySizingLocked(sig models.Signal) (models.Signal, bool) {
	if c.totalBalance <= 0 || !sig.HasPositionSize() {
		return sig, true
	}
	size := c.adjustedLocked(sig, c.totalBalance)
	if size <= 0 {
		c.removeSignalLocked(sig.Symbol, sig.StrategyID)
		return sig, false
	}
	if size < sig.PositionSize {
		c.stats.ModifiedSignals++
		logger.Debug("Размер сигнала уменьшен по риску символа",
			zap.String("symbol", sig.Symbol), zap.Float64("from", sig.PositionSize), zap.Float64("to", size))
		sig = sig.WithPositionSize(size)
		c.replaceSignalLocked(sig)
	}
	return sig, true
}

// replaceSignalLocked заменяет активную запись стратегии того же направления
func (c *Coordinator) replaceSignalLocked(sig models.Signal) {
	list := c.active[sig.Symbol]
	for i := range list {
		if list[i].StrategyID == sig.StrategyID && list[i].Type == sig.Type {
			list[i] = sig
			return
		}
	}
}

// AdjustedPositionSize ограничивает размер сигнала остатком риска по символу
func (c *Coordinator) AdjustedPositionSize(sig models.Signal, totalBalance float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustedLocked(sig, totalBalance)
}

func (c *Coordinator) adjustedLocked(sig models.Signal, totalBalance float64) float64 {
	if totalBalance <= 0 || sig.PositionSize <= 0 {
		return 0
	}
	var existingRisk float64
	for _, e := range c.active[sig.Symbol] {
		if e.StrategyID == sig.StrategyID && e.Type == sig.Type {
			continue
		}
		existingRisk += e.PositionSize / totalBalance
	}

	newRisk := sig.PositionSize / totalBalance * c.cfg.RiskScalingFactor
	if existingRisk+newRisk <= c.cfg.MaxRiskPerSymbol {
		return sig.PositionSize
	}
	headroom := c.cfg.MaxRiskPerSymbol - existingRisk
	if headroom <= 0 {
		return 0
	}
	return headroom * totalBalance / c.cfg.RiskScalingFactor
}

// RemoveSignal удаляет активные сигналы символа; пустой strategyID удаляет все
func (c *Coordinator) RemoveSignal(symbol, strategyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeSignalLocked(symbol, strategyID)
}

func (c *Coordinator) removeSignalLocked(symbol, strategyID string) {
	if strategyID == "" {
		delete(c.active, symbol)
		return
	}
	list := c.active[symbol]
	kept := list[:0]
	for _, s := range list {
		if s.StrategyID != strategyID {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(c.active, symbol)
		return
	}
	c.active[symbol] = kept
}

// ActiveSignals возвращает копию активных сигналов символа
func (c *Coordinator) ActiveSignals(symbol string) []models.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySignals(c.active[symbol])
}

// CleanupExpired удаляет активные сигналы старше maxAge
func (c *Coordinator) CleanupExpired(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for symbol, list := range c.active {
		kept := list[:0]
		for _, s := range list {
			if s.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(c.active, symbol)
		} else {
			c.active[symbol] = kept
		}
	}
	if removed > 0 {
		logger.Info("Удалены устаревшие сигналы", zap.Int("count", removed))
	}
	return removed
}

// UpdateStrategyPriority меняет приоритет стратегии
func (c *Coordinator) UpdateStrategyPriority(strategyID string, priority int) {
	c.mu.Lock()
	c.priorities[strategyID] = priority
	c.mu.Unlock()
	logger.Info("Приоритет стратегии обновлен", zap.String("strategy", strategyID), zap.Int("priority", priority))
}

// ResetStatistics обнуляет счетчики
func (c *Coordinator) ResetStatistics() {
	c.mu.Lock()
	c.stats = Stats{}
	c.mu.Unlock()
}

// Stats возвращает счетчики
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Status возвращает снимок состояния
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		ActiveSignals: make(map[string]int, len(c.active)),
		Stats:         c.stats,
		Priorities:    make(map[string]int, len(c.priorities)),
	}
	for symbol, list := range c.active {
		st.ActiveSignals[symbol] = len(list)
		st.TotalActive += len(list)
	}
	for id, p := range c.priorities {
		st.Priorities[id] = p
	}
	return st
}

// Symbols возвращает символы с активными сигналами
func (c *Coordinator) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for s := range c.active {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func copySignals(in []models.Signal) []models.Signal {
	if len(in) == 0 {
		return nil
	}
	return append([]models.Signal(nil), in...)
}
