package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/pkg/logger"
)

// Level уровень алерта
type Level string

const (
	Warning  Level = "warning"
	Danger   Level = "danger"
	Critical Level = "critical"
)

// Имена метрик, по которым поднимаются алерты
const (
	MetricBalance       = "balance"
	MetricDrawdown      = "drawdown"
	MetricDailyLoss     = "daily_loss"
	MetricPositionCount = "position_count"
	MetricExposure      = "exposure"
)

// Alert предупреждение о нарушении порога
type Alert struct {
	Timestamp       time.Time
	Level           Level
	MetricName      string
	CurrentValue    float64
	ThresholdValue  float64
	SuggestedAction string
}

// Exposure открытая позиция для расчета экспозиции: маржа и плечо
type Exposure struct {
	Symbol   string
	Margin   float64
	Leverage float64
}

// Inputs исходные данные для расчета метрик, передаются движком
type Inputs struct {
	TotalBalance     float64
	UsedBalance      float64
	AvailableBalance float64
	TotalPnL         float64
	ActivePositions  int
	Positions        []Exposure
}

// Metrics снимок риск-метрик
type Metrics struct {
	Timestamp         time.Time
	TotalBalance      float64
	UsedBalance       float64
	AvailableBalance  float64
	TotalPnL          float64
	DailyPnL          float64
	MaxDrawdown       float64
	CurrentDrawdown   float64
	ActivePositions   int
	TotalRiskExposure float64
	VaR95             float64
}

// Summary сводка для статуса и интерфейса
type Summary struct {
	Metrics       Metrics
	EmergencyStop bool
	Alerts        []Alert
	AlertCounts   map[Level]int
	Limits        config.RiskConfig
}

// MetricsSink получатель снимков метрик, например хранилище временных рядов
type MetricsSink interface {
	RecordRiskMetrics(ctx context.Context, m Metrics) error
}

// Manager следит за риском счета и решает, можно ли открывать новые позиции
type Manager struct {
	cfg      config.RiskConfig
	interval time.Duration
	alertTTL time.Duration
	now      func() time.Time
	sink     MetricsSink

	inputs        atomic.Pointer[Inputs]
	emergencyStop atomic.Bool

	mu              sync.Mutex
	metrics         Metrics
	hasMetrics      bool
	history         []Metrics
	alerts          map[string]Alert
	peakBalance     float64
	maxDrawdown     float64
	dailyReturns    []float64
	day             time.Time
	dayStartPnL     float64
	dayStartBalance float64
	lastPnL         float64
	lastBalance     float64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option дополнительная настройка менеджера
type Option func(*Manager)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithInterval задает период мониторинга
func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithSink подключает получателя метрик
func WithSink(s MetricsSink) Option {
	return func(m *Manager) { m.sink = s }
}

// NewManager создает риск-менеджер
func NewManager(cfg config.RiskConfig, opts ...Option) *Manager {
	if cfg.VaRConfidence <= 0 || cfg.VaRConfidence >= 1 {
		cfg.VaRConfidence = 0.95
	}
	if cfg.VaRLookbackDays <= 0 {
		cfg.VaRLookbackDays = 30
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.MaxExposureMultiple <= 0 {
		cfg.MaxExposureMultiple = 5
	}
	m := &Manager{
		cfg:      cfg,
		interval: 10 * time.Second,
		alertTTL: 5 * time.Minute,
		now:      time.Now,
		alerts:   make(map[string]Alert),
	}
	if cfg.MonitorIntervalSeconds > 0 {
		m.interval = config.Seconds(cfg.MonitorIntervalSeconds)
	}
	if cfg.AlertTTLSeconds > 0 {
		m.alertTTL = config.Seconds(cfg.AlertTTLSeconds)
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start запускает фоновый мониторинг; повторный вызов ничего не делает
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.monitor(ctx, m.done)

	logger.Info("Риск-мониторинг запущен", zap.Duration("interval", m.interval))
}

// Stop останавливает мониторинг и ждет завершения горутины не дольше 5 секунд
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	select {
	case <-done:
		logger.Info("Риск-мониторинг остановлен")
	case <-time.After(5 * time.Second):
		logger.Warn("Риск-мониторинг не завершился за отведенное время")
	}
}

func (m *Manager) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Паника в риск-мониторинге", zap.Any("panic", r))
		}
	}()

	in := m.inputs.Load()
	if in == nil {
		return
	}
	metrics := m.UpdateMetrics(*in)
	m.Evaluate()

	if m.sink != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.sink.RecordRiskMetrics(sctx, metrics); err != nil {
			logger.Warn("Не удалось сохранить риск-метрики", zap.Error(err))
		}
	}
}

// Submit сохраняет последние входные данные для фонового мониторинга
func (m *Manager) Submit(in Inputs) {
	cp := in
	cp.Positions = append([]Exposure(nil), in.Positions...)
	m.inputs.Store(&cp)
}

// UpdateMetrics пересчитывает метрики по входным данным
func (m *Manager) UpdateMetrics(in Inputs) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rolloverLocked(now, in)

	if in.TotalBalance > m.peakBalance {
		m.peakBalance = in.TotalBalance
	}
	var drawdown float64
	if m.peakBalance > 0 {
		drawdown = math.Max(0, (m.peakBalance-in.TotalBalance)/m.peakBalance)
	}
	if drawdown > m.maxDrawdown {
		m.maxDrawdown = drawdown
	}

	var exposure float64
	if in.TotalBalance > 0 {
		for _, p := range in.Positions {
			lev := p.Leverage
			if lev <= 0 {
				lev = 1
			}
			exposure += math.Abs(p.Margin) * lev
		}
		exposure /= in.TotalBalance
	}

	metrics := Metrics{
		Timestamp:         now,
		TotalBalance:      in.TotalBalance,
		UsedBalance:       in.UsedBalance,
		AvailableBalance:  in.AvailableBalance,
		TotalPnL:          in.TotalPnL,
		DailyPnL:          in.TotalPnL - m.dayStartPnL,
		MaxDrawdown:       m.maxDrawdown,
		CurrentDrawdown:   drawdown,
		ActivePositions:   in.ActivePositions,
		TotalRiskExposure: exposure,
		VaR95:             HistoricalVaR(m.dailyReturns, m.cfg.VaRConfidence),
	}

	m.metrics = metrics
	m.hasMetrics = true
	m.history = append(m.history, metrics)
	if len(m.history) > m.cfg.HistoryLimit {
		m.history = m.history[len(m.history)-m.cfg.HistoryLimit:]
	}
	m.lastPnL = in.TotalPnL
	m.lastBalance = in.TotalBalance
	m.latchLocked(metrics)
	return metrics
}

// latchLocked взводит аварийную остановку, как только просадка превысила лимит
func (m *Manager) latchLocked(mt Metrics) {
	if m.cfg.MaxDrawdown <= 0 || mt.CurrentDrawdown <= m.cfg.MaxDrawdown {
		return
	}
	if m.emergencyStop.CompareAndSwap(false, true) {
		logger.Error("Аварийная остановка торговли: превышена просадка",
			zap.Float64("drawdown", mt.CurrentDrawdown),
			zap.Float64("limit", m.cfg.MaxDrawdown))
	}
}

// rolloverLocked фиксирует начало нового дня: базу дневного P&L и доходность прошедшего дня
func (m *Manager) rolloverLocked(now time.Time, in Inputs) {
	y, mo, d := now.Date()
	day := time.Date(y, mo, d, 0, 0, 0, 0, now.Location())

	if m.day.IsZero() {
		m.day = day
		m.dayStartPnL = in.TotalPnL
		m.dayStartBalance = in.TotalBalance
		return
	}
	if !day.After(m.day) {
		return
	}

	if m.dayStartBalance > 0 {
		m.recordReturnLocked((m.lastBalance - m.dayStartBalance) / m.dayStartBalance)
	}
	m.day = day
	m.dayStartPnL = m.lastPnL
	m.dayStartBalance = m.lastBalance
}

// RecordDailyReturn добавляет дневную доходность в выборку VaR
func (m *Manager) RecordDailyReturn(r float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordReturnLocked(r)
}

func (m *Manager) recordReturnLocked(r float64) {
	m.dailyReturns = append(m.dailyReturns, r)
	if len(m.dailyReturns) > m.cfg.VaRLookbackDays {
		m.dailyReturns = m.dailyReturns[len(m.dailyReturns)-m.cfg.VaRLookbackDays:]
	}
}

// DailyReturns возвращает копию выборки дневных доходностей
func (m *Manager) DailyReturns() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.dailyReturns...)
}

// HistoricalVaR оценивает VaR историческим методом; меньше 10 наблюдений дает 0
func HistoricalVaR(returns []float64, confidence float64) float64 {
	n := len(returns)
	if n < 10 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx := int((1 - confidence) * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return math.Abs(sorted[idx])
}

// Evaluate проверяет пороги по последним метрикам и возвращает активные алерты
func (m *Manager) Evaluate() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.hasMetrics {
		m.checkLocked(now, m.metrics)
	}
	m.expireLocked(now)
	return m.activeLocked(now)
}

func (m *Manager) checkLocked(now time.Time, mt Metrics) {
	if m.cfg.EnableBalanceAlert && mt.TotalBalance > 0 {
		ratio := mt.AvailableBalance / mt.TotalBalance
		if ratio < m.cfg.MinBalanceRatio {
			m.raiseLocked(now, Danger, MetricBalance, ratio, m.cfg.MinBalanceRatio,
				"сократить используемую маржу")
		}
	}

	if m.cfg.MaxDrawdown > 0 && mt.CurrentDrawdown > m.cfg.MaxDrawdown {
		m.raiseLocked(now, Critical, MetricDrawdown, mt.CurrentDrawdown, m.cfg.MaxDrawdown,
			"торговля остановлена, требуется ручной сброс")
		m.latchLocked(mt)
	}

	if loss := m.dailyLossLocked(mt); m.cfg.MaxDailyLoss > 0 && loss > m.cfg.MaxDailyLoss {
		m.raiseLocked(now, Danger, MetricDailyLoss, loss, m.cfg.MaxDailyLoss,
			"прекратить открытие позиций до конца дня")
	}

	if m.cfg.MaxPositionCount > 0 && mt.ActivePositions > m.cfg.MaxPositionCount {
		m.raiseLocked(now, Warning, MetricPositionCount, float64(mt.ActivePositions), float64(m.cfg.MaxPositionCount),
			"закрыть часть позиций")
	}

	if mt.TotalRiskExposure > m.cfg.MaxExposureMultiple {
		m.raiseLocked(now, Danger, MetricExposure, mt.TotalRiskExposure, m.cfg.MaxExposureMultiple,
			"снизить плечо")
	}
}

// dailyLossLocked доля дневного убытка от текущего баланса
func (m *Manager) dailyLossLocked(mt Metrics) float64 {
	if mt.DailyPnL >= 0 || mt.TotalBalance <= 0 {
		return 0
	}
	return -mt.DailyPnL / mt.TotalBalance
}

// raiseLocked добавляет алерт или обновляет существующий по той же метрике
func (m *Manager) raiseLocked(now time.Time, level Level, metric string, current, threshold float64, action string) {
	_, exists := m.alerts[metric]
	m.alerts[metric] = Alert{
		Timestamp:       now,
		Level:           level,
		MetricName:      metric,
		CurrentValue:    current,
		ThresholdValue:  threshold,
		SuggestedAction: action,
	}
	if exists {
		return
	}

	fields := []zap.Field{
		zap.String("metric", metric),
		zap.Float64("value", current),
		zap.Float64("threshold", threshold),
		zap.String("action", action),
	}
	if level == Critical {
		logger.Error("Критический риск-алерт", fields...)
	} else {
		logger.Warn("Риск-алерт", append(fields, zap.String("level", string(level)))...)
	}
}

func (m *Manager) expireLocked(now time.Time) {
	for name, a := range m.alerts {
		if now.Sub(a.Timestamp) >= m.alertTTL {
			delete(m.alerts, name)
		}
	}
}

func (m *Manager) activeLocked(now time.Time) []Alert {
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if now.Sub(a.Timestamp) < m.alertTTL {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].MetricName < out[j].MetricName
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// IsTradingAllowed решает, можно ли открывать новые позиции
func (m *Manager) IsTradingAllowed(hasOpenPositions bool) (bool, string) {
	if m.emergencyStop.Load() {
		return false, "аварийная остановка торговли"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasMetrics {
		return true, ""
	}
	mt := m.metrics

	if m.cfg.MaxDrawdown > 0 && mt.CurrentDrawdown > m.cfg.MaxDrawdown {
		m.latchLocked(mt)
		return false, fmt.Sprintf("просадка %.2f%% превышает лимит %.2f%%", mt.CurrentDrawdown*100, m.cfg.MaxDrawdown*100)
	}
	if loss := m.dailyLossLocked(mt); m.cfg.MaxDailyLoss > 0 && loss > m.cfg.MaxDailyLoss {
		return false, fmt.Sprintf("дневной убыток %.2f%% превышает лимит %.2f%%", loss*100, m.cfg.MaxDailyLoss*100)
	}
	if mt.AvailableBalance <= 0 {
		if hasOpenPositions {
			return true, "только сопровождение открытых позиций"
		}
		return false, "недостаточно средств"
	}
	return true, ""
}

// EmergencyStopped сообщает, взведена ли аварийная остановка
func (m *Manager) EmergencyStopped() bool {
	return m.emergencyStop.Load()
}

// ResetEmergencyStop снимает аварийную остановку; просадка дальше считается от текущего баланса
func (m *Manager) ResetEmergencyStop() {
	m.mu.Lock()
	m.peakBalance = m.metrics.TotalBalance
	m.metrics.CurrentDrawdown = 0
	delete(m.alerts, MetricDrawdown)
	m.mu.Unlock()

	if m.emergencyStop.CompareAndSwap(true, false) {
		logger.Info("Аварийная остановка снята вручную")
	}
}

// Metrics возвращает последний снимок метрик
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Alerts возвращает активные алерты
func (m *Manager) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(m.now())
}

// History возвращает копию истории метрик
func (m *Manager) History() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Metrics(nil), m.history...)
}

// Summary собирает сводку состояния риска
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := m.activeLocked(m.now())
	counts := make(map[Level]int)
	for _, a := range alerts {
		counts[a.Level]++
	}
	return Summary{
		Metrics:       m.metrics,
		EmergencyStop: m.emergencyStop.Load(),
		Alerts:        alerts,
		AlertCounts:   counts,
		Limits:        m.cfg,
	}
}
