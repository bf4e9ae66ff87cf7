package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/internal/coordinator"
	"github.com/skalibog/stratcoord/internal/engine"
	"github.com/skalibog/stratcoord/internal/risk"
	"github.com/skalibog/stratcoord/internal/strategy"
	"github.com/skalibog/stratcoord/pkg/models"
)

// Стили UI
var (
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")
	mutedColor     = lipgloss.Color("#999999")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)
)

// Snapshot состояние системы для одного кадра
type Snapshot struct {
	Engine      engine.Status
	Risk        risk.Summary
	Strategies  strategy.Status
	Coordinator coordinator.Status
}

// Source возвращает текущее состояние системы
type Source func() Snapshot

// TermUI терминальный монитор состояния, только для чтения
type TermUI struct {
	cfg     config.UIConfig
	source  Source
	refresh time.Duration
	logs    *logTail
}

// NewTermUI создает монитор
func NewTermUI(cfg config.UIConfig, source Source) *TermUI {
	refresh := time.Duration(cfg.RefreshRate) * time.Millisecond
	if refresh <= 0 {
		refresh = time.Second
	}
	return &TermUI{
		cfg:     cfg,
		source:  source,
		refresh: refresh,
		logs:    newLogTail(cfg.LogFile, 50),
	}
}

// Run показывает монитор до выхода пользователя или отмены контекста
func (ui *TermUI) Run(ctx context.Context) error {
	program := tea.NewProgram(ui.newModel(), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("ошибка запуска UI: %w", err)
	}
	return nil
}

type tickMsg time.Time

type model struct {
	ui       *TermUI
	snapshot Snapshot
	logs     []string
	selected int
	width    int
	height   int
}

func (ui *TermUI) newModel() model {
	m := model{ui: ui, width: 120, height: 40}
	m.reload()
	return m
}

func (m *model) reload() {
	if m.ui.source != nil {
		m.snapshot = m.ui.source()
	}
	if err := m.ui.logs.load(); err != nil {
		m.logs = append(m.ui.logs.lines(), fmt.Sprintf("Ошибка загрузки логов: %v", err))
		return
	}
	m.logs = m.ui.logs.lines()
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.ui.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return m.tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up":
			m.selected = max(0, m.selected-1)
		case "down":
			m.selected = max(0, min(len(m.snapshot.Engine.Positions)-1, m.selected+1))
		case "r":
			m.reload()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.reload()
		return m, m.tick()
	}
	return m, nil
}

func (m model) View() string {
	title := titleStyle.Render("STRATCOORD - координация торговых стратегий")
	footer := footerStyle.Render("Клавиши: ↑/↓ - навигация, R - обновить, Q - выход")

	top := lipgloss.JoinHorizontal(lipgloss.Top,
		renderAccount(m.snapshot),
		" ",
		renderRisk(m.snapshot.Risk),
	)
	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			title,
			top,
			renderPositions(m.snapshot.Engine.Positions, m.selected),
			lipgloss.JoinHorizontal(lipgloss.Top,
				renderStrategies(m.snapshot.Strategies),
				" ",
				renderCoordinator(m.snapshot.Coordinator),
			),
			renderLogs(m.logs, m.logLines()),
			footer,
		),
	)
}

// logLines сколько строк лога помещается под остальными секциями
func (m model) logLines() int {
	n := m.height - 30 - len(m.snapshot.Engine.Positions)
	if n < 5 {
		n = 5
	}
	return n
}

func section(title, body string) string {
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render(title), body))
}

func pnlStyle(v float64) lipgloss.Style {
	switch {
	case v > 0:
		return lipgloss.NewStyle().Foreground(successColor)
	case v < 0:
		return lipgloss.NewStyle().Foreground(errorColor)
	}
	return lipgloss.NewStyle()
}

func renderAccount(s Snapshot) string {
	st := s.Engine
	var b strings.Builder
	fmt.Fprintf(&b, "Баланс: %.2f %s\n", st.Balance.Total, st.Balance.Asset)
	fmt.Fprintf(&b, "Доступно: %.2f\n", st.Balance.Available)
	fmt.Fprintf(&b, "Реализовано: %s\n", pnlStyle(st.Stats.RealizedPnL).Render(fmt.Sprintf("%+.2f", st.Stats.RealizedPnL)))
	fmt.Fprintf(&b, "Сделки: открыто %d, закрыто %d, прибыльных %d\n", st.Stats.Opened, st.Stats.Closed, st.Stats.Wins)
	fmt.Fprintf(&b, "Отказы: %d, ошибки открытия %d, закрытия %d\n", st.Stats.Rejected, st.Stats.OpenFailed, st.Stats.CloseFailed)
	if !st.LastTick.IsZero() {
		fmt.Fprintf(&b, "Последний тик: %s", st.LastTick.Format("15:04:05"))
	}
	return section("СЧЕТ", b.String())
}

func levelStyle(l risk.Level) lipgloss.Style {
	switch l {
	case risk.Critical:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	case risk.Danger:
		return lipgloss.NewStyle().Foreground(errorColor)
	}
	return lipgloss.NewStyle().Foreground(warningColor)
}

func renderRisk(r risk.Summary) string {
	var b strings.Builder
	if r.EmergencyStop {
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render("АВАРИЙНАЯ ОСТАНОВКА") + "\n")
	}
	mt := r.Metrics
	fmt.Fprintf(&b, "Просадка: %.2f%% (макс %.2f%%, лимит %.2f%%)\n",
		mt.CurrentDrawdown*100, mt.MaxDrawdown*100, r.Limits.MaxDrawdown*100)
	fmt.Fprintf(&b, "Дневной P&L: %s\n", pnlStyle(mt.DailyPnL).Render(fmt.Sprintf("%+.2f", mt.DailyPnL)))
	fmt.Fprintf(&b, "Экспозиция: %.2fx, VaR95: %.2f%%\n", mt.TotalRiskExposure, mt.VaR95*100)
	if len(r.Alerts) == 0 {
		b.WriteString("Алертов нет")
	}
	for _, a := range r.Alerts {
		b.WriteString(levelStyle(a.Level).Render(fmt.Sprintf("[%s] %s %.4f > %.4f", a.Level, a.MetricName, a.CurrentValue, a.ThresholdValue)))
		b.WriteString("\n")
	}
	return section("РИСК", strings.TrimRight(b.String(), "\n"))
}

func sideText(side models.PositionSide) string {
	if side == models.Short {
		return lipgloss.NewStyle().Foreground(errorColor).Render("SHORT")
	}
	return lipgloss.NewStyle().Foreground(successColor).Render("LONG")
}

func renderPositions(positions []engine.PositionView, selected int) string {
	if len(positions) == 0 {
		return section("ПОЗИЦИИ", "  Открытых позиций нет")
	}
	var b strings.Builder
	for i, p := range positions {
		line := fmt.Sprintf("  %-10s %s x%-3d %.4f @ %.4f  сейчас %.4f  SL %.4f  TP %.4f  %s  [%s, %s]",
			p.Symbol, sideText(p.Side), p.Leverage, p.Size, p.EntryPrice, p.MarkPrice,
			p.StopLoss, p.TakeProfit,
			pnlStyle(p.UnrealizedPnL).Render(fmt.Sprintf("%+.2f", p.UnrealizedPnL)),
			p.StrategyID, p.State)
		if i == selected {
			line = lipgloss.NewStyle().Background(lipgloss.Color("#222222")).Render("> " + line[2:])
		}
		b.WriteString(line + "\n")
	}
	return section("ПОЗИЦИИ", strings.TrimRight(b.String(), "\n"))
}

func renderStrategies(s strategy.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Режим: %s", s.Mode)
	if s.PoolLocked {
		fmt.Fprintf(&b, " (пул занят: %s)", s.LockReason)
	}
	b.WriteString("\n")
	for _, st := range s.Strategies {
		mark := "●"
		if !st.Active {
			mark = lipgloss.NewStyle().Foreground(mutedColor).Render("○")
		}
		fmt.Fprintf(&b, "%s %-12s капитал %.2f, в позициях %.2f, сделок %d, win %.0f%%, P&L %s\n",
			mark, st.ID, st.Balance, st.Allocated, st.Stats.Trades, st.Stats.WinRate()*100,
			pnlStyle(st.Stats.TotalPnL).Render(fmt.Sprintf("%+.2f", st.Stats.TotalPnL)))
	}
	return section("СТРАТЕГИИ", strings.TrimRight(b.String(), "\n"))
}

func renderCoordinator(c coordinator.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Активных сигналов: %d\n", c.TotalActive)
	fmt.Fprintf(&b, "Конфликтов: %d, разрешено %d, отклонено %d, изменено %d\n",
		c.Stats.TotalConflicts, c.Stats.ResolvedConflicts, c.Stats.RejectedSignals, c.Stats.ModifiedSignals)
	symbols := make([]string, 0, len(c.ActiveSignals))
	for s := range c.ActiveSignals {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		fmt.Fprintf(&b, "  %s: %d\n", s, c.ActiveSignals[s])
	}
	return section("КООРДИНАТОР", strings.TrimRight(b.String(), "\n"))
}

func renderLogs(logs []string, limit int) string {
	start := 0
	if len(logs) > limit {
		start = len(logs) - limit
	}
	var b strings.Builder
	for _, line := range logs[start:] {
		switch {
		case strings.Contains(line, "[ERROR]"):
			line = lipgloss.NewStyle().Foreground(errorColor).Render(line)
		case strings.Contains(line, "[WARN]"):
			line = lipgloss.NewStyle().Foreground(warningColor).Render(line)
		case strings.Contains(line, "[INFO]"):
			line = lipgloss.NewStyle().Foreground(successColor).Render(line)
		case strings.Contains(line, "[DEBUG]"):
			line = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(line)
		}
		b.WriteString("  " + line + "\n")
	}
	return section("ЛОГИ", strings.TrimRight(b.String(), "\n"))
}
