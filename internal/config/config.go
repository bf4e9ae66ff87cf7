package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/skalibog/stratcoord/pkg/logger"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Exchange        ExchangeConfig            `yaml:"exchange"`
	Engine          EngineConfig              `yaml:"engine"`
	Sizing          SizingConfig              `yaml:"sizing"`
	StrategyManager StrategyManagerConfig     `yaml:"strategy_manager"`
	Coordination    CoordinationConfig        `yaml:"coordination"`
	Risk            RiskConfig                `yaml:"risk"`
	Strategies      map[string]StrategyConfig `yaml:"strategies"`
	Journal         JournalConfig             `yaml:"journal"`
	Storage         StorageConfig             `yaml:"storage"`
	UI              UIConfig                  `yaml:"ui"`
	Logging         LoggingConfig             `yaml:"logging"`
}

// ExchangeConfig содержит настройки подключения к Binance
type ExchangeConfig struct {
	APIKey                string `yaml:"api_key"`
	APISecret             string `yaml:"api_secret"`
	Testnet               bool   `yaml:"testnet"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// EngineConfig настройки торгового цикла
type EngineConfig struct {
	Symbols                  []string `yaml:"symbols"`
	QuoteAsset               string   `yaml:"quote_asset"`
	CandleLimit              int      `yaml:"candle_limit"`
	PriceRefreshSeconds      int      `yaml:"price_refresh_seconds"`
	EntryGraceSeconds        int      `yaml:"entry_grace_seconds"`
	ClockSyncMinutes         int      `yaml:"clock_sync_minutes"`
	PollTimeoutSeconds       int      `yaml:"poll_timeout_seconds"`
	DefaultTrailingStop      float64  `yaml:"default_trailing_stop"`
	ReactivationMinAvailable float64  `yaml:"reactivation_min_available"`
}

// SymbolSpec параметры контракта
type SymbolSpec struct {
	ContractValue float64 `yaml:"contract_value"`
	LotSize       float64 `yaml:"lot_size"`
	MinSize       float64 `yaml:"min_size"`
	PriceTick     float64 `yaml:"price_tick"`
	MaxLeverage   int     `yaml:"max_leverage"`
}

// SizingConfig параметры расчета размера позиции и плеча
type SizingConfig struct {
	RiskPerTrade     float64               `yaml:"risk_per_trade"`
	DefaultPriceRisk float64               `yaml:"default_price_risk"`
	MarginCeiling    float64               `yaml:"margin_ceiling"`
	TakerFee         float64               `yaml:"taker_fee"`
	MakerFee         float64               `yaml:"maker_fee"`
	Slippage         float64               `yaml:"slippage"`
	EstimatedFeeRate float64               `yaml:"estimated_fee_rate"`
	MaxLeverage      int                   `yaml:"max_leverage"`
	Symbols          map[string]SymbolSpec `yaml:"symbols"`
}

// StrategyManagerConfig настройки менеджера стратегий
type StrategyManagerConfig struct {
	FundAllocationMode     string  `yaml:"fund_allocation_mode"`
	ReservedRatio          float64 `yaml:"reserved_ratio"`
	MaxTotalRisk           float64 `yaml:"max_total_risk"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	AnalysisTimeoutSeconds int     `yaml:"analysis_timeout_seconds"`
	Workers                int     `yaml:"workers"`
	MaxSignalHistory       int     `yaml:"max_signal_history"`
}

// CoordinationConfig настройки координатора позиций
type CoordinationConfig struct {
	MaxPositionsPerSymbol  int            `yaml:"max_positions_per_symbol"`
	AllowOppositePositions bool           `yaml:"allow_opposite_positions"`
	MaxTotalPositions      int            `yaml:"max_total_positions"`
	MinSignalIntervalSec   int            `yaml:"min_signal_interval"`
	MaxRiskPerSymbol       float64        `yaml:"max_risk_per_symbol"`
	RiskScalingFactor      float64        `yaml:"risk_scaling_factor"`
	DefaultPriority        int            `yaml:"default_priority"`
	MergeSameDirection     *bool          `yaml:"merge_same_direction"`
	StrategyPriorities     map[string]int `yaml:"strategy_priorities"`
}

// RiskConfig пороги риск-менеджера
type RiskConfig struct {
	MaxTotalRisk           float64 `yaml:"max_total_risk"`
	MaxDailyLoss           float64 `yaml:"max_daily_loss"`
	MaxDrawdown            float64 `yaml:"max_drawdown"`
	MaxPositionCount       int     `yaml:"max_position_count"`
	MinBalanceRatio        float64 `yaml:"min_balance_ratio"`
	EnableBalanceAlert     bool    `yaml:"enable_balance_alert"`
	MaxExposureMultiple    float64 `yaml:"max_exposure_multiple"`
	VaRConfidence          float64 `yaml:"var_confidence"`
	VaRLookbackDays        int     `yaml:"var_lookback_days"`
	MonitorIntervalSeconds int     `yaml:"monitor_interval_seconds"`
	AlertTTLSeconds        int     `yaml:"alert_ttl_seconds"`
	HistoryLimit           int     `yaml:"history_limit"`
}

// StrategyConfig описание одной стратегии
type StrategyConfig struct {
	Class           string                 `yaml:"class"`
	Active          *bool                  `yaml:"active"`
	AllocationRatio float64                `yaml:"allocation_ratio"`
	Priority        int                    `yaml:"priority"`
	Params          map[string]interface{} `yaml:"config"`
}

// IsActive возвращает флаг активности, по умолчанию стратегия активна
func (s StrategyConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

// JournalConfig настройки журнала сделок
type JournalConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	RefreshRate int    `yaml:"refresh_rate_ms"`
	LogFile     string `yaml:"log_file"`
}

// LoggingConfig настройки логирования
type LoggingConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	JSONFile string `yaml:"json_file"`
	Console  bool   `yaml:"console"`
}

// Режимы распределения средств
const (
	ModeSharedPool = "shared_pool"
	ModeIndividual = "individual"
)

var ErrInvalidConfig = errors.New("некорректная конфигурация")

// Load загружает конфигурацию из файла, подмешивает секреты из .env и окружения
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// .env необязателен
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Ошибка чтения .env", zap.Error(err))
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Загружена конфигурация",
		zap.String("path", path),
		zap.Strings("symbols", cfg.Engine.Symbols),
		zap.String("mode", cfg.StrategyManager.FundAllocationMode),
		zap.Int("strategies", len(cfg.Strategies)))
	return cfg, nil
}

// Parse разбирает YAML и применяет значения по умолчанию
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		c.Storage.Token = v
	}
}

// ApplyDefaults заполняет незаданные поля значениями по умолчанию
func (c *Config) ApplyDefaults() {
	if c.Exchange.RequestTimeoutSeconds <= 0 {
		c.Exchange.RequestTimeoutSeconds = 10
	}

	e := &c.Engine
	if e.QuoteAsset == "" {
		e.QuoteAsset = "USDT"
	}
	if e.CandleLimit <= 0 {
		e.CandleLimit = 200
	}
	if e.PriceRefreshSeconds <= 0 {
		e.PriceRefreshSeconds = 30
	}
	if e.EntryGraceSeconds <= 0 {
		e.EntryGraceSeconds = 5
	}
	if e.ClockSyncMinutes <= 0 {
		e.ClockSyncMinutes = 5
	}
	if e.PollTimeoutSeconds <= 0 {
		e.PollTimeoutSeconds = 5
	}
	if e.ReactivationMinAvailable <= 0 {
		e.ReactivationMinAvailable = 100
	}

	s := &c.Sizing
	if s.RiskPerTrade <= 0 {
		s.RiskPerTrade = 0.015
	}
	if s.DefaultPriceRisk <= 0 {
		s.DefaultPriceRisk = 0.03
	}
	if s.MarginCeiling <= 0 {
		s.MarginCeiling = 0.9
	}
	if s.TakerFee <= 0 {
		s.TakerFee = 0.0005
	}
	if s.MakerFee <= 0 {
		s.MakerFee = 0.0002
	}
	if s.Slippage <= 0 {
		s.Slippage = 0.0001
	}
	if s.EstimatedFeeRate <= 0 {
		s.EstimatedFeeRate = 0.001
	}
	if s.MaxLeverage <= 0 {
		s.MaxLeverage = 50
	}

	m := &c.StrategyManager
	if m.FundAllocationMode == "" {
		m.FundAllocationMode = ModeIndividual
	}
	if m.ReservedRatio <= 0 {
		m.ReservedRatio = 0.1
	}
	if m.MaxTotalRisk <= 0 {
		m.MaxTotalRisk = 0.05
	}
	if m.MaxConcurrentPositions <= 0 {
		m.MaxConcurrentPositions = 3
	}
	if m.AnalysisTimeoutSeconds <= 0 {
		m.AnalysisTimeoutSeconds = 10
	}
	if m.Workers <= 0 {
		m.Workers = 4
	}
	if m.MaxSignalHistory <= 0 {
		m.MaxSignalHistory = 1000
	}

	co := &c.Coordination
	if co.MaxPositionsPerSymbol <= 0 {
		co.MaxPositionsPerSymbol = 1
	}
	if co.MaxTotalPositions <= 0 {
		co.MaxTotalPositions = 3
	}
	if co.MinSignalIntervalSec <= 0 {
		co.MinSignalIntervalSec = 300
	}
	if co.MaxRiskPerSymbol <= 0 {
		co.MaxRiskPerSymbol = 0.02
	}
	if co.RiskScalingFactor <= 0 {
		co.RiskScalingFactor = 0.8
	}
	if co.DefaultPriority <= 0 {
		co.DefaultPriority = 50
	}
	if co.MergeSameDirection == nil {
		merge := true
		co.MergeSameDirection = &merge
	}
	if co.StrategyPriorities == nil {
		co.StrategyPriorities = make(map[string]int)
	}
	for id, sc := range c.Strategies {
		if _, ok := co.StrategyPriorities[id]; !ok && sc.Priority > 0 {
			co.StrategyPriorities[id] = sc.Priority
		}
	}

	r := &c.Risk
	if r.MaxTotalRisk <= 0 {
		r.MaxTotalRisk = m.MaxTotalRisk
	}
	if r.MaxDailyLoss <= 0 {
		r.MaxDailyLoss = 0.03
	}
	if r.MaxDrawdown <= 0 {
		r.MaxDrawdown = 0.1
	}
	if r.MaxPositionCount <= 0 {
		r.MaxPositionCount = 3
	}
	if r.MinBalanceRatio <= 0 {
		r.MinBalanceRatio = 0.2
	}
	if r.MaxExposureMultiple <= 0 {
		r.MaxExposureMultiple = 5
	}
	if r.VaRConfidence <= 0 {
		r.VaRConfidence = 0.95
	}
	if r.VaRLookbackDays <= 0 {
		r.VaRLookbackDays = 30
	}
	if r.MonitorIntervalSeconds <= 0 {
		r.MonitorIntervalSeconds = 10
	}
	if r.AlertTTLSeconds <= 0 {
		r.AlertTTLSeconds = 300
	}
	if r.HistoryLimit <= 0 {
		r.HistoryLimit = 1000
	}

	if c.Journal.Path == "" {
		c.Journal.Path = "data/trades.jsonl"
	}
	if c.UI.RefreshRate <= 0 {
		c.UI.RefreshRate = 1000
	}
	if c.UI.LogFile == "" {
		c.UI.LogFile = c.Logging.JSONFile
	}
	if c.UI.LogFile == "" {
		c.UI.LogFile = "app.json.log"
	}
}

// Validate проверяет согласованность конфигурации
func (c *Config) Validate() error {
	mode := c.StrategyManager.FundAllocationMode
	if mode != ModeSharedPool && mode != ModeIndividual {
		return fmt.Errorf("%w: неизвестный режим распределения средств %q", ErrInvalidConfig, mode)
	}
	if c.StrategyManager.ReservedRatio >= 1 {
		return fmt.Errorf("%w: reserved_ratio должен быть меньше 1", ErrInvalidConfig)
	}
	if c.Sizing.MarginCeiling > 1 {
		return fmt.Errorf("%w: margin_ceiling не может превышать 1", ErrInvalidConfig)
	}

	var total float64
	for id, sc := range c.Strategies {
		if sc.Class == "" {
			return fmt.Errorf("%w: у стратегии %s не указан class", ErrInvalidConfig, id)
		}
		if sc.AllocationRatio < 0 || sc.AllocationRatio > 1 {
			return fmt.Errorf("%w: allocation_ratio стратегии %s вне [0, 1]", ErrInvalidConfig, id)
		}
		if sc.IsActive() {
			total += sc.AllocationRatio
		}
	}
	if total > 1.1 {
		logger.Warn("Сумма долей распределения превышает 1", zap.Float64("total", total))
	}

	for symbol, spec := range c.Sizing.Symbols {
		if spec.LotSize < 0 || spec.MinSize < 0 || spec.ContractValue < 0 || spec.PriceTick < 0 {
			return fmt.Errorf("%w: отрицательные параметры контракта %s", ErrInvalidConfig, symbol)
		}
	}
	return nil
}

// Seconds переводит целое число секунд в time.Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
