package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/stratcoord/internal/config"
	"github.com/skalibog/stratcoord/internal/coordinator"
	"github.com/skalibog/stratcoord/internal/engine"
	"github.com/skalibog/stratcoord/internal/exchange"
	"github.com/skalibog/stratcoord/internal/journal"
	"github.com/skalibog/stratcoord/internal/risk"
	"github.com/skalibog/stratcoord/internal/storage"
	"github.com/skalibog/stratcoord/internal/strategy"
	"github.com/skalibog/stratcoord/internal/strategy/breakout"
	"github.com/skalibog/stratcoord/internal/strategy/macross"
	"github.com/skalibog/stratcoord/internal/strategy/volumedelta"
	"github.com/skalibog/stratcoord/internal/ui"
	"github.com/skalibog/stratcoord/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	withUI := flag.Bool("ui", false, "показать терминальный монитор")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Файл конфигурации не найден: %s\n", *configPath)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Options{
		Level:    cfg.Logging.Level,
		File:     cfg.Logging.File,
		JSONFile: cfg.Logging.JSONFile,
		Console:  cfg.Logging.Console && !*withUI,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *withUI); err != nil {
		logger.Error("Работа завершена с ошибкой", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Работа завершена")
}

// newRegistry регистрирует встроенные классы стратегий
func newRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	_ = r.Register(macross.Class, macross.New)
	_ = r.Register(breakout.Class, breakout.New)
	_ = r.Register(volumedelta.Class, volumedelta.New)
	return r
}

// buildStrategies создает стратегии из конфигурации в алфавитном порядке идентификаторов
func buildStrategies(cfg *config.Config, registry *strategy.Registry, manager *strategy.Manager) error {
	ids := make([]string, 0, len(cfg.Strategies))
	for id := range cfg.Strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sc := cfg.Strategies[id]
		s, err := registry.Create(sc.Class, id, strategy.Params(sc.Params))
		if err != nil {
			return err
		}
		if err := manager.Register(s, sc.AllocationRatio); err != nil {
			return err
		}
		if !sc.IsActive() {
			if err := manager.SetActive(id, false); err != nil {
				return err
			}
		}
	}
	if manager.Count() == 0 {
		return fmt.Errorf("%w: не задано ни одной стратегии", config.ErrInvalidConfig)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, withUI bool) error {
	logger.Info("Запуск stratcoord",
		zap.Strings("symbols", cfg.Engine.Symbols),
		zap.Bool("testnet", cfg.Exchange.Testnet),
		zap.String("mode", cfg.StrategyManager.FundAllocationMode))

	manager := strategy.NewManager(cfg.StrategyManager)
	coord := coordinator.New(cfg.Coordination)
	if err := buildStrategies(cfg, newRegistry(), manager); err != nil {
		return err
	}

	fileJournal, err := journal.OpenFile(cfg.Journal.Path)
	if err != nil {
		return err
	}
	journals := journal.Multi{fileJournal}

	var riskOpts []risk.Option
	if cfg.Storage.Enabled {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		store, err := storage.NewInfluxDBStorage(sctx, cfg.Storage)
		cancel()
		if err != nil {
			logger.Warn("InfluxDB недоступна, запись только в файл", zap.Error(err))
		} else {
			journals = append(journals, store)
			riskOpts = append(riskOpts, risk.WithSink(store))
		}
	}
	defer func() {
		if err := journals.Close(); err != nil {
			logger.Warn("Ошибка закрытия журнала", zap.Error(err))
		}
	}()

	riskManager := risk.NewManager(cfg.Risk, riskOpts...)
	client := exchange.NewBinanceClient(cfg.Exchange, cfg.Engine.QuoteAsset, cfg.Sizing.Symbols)
	clock := exchange.NewClock(client, time.Duration(cfg.Engine.ClockSyncMinutes)*time.Minute)

	eng := engine.New(cfg.Engine, cfg.Sizing, engine.Deps{
		Gateway:     client,
		Strategies:  manager,
		Coordinator: coord,
		Risk:        riskManager,
		Journal:     journals,
		Clock:       clock,
	})

	riskManager.Start(ctx)
	defer riskManager.Stop()

	if !withUI {
		return eng.Run(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		runErr = eng.Run(ctx)
	}()

	monitor := ui.NewTermUI(cfg.UI, func() ui.Snapshot {
		return ui.Snapshot{
			Engine:      eng.Status(),
			Risk:        riskManager.Summary(),
			Strategies:  manager.Status(),
			Coordinator: coord.Status(),
		}
	})
	if err := monitor.Run(ctx); err != nil {
		logger.Error("Ошибка терминального интерфейса", zap.Error(err))
	}
	cancel()
	wg.Wait()
	return runErr
}
