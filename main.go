package main

import (
	"context"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"workflowTrader/config"
	"workflowTrader/internal/adapters/binanceclient"
	"workflowTrader/internal/adapters/logger"
	"workflowTrader/internal/adapters/paper"
	"workflowTrader/internal/adapters/predictionpoll"
	"workflowTrader/internal/adapters/predictionws"
	"workflowTrader/internal/adapters/redislock"
	"workflowTrader/internal/adapters/sqlite"
	"workflowTrader/internal/analytics"
	"workflowTrader/internal/app"
	"workflowTrader/internal/domain"
	"workflowTrader/internal/events"
	"workflowTrader/internal/ports"
	"workflowTrader/internal/risk"
	"workflowTrader/internal/transport/httpapi"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := ports.WithFields(context.Background(), ports.Fields{"node": cfg.NodeID})
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error(ctx, err, "FATAL: workflow trader stopped")
		log.Fatalf("FATAL: %v", err)
	}
	appLogger.Info(ctx, "Application shut down gracefully.")
}

func run(ctx context.Context, cfg *config.Config, appLogger *logger.StdLogger) error {
	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger.Named("sqlite"),
	})
	if err != nil {
		return fmt.Errorf("initializing database repository: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Locks: Redis when shared between nodes, in-process otherwise
	var locker ports.Locker = risk.NewLocalLocker()
	shared := cfg.RedisAddr != ""
	if shared {
		rl, err := redislock.New(redislock.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			TTL:         cfg.LockTTL,
			Logger:      appLogger.Named("redislock"),
			OwnerPrefix: cfg.NodeID,
		})
		if err != nil {
			return fmt.Errorf("initializing redis locker: %w", err)
		}
		defer rl.Close()
		locker = rl
		appLogger.Info(ctx, "Using Redis locks", ports.Fields{"addr": cfg.RedisAddr})
	}

	// 5. Initialize Exchange Client (Binance Adapter) when it is needed
	var binance *binanceclient.Client
	if cfg.ExecutionMode == config.ModeBinance || len(cfg.PriceAssets) > 0 {
		binance, err = binanceclient.New(binanceclient.Config{
			APIKey:               cfg.APIKey,
			SecretKey:            cfg.SecretKey,
			UseTestnet:           cfg.IsTestnet,
			QuoteAsset:           cfg.QuoteAsset,
			Logger:               appLogger.Named("binance"),
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			OrdersPerSecond:      cfg.OrderRatePerSecond,
		})
		if err != nil {
			return fmt.Errorf("initializing Binance client: %w", err)
		}
		appLogger.Info(ctx, "Binance client initialized")
	}

	executor, err := newExecutor(cfg, binance, appLogger)
	if err != nil {
		return err
	}

	// 6. Engine components
	admission, err := risk.NewAdmissionController(risk.Config{
		Positions:     repo,
		History:       repo,
		Locker:        locker,
		Logger:        appLogger.Named("admission"),
		ReloadHistory: shared,
	})
	if err != nil {
		return fmt.Errorf("initializing admission controller: %w", err)
	}
	catalog, err := app.NewCatalog(repo, appLogger.Named("catalog"))
	if err != nil {
		return fmt.Errorf("initializing workflow catalog: %w", err)
	}
	engine, err := app.NewEngine(app.Config{
		Store:           repo,
		Executor:        executor,
		Admission:       admission,
		Catalog:         catalog,
		Logger:          appLogger.Named("engine"),
		Locker:          locker,
		OrderIDPrefix:   "wt-",
		OrderTimeout:    cfg.OrderTimeout,
		RefreshInterval: cfg.WorkflowRefresh,
	})
	if err != nil {
		return fmt.Errorf("initializing workflow engine: %w", err)
	}

	busLogger := appLogger.Named("bus")
	bus := events.NewBus(engine,
		events.WithWorkers(cfg.EngineWorkers),
		events.WithPredictionBuffer(cfg.PredictionBuffer),
		events.WithPriceBuffer(cfg.PriceBuffer),
		events.WithDropHandler(func(tick domain.PriceTick) {
			busLogger.Warn(ctx, "Dropped stale price tick", ports.Fields{"asset": tick.Asset, "price": tick.Price})
		}),
		events.WithErrorHandler(func(err error) {
			busLogger.Error(ctx, err, "Event handler failed")
		}),
	)

	// 7. Event sources
	sources, err := newSources(cfg, binance, appLogger)
	if err != nil {
		return err
	}

	// 8. Authoring and query surface
	var extra []func(context.Context) error
	if cfg.HTTPAddr != "" {
		workflows, err := app.NewWorkflowService(app.WorkflowServiceConfig{
			Repo:      repo,
			Catalog:   catalog,
			Admission: admission,
			Logger:    appLogger.Named("workflows"),
		})
		if err != nil {
			return fmt.Errorf("initializing workflow service: %w", err)
		}
		analyzer, err := analytics.NewAnalyzer(repo, appLogger.Named("analytics"))
		if err != nil {
			return fmt.Errorf("initializing analyzer: %w", err)
		}
		checks := map[string]httpapi.HealthCheck{"database": repo.Ping}
		if cfg.ExecutionMode == config.ModeBinance {
			checks["exchange"] = binance.Ping
		}
		server, err := httpapi.New(httpapi.Config{
			Addr:      cfg.HTTPAddr,
			Workflows: workflows,
			Ledger:    repo,
			Stats:     analyzer,
			Logger:    appLogger.Named("http"),
			Checks:    checks,
			Debug:     cfg.LogLevel == logger.LevelDebug,
		})
		if err != nil {
			return fmt.Errorf("initializing HTTP API: %w", err)
		}
		extra = append(extra, server.Run)
	}

	// 9. Run until SIGINT/SIGTERM
	return engine.Start(ctx, bus, sources, extra...)
}

func newExecutor(cfg *config.Config, binance *binanceclient.Client, appLogger *logger.StdLogger) (ports.OrderExecutor, error) {
	switch cfg.ExecutionMode {
	case config.ModeBinance:
		return binance, nil
	case config.ModeDisabled:
		appLogger.Warn(context.Background(), "Order execution disabled; matched workflows will record ERROR entries")
		return paper.Disabled{}, nil
	default:
		executor, err := paper.NewExecutor(paper.Config{
			Logger:          appLogger.Named("paper"),
			SlippagePercent: cfg.PaperSlippage,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing paper executor: %w", err)
		}
		return executor, nil
	}
}

func newSources(cfg *config.Config, binance *binanceclient.Client, appLogger *logger.StdLogger) ([]ports.EventSource, error) {
	var sources []ports.EventSource
	if binance != nil && len(cfg.PriceAssets) > 0 {
		sources = append(sources, binance.NewPriceSource(cfg.PriceAssets, cfg.KlineInterval))
	} else {
		appLogger.Warn(context.Background(), "No PRICE_ASSETS configured; SELL workflows will not be evaluated")
	}

	switch cfg.PredictionSource {
	case config.SourceWS:
		src, err := predictionws.New(predictionws.Config{
			URL:                  cfg.PredictionWSURL,
			Logger:               appLogger.Named("predictions"),
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing prediction websocket: %w", err)
		}
		sources = append(sources, src)
	case config.SourcePoll:
		src, err := predictionpoll.New(predictionpoll.Config{
			URL:      cfg.PredictionPollURL,
			Interval: cfg.PredictionPollInterval,
			Logger:   appLogger.Named("predictions"),
		})
		if err != nil {
			return nil, fmt.Errorf("initializing prediction poller: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
