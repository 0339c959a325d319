package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tradeguard/config"
	"tradeguard/internal/adapters/dualwrite"
	"tradeguard/internal/adapters/execution"
	"tradeguard/internal/adapters/httpsink"
	"tradeguard/internal/adapters/logger"
	"tradeguard/internal/adapters/marketfeed"
	"tradeguard/internal/adapters/postgres"
	"tradeguard/internal/adapters/sqlite"
	"tradeguard/internal/dispatch"
	"tradeguard/internal/engine"
	"tradeguard/internal/metrics"
	"tradeguard/internal/ports"
	"tradeguard/internal/server"
	"tradeguard/internal/supervisor"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Metrics
	appMetrics := metrics.New()

	// 4. Initialize Store (primary, plus optional dual-write secondary)
	store, err := buildStore(ctx, cfg, appLogger, appMetrics)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize store")
		log.Fatalf("FATAL: Failed to initialize store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing store")
		}
	}()
	appLogger.Info(ctx, "Store initialized", map[string]interface{}{
		"backend": cfg.StorageBackend, "dualWrite": cfg.DualWrite})

	// 5. Initialize Collaborator Clients
	marketClient, err := marketfeed.NewClient(marketfeed.Config{
		BaseURL: cfg.MarketFeedURL,
		Logger:  appLogger,
		Timeout: cfg.MarketFeedTimeout,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize market feed client")
		log.Fatalf("FATAL: Failed to initialize market feed client: %v", err)
	}
	executionClient, err := execution.NewClient(execution.Config{
		BaseURL: cfg.ExecutionURL,
		Logger:  appLogger,
		Timeout: cfg.ExecutionTimeout,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize execution client")
		log.Fatalf("FATAL: Failed to initialize execution client: %v", err)
	}
	appLogger.Info(ctx, "Collaborator clients initialized")

	// 6. Initialize Decision Engine
	decisionEngine, err := engine.New(engine.Config{
		Order: cfg.ConditionOrder,
		Conditions: []engine.Condition{
			&engine.ProbabilityThreshold{
				Threshold:      cfg.ProbabilityFloor,
				Disabled:       cfg.ProbabilityDisabled,
				CooldownWindow: cfg.ProbabilityCooldown,
			},
			&engine.MomentumSpike{
				Limit:          cfg.MomentumLimit,
				Disabled:       cfg.MomentumDisabled,
				CooldownWindow: cfg.MomentumCooldown,
			},
		},
		ExpiryFloorSeconds: cfg.ExpiryFloorSeconds,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize decision engine")
		log.Fatalf("FATAL: Failed to initialize decision engine: %v", err)
	}
	appLogger.Info(ctx, "Decision engine initialized", map[string]interface{}{"order": cfg.ConditionOrder})

	// 7. Initialize Notification Dispatcher
	notificationSinks, err := buildSinks(cfg)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize notification sinks")
		log.Fatalf("FATAL: Failed to initialize notification sinks: %v", err)
	}
	dispatcher, err := dispatch.New(dispatch.Config{
		Sinks:           notificationSinks,
		Store:           store,
		Logger:          appLogger,
		MaxAttempts:     cfg.DispatchAttempts,
		BackoffMin:      cfg.BackoffMin,
		BackoffMax:      cfg.BackoffMax,
		DeliveryTimeout: cfg.DeliveryTimeout,
		QueueSize:       cfg.QueueSize,
		OnAttempt:       appMetrics.ObserveDispatchAttempt,
		OnDeadLetter:    appMetrics.ObserveDeadLetter,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize dispatcher")
		log.Fatalf("FATAL: Failed to initialize dispatcher: %v", err)
	}

	// 8. Initialize Supervisor
	sup, err := supervisor.New(supervisor.Config{
		Store:              store,
		Market:             marketClient,
		Execution:          executionClient,
		Engine:             decisionEngine,
		Dispatcher:         dispatcher,
		Logger:             appLogger,
		Cadence:            cfg.Cadence,
		Workers:            cfg.Workers,
		Staleness:          cfg.Staleness,
		EscalationWindow:   cfg.EscalationWindow,
		PersistTimeout:     cfg.PersistTimeout,
		MarketTimeout:      cfg.MarketTimeout,
		MaxPersistFailures: cfg.MaxPersistFailures,
		OnEvaluation:       appMetrics.ObserveEvaluation,
		OnTransition:       appMetrics.ObserveTransition,
		OnWorkingSet:       appMetrics.ObserveWorkingSet,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize supervisor")
		log.Fatalf("FATAL: Failed to initialize supervisor: %v", err)
	}

	// 9. Initialize HTTP Surface
	apiServer, err := server.New(sup, store, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize HTTP server")
		log.Fatalf("FATAL: Failed to initialize HTTP server: %v", err)
	}

	// 10. Run until interrupted
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(runCtx)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: apiServer}
	go func() {
		appLogger.Info(ctx, "HTTP server listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error(ctx, err, "HTTP server exited with error")
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: appMetrics.Handler()}
	go func() {
		appLogger.Info(ctx, "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error(ctx, err, "Metrics server exited with error")
		}
	}()

	if err := sup.Start(runCtx); err != nil {
		appLogger.Error(ctx, err, "Supervisor exited with error")
	}

	// Graceful shutdown: stop accepting requests, then drain the dispatcher
	// so committed transitions still reach their sinks or the dead-letter log.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(ctx, err, "HTTP server shutdown failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(ctx, err, "Metrics server shutdown failed")
	}
	dispatcher.Stop()

	appLogger.Info(ctx, "Application finished gracefully.")
}

// buildStore assembles the configured persistence stack: a single backend,
// or the dual-write decorator over primary and secondary during migration.
func buildStore(ctx context.Context, cfg *config.Config, appLogger ports.Logger, appMetrics *metrics.Metrics) (ports.Store, error) {
	primary, err := openBackend(ctx, cfg.StorageBackend, cfg.DBPath, cfg.PostgresDSN, cfg, appLogger)
	if err != nil {
		return nil, err
	}
	if !cfg.DualWrite {
		return primary, nil
	}

	secondary, err := openBackend(ctx, cfg.SecondaryBackend, cfg.SecondaryDBPath, cfg.SecondaryDSN, cfg, appLogger)
	if err != nil {
		primary.Close()
		return nil, err
	}
	return dualwrite.NewStore(dualwrite.Config{
		Primary:   primary,
		Secondary: secondary,
		Audit:     logger.NewChannelLogger(cfg.LogLevel, cfg.DriftAuditChannel),
		Tolerance: cfg.DriftTolerance,
		OnDrift:   appMetrics.ObserveDrift,
	})
}

func openBackend(ctx context.Context, backend, dbPath, dsn string, cfg *config.Config, appLogger ports.Logger) (ports.Store, error) {
	switch backend {
	case "postgres":
		return postgres.NewStore(ctx, postgres.Config{
			DSN:      dsn,
			Logger:   appLogger,
			MaxConns: int32(cfg.PostgresMaxConns),
		})
	default:
		return sqlite.NewStore(sqlite.Config{
			DBPath: dbPath,
			Logger: appLogger,
		})
	}
}

func buildSinks(cfg *config.Config) ([]ports.NotificationSink, error) {
	bookkeeping, err := httpsink.NewSink(httpsink.Config{
		Name:     "bookkeeping",
		Endpoint: cfg.BookkeepingURL,
		Timeout:  cfg.DeliveryTimeout,
	})
	if err != nil {
		return nil, err
	}
	sinks := []ports.NotificationSink{bookkeeping}

	if cfg.PresentationURL != "" {
		presentation, err := httpsink.NewSink(httpsink.Config{
			Name:     "presentation",
			Endpoint: cfg.PresentationURL,
			Timeout:  cfg.DeliveryTimeout,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, presentation)
	}
	return sinks, nil
}
