// Package main provides the copy-trader service entry point: the wallet
// ledger, the trade monitor and the HTTP API share one process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/copy-trader/internal/api"
	"github.com/copy-trader/internal/bus"
	"github.com/copy-trader/internal/config"
	"github.com/copy-trader/internal/engine"
	"github.com/copy-trader/internal/exchange"
	"github.com/copy-trader/internal/executor"
	"github.com/copy-trader/internal/ledger"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/monitor"
	"github.com/copy-trader/internal/ratelimit"
	"github.com/copy-trader/internal/retry"
	"github.com/copy-trader/internal/storage"
	"github.com/copy-trader/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Database connections
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	messageBus, err := bus.NewBus(&cfg.Database.Redis, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer messageBus.Close()

	logger.Info("Database connections established")

	// Repositories
	walletRepo := storage.NewTrackedWalletRepository(postgres)
	settingsRepo := storage.NewSettingsRepository(postgres)
	txRepo := storage.NewTransactionRepository(postgres)
	watchlistRepo := storage.NewWatchlistRepository(postgres)

	// Chain access and the wallet ledger
	rpcClient, err := exchange.NewRPCClient(cfg.Solana.RPCHTTPURL, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create RPC client")
	}

	if cfg.Solana.CreditBudget > 0 {
		reserved := cfg.Solana.CreditReserved
		if reserved == 0 {
			// Hold back most of the plan for trade-path reads.
			reserved = cfg.Solana.CreditBudget * 6 / 10
			if reserved == 0 {
				reserved = 1
			}
		}
		tracker, err := ratelimit.NewCreditTracker(&ratelimit.CreditTrackerConfig{
			Redis:          messageBus.Client(),
			TotalBudget:    cfg.Solana.CreditBudget,
			ReservedBudget: reserved,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create RPC credit tracker")
		}
		gate, err := ratelimit.NewGate(tracker, nil)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create RPC credit gate")
		}
		rpcClient.SetCreditGate(gate)
		logger.WithFields(map[string]interface{}{
			"budget":   cfg.Solana.CreditBudget,
			"reserved": reserved,
		}).Info("RPC credit gating enabled")
	}

	wallet, err := ledger.New(&ledger.Config{
		Address:        cfg.Solana.WalletAddress,
		UserID:         cfg.Server.DefaultUserID,
		History:        txRepo,
		Source:         rpcClient,
		DriftTolerance: cfg.Ledger.DriftToleranceLamports,
		Logger:         logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create wallet ledger")
	}

	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 30*time.Second)
	snapshot, err := wallet.RefreshBalances(seedCtx)
	cancelSeed()
	if err != nil {
		logger.WithError(err).Fatal("Failed to seed wallet ledger from chain")
	}
	logger.WithFields(map[string]interface{}{
		"wallet":     cfg.Solana.WalletAddress,
		"solBalance": snapshot.SolBalance,
		"tokens":     len(snapshot.Tokens),
	}).Info("Wallet ledger seeded")

	// Periodic reconciliation against the chain
	reconciler, err := worker.NewReconciler(&worker.ReconcilerConfig{
		Wallet:   wallet,
		Interval: cfg.Ledger.RefreshInterval,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create balance reconciler")
	}
	if err := reconciler.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start balance reconciler")
	}

	// Decision engine over the cached policy set
	policyCache := monitor.NewPolicyCache(cfg.Server.DefaultUserID, walletRepo, settingsRepo)
	decisionEngine, err := engine.New(policyCache, wallet, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create decision engine")
	}

	// Execution path: HTTP backend behind a circuit breaker
	httpBackend, err := exchange.NewHTTPBackend(cfg.Executor.BackendURL, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create execution backend")
	}
	backend := exchange.NewBreakerBackend(httpBackend, nil, logger)

	coordinator, err := executor.New(backend, wallet, decisionEngine, messageBus, &executor.Config{
		SubmitTimeout: cfg.Executor.SubmitTimeout,
		Retry: &retry.Config{
			MaxAttempts:  cfg.Executor.MaxAttempts,
			InitialDelay: cfg.Executor.InitialDelay,
			MaxDelay:     cfg.Executor.MaxDelay,
			Multiplier:   2.0,
		},
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create execution coordinator")
	}

	// Tracked-wallet event monitor
	tradeMonitor, err := monitor.New(&monitor.Config{
		URL:            cfg.Solana.RPCWSURL,
		Cache:          policyCache,
		Engine:         decisionEngine,
		Executor:       coordinator,
		Bus:            messageBus,
		InitialBackoff: cfg.Monitor.InitialBackoff,
		MaxBackoff:     cfg.Monitor.MaxBackoff,
		HealthInterval: cfg.Monitor.HealthInterval,
		Logger:         logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create trade monitor")
	}

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()
	if err := tradeMonitor.Start(monitorCtx); err != nil {
		logger.WithError(err).Fatal("Failed to start trade monitor")
	}
	logger.WithField("eventSource", cfg.Solana.RPCWSURL).Info("Trade monitor started")

	// HTTP API
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimitRPS:    cfg.Server.RequestsPerSec,
		DefaultUserID:   cfg.Server.DefaultUserID,
	}

	server := api.NewServer(serverConfig, wallet, walletRepo, settingsRepo, txRepo, watchlistRepo, messageBus, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Stop taking work before draining what is in flight: monitor and
	// reconciler first, then the API.
	tradeMonitor.Stop()
	reconciler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
