// Package main is the entry point for the arena server: a multi-tenant
// orchestrator for LLM-driven trading agents on a simulated Taiwan stock
// market.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/casualtrader/arena/internal/agentruntime"
	"github.com/casualtrader/arena/internal/clients/market"
	"github.com/casualtrader/arena/internal/clients/memorystore"
	"github.com/casualtrader/arena/internal/config"
	"github.com/casualtrader/arena/internal/database"
	"github.com/casualtrader/arena/internal/events"
	"github.com/casualtrader/arena/internal/modules/agents"
	"github.com/casualtrader/arena/internal/modules/metrics"
	"github.com/casualtrader/arena/internal/modules/sessions"
	"github.com/casualtrader/arena/internal/modules/trading"
	"github.com/casualtrader/arena/internal/reliability"
	"github.com/casualtrader/arena/internal/scheduler"
	"github.com/casualtrader/arena/internal/server"
	"github.com/casualtrader/arena/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting arena server")

	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath,
		Profile: database.ProfileLedger,
		Name:    "arena",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	conn := db.Conn()
	hub := events.NewHub(log)

	agentRepo := agents.NewRepository(conn, log)
	modelRepo := agents.NewModelRepository(conn, log)
	if err := modelRepo.SeedDefaults(); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed model catalog")
	}

	marketClient := market.NewClient(cfg.MarketCommand, cfg.MarketArgs, log)
	defer marketClient.Close()

	memory := memorystore.NewStore(cfg.MemoryDir, log)

	sessionSvc := sessions.NewService(sessions.NewRepository(conn, log), hub, log)
	txnRepo := trading.NewTransactionRepository(conn, log)
	holdingRepo := trading.NewHoldingRepository(conn, log)
	perfRepo := metrics.NewPerformanceRepository(conn, log)
	engine := metrics.NewEngine(marketClient, log)

	trader := trading.NewService(conn, agentRepo, sessionSvc, txnRepo, holdingRepo, engine, hub, log)
	runtime := agentruntime.NewRuntime(modelRepo, marketClient, memory, trader, cfg.DefaultMaxTurns, log)

	registry := trading.NewActiveRegistry()
	executor := trading.NewExecutor(agentRepo, sessionSvc, registry, runtime, hub, cfg.DefaultAgentTimeout, log)
	if !cfg.SkipMarketCheck {
		executor.SetTradingDayGate(marketClient)
	}

	sched := scheduler.New(log)
	if err := sched.AddEvery(cfg.SessionSweepEvery,
		scheduler.NewSessionSweepJob(sessionSvc, cfg.DefaultAgentTimeout, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register sweep job")
	}
	// Daily recompute after the Taiwan market close (13:30 TST, 05:30 UTC).
	if err := sched.AddJob("0 0 6 * * *",
		scheduler.NewDailyPerformanceJob(conn, agentRepo, engine, hub, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register performance job")
	}

	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Store(context.Background(), cfg.Backup.Bucket, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup store")
		}
		backupSvc := reliability.NewBackupService(db, store, cfg.Backup, log)
		if err := sched.AddJob(cfg.Backup.Schedule, scheduler.NewBackupJob(backupSvc, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register backup job")
		}
	} else {
		log.Info().Msg("Backups disabled, no bucket configured")
	}

	srv := server.New(server.Config{
		Log:        log,
		Cfg:        cfg,
		DB:         db,
		Hub:        hub,
		Registry:   registry,
		AgentRepo:  agentRepo,
		ModelRepo:  modelRepo,
		SessionSvc: sessionSvc,
		TxnRepo:    txnRepo,
		PerfRepo:   perfRepo,
		Trader:     trader,
		Executor:   executor,
		Prices:     marketClient,
	})

	sched.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	waitForShutdown(log, errCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	sched.Stop()
	if err := marketClient.Close(); err != nil {
		log.Warn().Err(err).Msg("Market client close failed")
	}

	log.Info().Msg("Shutdown complete")
}

func waitForShutdown(log zerolog.Logger, errCh <-chan error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}
}
