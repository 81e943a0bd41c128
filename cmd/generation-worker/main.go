package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/decorai/decorai-api/internal/config"
	"github.com/decorai/decorai-api/internal/domain/credit"
	"github.com/decorai/decorai-api/internal/domain/generation"
	"github.com/decorai/decorai-api/internal/domain/style"
	"github.com/decorai/decorai-api/internal/pkg/database"
	"github.com/decorai/decorai-api/internal/pkg/logger"
	"github.com/decorai/decorai-api/internal/realtime"
	"github.com/decorai/decorai-api/internal/worker"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "generation-worker"})

	log.Info().
		Int("concurrency", cfg.GenerationConcurrency).
		Int("max_attempts", cfg.GenerationMaxAttempts).
		Dur("attempt_timeout", cfg.GenerationAttemptTimeout).
		Msg("Starting generation-worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	if rdb == nil {
		log.Fatal().Msg("generation-worker needs REDIS_URL; without Redis the API runs the worker in-process")
	}
	defer database.CloseRedis(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := worker.NewStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage")
	}
	backends, err := worker.NewBackends(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create generation backends")
	}

	// Publish-only hub: events fan out to API instances through Redis.
	hub := realtime.NewHub(rdb)

	ledger := credit.NewService(credit.NewRepository(db))
	scheduler := generation.NewScheduler(generation.NewQueue(rdb, cfg.GenerationAgingStep), rdb, generation.SchedulerConfig{
		Concurrency: cfg.GenerationConcurrency,
	})
	w := worker.New(cfg, worker.Deps{
		Repo:      generation.NewRepository(db, ledger),
		Scheduler: scheduler,
		Backends:  backends,
		Styles:    style.NewCatalog(style.NewRepository(db), rdb),
		Assets:    worker.NewAssetStore(st),
		Notifier:  realtime.NewNotifier(hub),
	})

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Int("in_flight", scheduler.InFlight()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("generation-worker failed")
	}
	log.Info().Msg("generation-worker stopped")
}
