package main

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/decorai/decorai-api/internal/config"
	"github.com/decorai/decorai-api/internal/domain/credit"
	"github.com/decorai/decorai-api/internal/domain/generation"
	"github.com/decorai/decorai-api/internal/pkg/database"
	"github.com/decorai/decorai-api/internal/pkg/jwt"
	"github.com/decorai/decorai-api/internal/pkg/logger"
	"github.com/decorai/decorai-api/internal/worker"
)

// errQueueUnavailable is returned by queue commands when REDIS_URL is not
// set. Without Redis the queue lives inside the API process, and a queue
// built here would vanish when the command exits.
var errQueueUnavailable = errors.New("queue commands need REDIS_URL: without Redis the queue is private to the API process")

// runtime holds what subcommands operate on. scheduler and recovery are nil
// without Redis.
type runtime struct {
	cfg       *config.Config
	ledger    *credit.Service
	jobs      generation.Repository
	scheduler *generation.Scheduler
	recovery  *generation.Recovery
	tokens    *jwt.Service

	db  *sqlx.DB
	rdb *redis.Client
}

type opener func(ctx context.Context) (*runtime, error)

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: "cli", Service: "generationctl"})

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		database.ClosePostgres(db)
		return nil, err
	}

	ledger := credit.NewService(credit.NewRepository(db))
	rt := &runtime{
		cfg:    cfg,
		ledger: ledger,
		jobs:   generation.NewRepository(db, ledger),
		tokens: jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL),
		db:     db,
		rdb:    rdb,
	}
	if rdb == nil {
		return rt, nil
	}

	rt.scheduler = generation.NewScheduler(generation.NewQueue(rdb, cfg.GenerationAgingStep), rdb, generation.SchedulerConfig{
		Concurrency: cfg.GenerationConcurrency,
	})
	rt.recovery = generation.NewRecovery(rt.jobs, rt.scheduler, nil, generation.RecoveryConfig{
		Policy: worker.RetryPolicy(cfg),
		Grace:  cfg.GenerationSweepGrace,
	})
	return rt, nil
}

// requireQueue fails unless the shared Redis queue is reachable.
func (r *runtime) requireQueue() error {
	if r.scheduler == nil {
		return errQueueUnavailable
	}
	return nil
}

func (r *runtime) Close() {
	database.CloseRedis(r.rdb)
	database.ClosePostgres(r.db)
}
