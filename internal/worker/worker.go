// Package worker wires the generation pipeline around the scheduler:
// Replicate backends, the asset store, retry policy and the recovery sweep.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/decorai/decorai-api/internal/config"
	"github.com/decorai/decorai-api/internal/domain/generation"
	"github.com/decorai/decorai-api/internal/pkg/imaging"
	"github.com/decorai/decorai-api/internal/pkg/replicate"
	"github.com/decorai/decorai-api/internal/pkg/storage"
)

// RetryPolicy builds the retry policy from configuration.
func RetryPolicy(cfg *config.Config) generation.RetryPolicy {
	p := generation.DefaultRetryPolicy()
	p.MaxAttempts = cfg.GenerationMaxAttempts
	p.BackoffBase = cfg.GenerationBackoffBase
	p.AttemptTimeout = cfg.GenerationAttemptTimeout
	p.JobDeadline = cfg.GenerationJobDeadline
	return p
}

// NewBackends creates the Replicate backed adapters for every mode.
func NewBackends(cfg *config.Config) (*generation.Backends, error) {
	client, err := replicate.NewClient(replicate.Config{
		BaseURL:      cfg.ReplicateBaseURL,
		Token:        cfg.ReplicateAPIToken,
		UserAgent:    "decorai-generation-worker",
		PollInterval: cfg.GenerationPollInterval,
	})
	if err != nil {
		return nil, err
	}
	return generation.NewReplicateBackends(client)
}

// NewStorage returns R2 when configured, the local filesystem otherwise.
func NewStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.R2Enabled() {
		return storage.NewR2Storage(ctx, storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		})
	}
	log.Warn().Str("path", cfg.LocalStoragePath).Msg("R2 not configured, storing generated images locally")
	return storage.NewLocalStorage(cfg.LocalStoragePath, cfg.LocalStorageURL)
}

// NewAssetStore wraps st with output normalization.
func NewAssetStore(st storage.Storage) *storage.AssetStore {
	return storage.NewAssetStore(st, imaging.NewNormalizer(imaging.DefaultConfig()))
}

// Worker runs admission and recovery until its context ends.
type Worker struct {
	scheduler     *generation.Scheduler
	processor     *generation.Processor
	recovery      *generation.Recovery
	sweepInterval time.Duration
}

// Deps are the pieces a worker shares with the rest of the process.
type Deps struct {
	Repo      generation.Repository
	Scheduler *generation.Scheduler
	Backends  generation.Backend
	Styles    generation.StyleResolver
	Assets    generation.AssetStore
	Notifier  generation.Notifier
}

// New creates a worker.
func New(cfg *config.Config, deps Deps) *Worker {
	policy := RetryPolicy(cfg)
	interval := cfg.GenerationSweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Worker{
		scheduler: deps.Scheduler,
		processor: generation.NewProcessor(deps.Repo, deps.Backends, deps.Styles, deps.Assets, deps.Notifier, deps.Scheduler, policy),
		recovery: generation.NewRecovery(deps.Repo, deps.Scheduler, deps.Notifier, generation.RecoveryConfig{
			Policy: policy,
			Grace:  cfg.GenerationSweepGrace,
		}),
		sweepInterval: interval,
	}
}

// Run recovers orphaned jobs, then admits entries and sweeps periodically.
// It returns once running jobs have finished after ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.recovery.Recover(ctx); err != nil {
		// Not fatal: the periodic sweep retries.
		log.Error().Err(err).Msg("Startup recovery failed")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.scheduler.Run(ctx, w.processor.Process)
		return nil
	})
	g.Go(func() error {
		w.recovery.Run(ctx, w.sweepInterval)
		return nil
	})
	return g.Wait()
}
