package generation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/decorai/decorai-api/internal/pkg/queue"
)

const sweepBatch = 500

// Tracker is the scheduler surface recovery needs. Satisfied by *Scheduler.
type Tracker interface {
	Enqueuer
	Contains(ctx context.Context, jobID string) (bool, error)
}

// RecoveryConfig sets when a processing job counts as abandoned.
type RecoveryConfig struct {
	Policy RetryPolicy
	Grace  time.Duration
}

// SweepReport counts what one sweep changed.
type SweepReport struct {
	Requeued   int `json:"requeued"`
	Readmitted int `json:"readmitted"`
	TimedOut   int `json:"timed_out"`
	Exhausted  int `json:"exhausted"`
	Refunded   int `json:"refunded"`
}

// Recovery re-admits orphaned jobs and fails ones that can no longer finish,
// so no reservation is stranded by a crashed worker.
type Recovery struct {
	repo     Repository
	tracker  Tracker
	notifier Notifier
	cfg      RecoveryConfig
	now      func() time.Time
}

// NewRecovery creates the recovery sweeper. notifier may be nil.
func NewRecovery(repo Repository, tracker Tracker, notifier Notifier, cfg RecoveryConfig) *Recovery {
	return &Recovery{repo: repo, tracker: tracker, notifier: notifier, cfg: cfg, now: time.Now}
}

// Recover runs one sweep at worker start.
func (r *Recovery) Recover(ctx context.Context) (SweepReport, error) {
	report, err := r.Sweep(ctx)
	if err != nil {
		return report, err
	}
	log.Info().
		Int("requeued", report.Requeued).
		Int("readmitted", report.Readmitted).
		Int("timed_out", report.TimedOut).
		Int("exhausted", report.Exhausted).
		Msg("Generation recovery finished")
	return report, nil
}

// Run sweeps every interval until ctx ends.
func (r *Recovery) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Generation sweep failed")
				continue
			}
			if report != (SweepReport{}) {
				log.Info().Interface("report", report).Msg("Generation sweep changed jobs")
			}
		}
	}
}

// Sweep re-enqueues queued jobs that lost their entry and handles stale
// processing jobs: past the job deadline they fail with "timeout", otherwise
// they get a fresh attempt while budget remains.
func (r *Recovery) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	queued, err := r.repo.ListByStatus(ctx, StatusQueued, sweepBatch)
	if err != nil {
		return report, err
	}
	for _, job := range queued {
		present, err := r.tracker.Contains(ctx, job.ID.String())
		if err != nil {
			return report, err
		}
		if present {
			continue
		}
		if err := r.tracker.Enqueue(ctx, queue.Entry{
			JobID:      job.ID.String(),
			Priority:   job.Priority,
			Attempt:    job.AttemptCount + 1,
			EnqueuedAt: job.CreatedAt,
		}); err != nil {
			return report, err
		}
		report.Requeued++
	}

	processing, err := r.repo.ListByStatus(ctx, StatusProcessing, sweepBatch)
	if err != nil {
		return report, err
	}
	now := r.now()
	staleAfter := r.cfg.Policy.AttemptTimeout + r.cfg.Grace
	for _, job := range processing {
		if r.cfg.Policy.deadlinePassed(job, now) {
			if r.fail(ctx, job, ReasonTimeout, &report) {
				report.TimedOut++
			}
			continue
		}

		if job.HeartbeatAt != nil && now.Sub(*job.HeartbeatAt) < staleAfter {
			continue
		}
		present, err := r.tracker.Contains(ctx, job.ID.String())
		if err != nil {
			return report, err
		}
		if present {
			continue
		}

		if job.AttemptCount >= r.cfg.Policy.MaxAttempts {
			if r.fail(ctx, job, ReasonWorkerLost, &report) {
				report.Exhausted++
			}
			continue
		}

		if err := r.repo.Heartbeat(ctx, job.ID); err != nil {
			continue
		}
		if err := r.tracker.Enqueue(ctx, queue.Entry{
			JobID:      job.ID.String(),
			Priority:   job.Priority,
			Attempt:    job.AttemptCount + 1,
			EnqueuedAt: now,
		}); err != nil {
			return report, err
		}
		log.Warn().Str("job_id", job.ID.String()).Int("attempt", job.AttemptCount+1).Msg("Re-admitting abandoned generation")
		report.Readmitted++
	}

	return report, nil
}

func (r *Recovery) fail(ctx context.Context, job *Job, reason string, report *SweepReport) bool {
	failed, refunded, err := r.repo.FailAndRefund(ctx, job.ID, reason)
	if err != nil {
		if !errors.Is(err, ErrTransitionConflict) {
			log.Error().Err(err).Str("job_id", job.ID.String()).Msg("Sweep failed to fail generation")
		}
		return false
	}
	if refunded {
		report.Refunded++
	}
	log.Warn().Str("job_id", job.ID.String()).Str("reason", reason).Bool("refunded", refunded).Msg("Sweep failed generation")
	if r.notifier != nil {
		r.notifier.NotifyProgress(ctx, failed.UserID, failed.ID, string(StatusFailed), ProgressDone)
	}
	return true
}
