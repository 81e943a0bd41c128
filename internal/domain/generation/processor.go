package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decorai/decorai-api/internal/domain/style"
	"github.com/decorai/decorai-api/internal/pkg/logger"
	"github.com/decorai/decorai-api/internal/pkg/queue"
)

// AssetStore persists raw generator output. Satisfied by *storage.AssetStore.
type AssetStore interface {
	PutGenerated(ctx context.Context, jobID string, data []byte) (string, error)
}

// Notifier receives progress events. Satisfied by *realtime.Notifier.
type Notifier interface {
	NotifyProgress(ctx context.Context, userID, jobID uuid.UUID, status string, progress int)
}

// StyleResolver looks up a style by id or slug. Satisfied by *style.Catalog.
type StyleResolver interface {
	Resolve(ctx context.Context, ref string) (*style.Style, error)
}

// Enqueuer puts entries back on the queue. Satisfied by *Scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, e queue.Entry) error
}

// RetryPolicy bounds attempts and spacing.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffFactor  float64
	BackoffCap     time.Duration
	AttemptTimeout time.Duration
	JobDeadline    time.Duration
}

// DefaultRetryPolicy is 3 attempts, 2s doubling up to 30s, 60s per attempt
// and 5m per job.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BackoffBase:    2 * time.Second,
		BackoffFactor:  2,
		BackoffCap:     30 * time.Second,
		AttemptTimeout: 60 * time.Second,
		JobDeadline:    5 * time.Minute,
	}
}

// Backoff is the delay before attempt+1 after attempt failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}

func (p RetryPolicy) deadlinePassed(job *Job, now time.Time) bool {
	return job.StartedAt != nil && now.Sub(*job.StartedAt) >= p.JobDeadline
}

// Processor executes admitted entries: one backend attempt per entry, then
// completion, a delayed retry entry, or failure with refund.
type Processor struct {
	repo     Repository
	backends Backend
	styles   StyleResolver
	assets   AssetStore
	notifier Notifier
	requeue  Enqueuer
	policy   RetryPolicy
	now      func() time.Time
}

// NewProcessor creates a processor. notifier may be nil.
func NewProcessor(repo Repository, backends Backend, styles StyleResolver, assets AssetStore, notifier Notifier, requeue Enqueuer, policy RetryPolicy) *Processor {
	return &Processor{
		repo:     repo,
		backends: backends,
		styles:   styles,
		assets:   assets,
		notifier: notifier,
		requeue:  requeue,
		policy:   policy,
		now:      time.Now,
	}
}

// Process is the scheduler's JobHandler.
func (p *Processor) Process(ctx context.Context, entry queue.Entry) {
	jobID, err := uuid.Parse(entry.JobID)
	if err != nil {
		logger.FromContext(ctx).Error().Str("job_id", entry.JobID).Msg("Dropping queue entry with invalid job id")
		return
	}

	job, err := p.repo.BeginAttempt(ctx, jobID, entry.Attempt)
	if err != nil {
		// Cancelled or finished jobs and stale entries land here.
		logger.FromContext(ctx).Info().Err(err).Str("job_id", entry.JobID).Int("attempt", entry.Attempt).Msg("Skipping queue entry")
		return
	}

	ctx = logger.WithJob(ctx, job.ID.String(), job.UserID.String())
	l := logger.FromContext(ctx).With().Str("mode", string(job.Mode)).Int("attempt", entry.Attempt).Logger()
	l.Info().Msg("Generation attempt started")

	if entry.Attempt == 1 {
		p.notify(ctx, job, StatusProcessing, ProgressAdmitted)
	}

	if p.policy.deadlinePassed(job, p.now()) {
		p.fail(ctx, &l, job, ReasonTimeout)
		return
	}

	p.notify(ctx, job, StatusProcessing, ProgressInvoking)

	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptBudget(job))
	outcome := p.backends.Invoke(attemptCtx, p.params(ctx, &l, job))
	cancel()

	if ctx.Err() != nil {
		// User cancellation already refunded; on shutdown the sweep re-admits.
		l.Info().Err(ctx.Err()).Msg("Generation attempt abandoned")
		return
	}

	if outcome.ExternalRef != "" {
		if err := p.repo.SetExternalRef(ctx, job.ID, outcome.ExternalRef); err != nil {
			l.Debug().Err(err).Msg("Failed to record external job ref")
		}
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		p.complete(ctx, &l, job, entry, outcome)
	case OutcomeFatal:
		p.fail(ctx, &l, job, outcome.Reason)
	default:
		p.retry(ctx, &l, job, entry, outcome.Reason)
	}
}

// attemptBudget is the attempt timeout, shortened to what remains of the job deadline.
func (p *Processor) attemptBudget(job *Job) time.Duration {
	budget := p.policy.AttemptTimeout
	if job.StartedAt != nil {
		if remaining := p.policy.JobDeadline - p.now().Sub(*job.StartedAt); remaining < budget {
			budget = remaining
		}
	}
	if budget <= 0 {
		budget = time.Millisecond
	}
	return budget
}

func (p *Processor) params(ctx context.Context, l *zerolog.Logger, job *Job) Params {
	params := Params{
		JobID:           job.ID,
		Mode:            job.Mode,
		InputImageURL:   deref(job.InputImageURL),
		Prompt:          deref(job.Prompt),
		NegativePrompt:  deref(job.NegativePrompt),
		CreativeFreedom: job.CreativeFreedom,
	}
	if job.StyleID.Valid && p.styles != nil {
		// A style retired after submission still lets the job run without keywords.
		s, err := p.styles.Resolve(ctx, job.StyleID.UUID.String())
		if err != nil {
			l.Warn().Err(err).Str("style_id", job.StyleID.UUID.String()).Msg("Style unavailable, generating without keywords")
		} else {
			params.StyleName = s.Name
			params.StyleKeywords = s.PromptKeywords()
		}
	}
	return params
}

func (p *Processor) complete(ctx context.Context, l *zerolog.Logger, job *Job, entry queue.Entry, outcome Outcome) {
	p.notify(ctx, job, StatusProcessing, ProgressGenerated)

	url := outcome.OutputURL
	if url == "" {
		stored, err := p.assets.PutGenerated(ctx, job.ID.String(), outcome.OutputData)
		if err != nil {
			p.retry(ctx, l, job, entry, fmt.Sprintf("%s: store output: %v", ErrPersistence, err))
			return
		}
		url = stored
	}
	p.notify(ctx, job, StatusProcessing, ProgressStored)
	p.notify(ctx, job, StatusProcessing, ProgressFinalizing)

	done, err := p.repo.Complete(ctx, job.ID, Completion{
		OutputURL:   url,
		ExternalRef: outcome.ExternalRef,
		Params:      outcome.Run,
	})
	if err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			l.Warn().Err(err).Msg("Discarding late generation result")
			return
		}
		l.Error().Err(err).Msg("Failed to persist completion")
		p.retry(ctx, l, job, entry, err.Error())
		return
	}

	l.Info().Str("output_url", url).Msg("Generation completed")
	p.notify(ctx, done, StatusCompleted, ProgressDone)
}

func (p *Processor) retry(ctx context.Context, l *zerolog.Logger, job *Job, entry queue.Entry, reason string) {
	now := p.now()
	if entry.Attempt >= p.policy.MaxAttempts {
		p.fail(ctx, l, job, reason)
		return
	}
	if p.policy.deadlinePassed(job, now) {
		p.fail(ctx, l, job, ReasonTimeout)
		return
	}

	delay := p.policy.Backoff(entry.Attempt)
	if err := p.repo.Heartbeat(ctx, job.ID); err != nil {
		l.Warn().Err(err).Msg("Job changed state before retry")
		return
	}

	next := queue.Entry{
		JobID:      job.ID.String(),
		Priority:   job.Priority,
		Attempt:    entry.Attempt + 1,
		EnqueuedAt: now,
		NotBefore:  now.Add(delay),
	}
	if err := p.requeue.Enqueue(ctx, next); err != nil {
		l.Error().Err(err).Msg("Failed to requeue generation")
		p.fail(ctx, l, job, ReasonSchedulingFailure)
		return
	}
	l.Warn().Str("reason", reason).Dur("backoff", delay).Msg("Generation attempt failed, retrying")
}

func (p *Processor) fail(ctx context.Context, l *zerolog.Logger, job *Job, reason string) {
	failed, refunded, err := p.repo.FailAndRefund(context.WithoutCancel(ctx), job.ID, reason)
	if err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			l.Warn().Err(err).Msg("Job already terminal, not failing")
			return
		}
		// Still processing; the sweep retries the refund.
		l.Error().Err(err).Str("reason", reason).Msg("Failed to fail generation")
		return
	}
	l.Warn().Str("reason", reason).Bool("refunded", refunded).Msg("Generation failed")
	p.notify(ctx, failed, StatusFailed, ProgressDone)
}

func (p *Processor) notify(ctx context.Context, job *Job, status Status, progress int) {
	if p.notifier == nil {
		return
	}
	p.notifier.NotifyProgress(ctx, job.UserID, job.ID, string(status), progress)
}
