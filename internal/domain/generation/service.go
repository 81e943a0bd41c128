package generation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/decorai/decorai-api/internal/domain/style"
	"github.com/decorai/decorai-api/internal/pkg/logger"
	"github.com/decorai/decorai-api/internal/pkg/queue"
)

// Catalog resolves styles and counts their use. Satisfied by *style.Catalog.
type Catalog interface {
	StyleResolver
	RecordUsage(ctx context.Context, id uuid.UUID)
}

// Dispatcher is the scheduler surface the service needs. Satisfied by *Scheduler.
type Dispatcher interface {
	Enqueuer
	Cancel(ctx context.Context, jobID string) (bool, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Service is the public face of the orchestrator.
type Service struct {
	repo      Repository
	catalog   Catalog
	enhancer  *Enhancer
	scheduler Dispatcher
	notifier  Notifier
}

// NewService creates the orchestrator service. enhancer and notifier may be nil.
func NewService(repo Repository, catalog Catalog, enhancer *Enhancer, scheduler Dispatcher, notifier Notifier) *Service {
	return &Service{
		repo:      repo,
		catalog:   catalog,
		enhancer:  enhancer,
		scheduler: scheduler,
		notifier:  notifier,
	}
}

// SubmitInput is a validated request from the API layer.
type SubmitInput struct {
	UserID          uuid.UUID
	ProjectID       *uuid.UUID
	Mode            string
	InputImageURL   string
	StyleRef        string
	Prompt          string
	NegativePrompt  string
	CreativeFreedom *float64
	EnhancePrompt   bool
}

// SubmitResult is the accepted job and the balance left after reservation.
type SubmitResult struct {
	Job              *Job
	CreditsRemaining int
}

// Submit validates, reserves credits and creates the job in one transaction,
// then schedules it. A scheduling failure fails the job and refunds; the job
// is still returned.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	mode, fields := validateSubmit(in)
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	var resolved *style.Style
	if ref := strings.TrimSpace(in.StyleRef); ref != "" {
		st, err := s.catalog.Resolve(ctx, ref)
		if err != nil {
			if errors.Is(err, style.ErrStyleNotFound) || errors.Is(err, style.ErrStyleInactive) {
				return nil, &ValidationError{Fields: map[string]string{"style_id": "Unknown or inactive style"}}
			}
			return nil, err
		}
		resolved = st
	}

	prompt := strings.TrimSpace(in.Prompt)
	if in.EnhancePrompt && prompt != "" {
		styleName := ""
		if resolved != nil {
			styleName = resolved.Name
		}
		prompt = s.enhancer.Enhance(ctx, prompt, styleName, mode)
	}

	freedom := defaultCreativeFreedom
	if in.CreativeFreedom != nil {
		freedom = *in.CreativeFreedom
	}

	job := &Job{
		ID:              uuid.New(),
		UserID:          in.UserID,
		Mode:            mode,
		InputImageURL:   str(strings.TrimSpace(in.InputImageURL)),
		Prompt:          str(prompt),
		NegativePrompt:  str(strings.TrimSpace(in.NegativePrompt)),
		CreativeFreedom: freedom,
		CreditsCost:     CreditCost(mode, resolved != nil && resolved.IsPremium),
		Priority:        mode.Priority(),
		Status:          StatusQueued,
	}
	if in.ProjectID != nil {
		job.ProjectID = uuid.NullUUID{UUID: *in.ProjectID, Valid: true}
	}
	if resolved != nil {
		job.StyleID = uuid.NullUUID{UUID: resolved.ID, Valid: true}
	}

	reservation, err := s.repo.CreateWithReservation(ctx, job)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithJob(ctx, job.ID.String(), job.UserID.String())
	l := logger.FromContext(ctx)
	l.Info().Str("mode", string(mode)).Int("credits_cost", job.CreditsCost).Msg("Generation job created")

	if resolved != nil {
		s.catalog.RecordUsage(ctx, resolved.ID)
	}

	result := &SubmitResult{Job: job, CreditsRemaining: reservation.Balance}

	err = s.scheduler.Enqueue(ctx, queue.Entry{
		JobID:      job.ID.String(),
		Priority:   job.Priority,
		Attempt:    1,
		EnqueuedAt: job.CreatedAt,
	})
	if err != nil {
		l.Error().Err(err).Msg("Failed to schedule generation job")
		failed, refunded, ferr := s.repo.FailAndRefund(context.WithoutCancel(ctx), job.ID, ReasonSchedulingFailure)
		if ferr != nil {
			// Left queued; the sweep re-enqueues it.
			l.Error().Err(ferr).Msg("Failed to fail unscheduled job")
			return result, nil
		}
		if refunded {
			result.CreditsRemaining += job.CreditsCost
		}
		result.Job = failed
		s.notify(ctx, failed)
		return result, nil
	}

	s.notify(ctx, job)
	return result, nil
}

// validateSubmit checks the request without touching storage.
func validateSubmit(in SubmitInput) (Mode, map[string]string) {
	fields := map[string]string{}

	mode, ok := ParseMode(in.Mode)
	if !ok {
		fields["mode"] = "Unknown generation mode"
		return mode, fields
	}
	if in.UserID == uuid.Nil {
		fields["user_id"] = "This field is required"
	}
	if mode.RequiresImage() && strings.TrimSpace(in.InputImageURL) == "" {
		fields["input_image_url"] = "Input image is required for " + string(mode)
	}
	if mode.RequiresPrompt() && strings.TrimSpace(in.Prompt) == "" {
		fields["prompt"] = "Prompt is required for " + string(mode)
	}
	if in.CreativeFreedom != nil && (*in.CreativeFreedom < 0 || *in.CreativeFreedom > 1) {
		fields["creative_freedom"] = "Value must be between 0 and 1"
	}
	return mode, fields
}

// Get returns a job owned by userID.
func (s *Service) Get(ctx context.Context, userID, jobID uuid.UUID) (*Job, error) {
	return s.repo.GetByIDForUser(ctx, userID, jobID)
}

// List returns a page of the user's jobs, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, filter ListFilter) ([]*Job, int, error) {
	return s.repo.List(ctx, userID, filter.normalized())
}

// Cancel moves a queued or processing job to cancelled and refunds it. A
// running attempt is signalled; its late result is discarded.
func (s *Service) Cancel(ctx context.Context, userID, jobID uuid.UUID) (*Job, error) {
	current, err := s.repo.GetByIDForUser(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, ErrNotCancellable
	}

	job, refunded, err := s.repo.CancelAndRefund(ctx, userID, jobID)
	if err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return nil, ErrNotCancellable
		}
		return nil, err
	}

	ctx = logger.WithJob(ctx, job.ID.String(), job.UserID.String())
	if _, err := s.scheduler.Cancel(ctx, job.ID.String()); err != nil {
		// The entry is harmless now: admission conflicts on the cancelled status.
		logger.FromContext(ctx).Warn().Err(err).Msg("Failed to drop queue entry of cancelled job")
	}
	logger.FromContext(ctx).Info().Bool("refunded", refunded).Msg("Generation job cancelled")

	s.notify(ctx, job)
	return job, nil
}

// QueueStats holds the queue dashboard counters.
type QueueStats struct {
	Waiting   int         `json:"waiting"`
	Active    int         `json:"active"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Cancelled int         `json:"cancelled"`
	Queue     queue.Stats `json:"queue"`
	At        time.Time   `json:"at"`
}

// QueueStats reports job counts by status and the queue depth.
func (s *Service) QueueStats(ctx context.Context) (*QueueStats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := s.scheduler.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Waiting:   counts[StatusQueued],
		Active:    counts[StatusProcessing],
		Completed: counts[StatusCompleted],
		Failed:    counts[StatusFailed],
		Cancelled: counts[StatusCancelled],
		Queue:     depth,
		At:        time.Now().UTC(),
	}, nil
}

func (s *Service) notify(ctx context.Context, job *Job) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyProgress(ctx, job.UserID, job.ID, string(job.Status), job.Progress())
}
