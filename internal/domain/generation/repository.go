package generation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/decorai/decorai-api/internal/domain/credit"
	"github.com/decorai/decorai-api/internal/pkg/database"
)

const queryTimeout = 5 * time.Second

// Repository persists jobs. Every state change is a compare-and-set on the
// current status; a mismatch returns ErrTransitionConflict. Transitions that
// end in failed or cancelled refund the reservation in the same transaction.
type Repository interface {
	// CreateWithReservation reserves job.CreditsCost and inserts the job as
	// queued atomically. On success job.ReservationRef is set.
	CreateWithReservation(ctx context.Context, job *Job) (*credit.Reservation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	GetByIDForUser(ctx context.Context, userID, id uuid.UUID) (*Job, error)
	List(ctx context.Context, userID uuid.UUID, filter ListFilter) ([]*Job, int, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error)
	CountByStatus(ctx context.Context) (StatusCounts, error)

	// BeginAttempt moves a queued or processing job to processing with
	// attempt_count = attempt. It conflicts unless attempt is newer than the
	// recorded count, so a stale queue entry can never run twice.
	BeginAttempt(ctx context.Context, id uuid.UUID, attempt int) (*Job, error)
	Heartbeat(ctx context.Context, id uuid.UUID) error
	SetExternalRef(ctx context.Context, id uuid.UUID, ref string) error
	Complete(ctx context.Context, id uuid.UUID, c Completion) (*Job, error)
	FailAndRefund(ctx context.Context, id uuid.UUID, reason string) (*Job, bool, error)
	CancelAndRefund(ctx context.Context, userID, id uuid.UUID) (*Job, bool, error)
}

// TxLedger is the part of the credit service that joins a job transaction.
type TxLedger interface {
	ReserveTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, meta credit.Meta) (*credit.Reservation, error)
	RefundTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, deductionRef string, meta credit.Meta) (bool, error)
}

type repository struct {
	db     *sqlx.DB
	ledger TxLedger
}

// NewRepository creates the Postgres job repository.
func NewRepository(db *sqlx.DB, ledger TxLedger) Repository {
	return &repository{db: db, ledger: ledger}
}

const jobColumns = `
	id, user_id, project_id, mode, input_image_url, style_id, prompt, negative_prompt,
	creative_freedom, credits_cost, reservation_ref, priority, status, output_image_url,
	error_reason, external_job_ref, attempt_count, started_at, completed_at, processing_ms,
	heartbeat_at, generation_params, created_at, updated_at`

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func (r *repository) CreateWithReservation(ctx context.Context, job *Job) (*credit.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var reservation *credit.Reservation
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		reservation, err = r.ledger.ReserveTx(ctx, tx, job.UserID, job.CreditsCost, credit.Meta{
			RelatedEntityType: "generation_job",
			RelatedEntityID:   job.ID.String(),
			Description:       fmt.Sprintf("Generation (%s)", job.Mode),
		})
		if err != nil {
			return err
		}
		job.ReservationRef = reservation.Reference

		return tx.QueryRowxContext(ctx, `
			INSERT INTO generation_jobs (
				id, user_id, project_id, mode, input_image_url, style_id, prompt, negative_prompt,
				creative_freedom, credits_cost, reservation_ref, priority, status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING `+jobColumns,
			job.ID, job.UserID, job.ProjectID, job.Mode, job.InputImageURL, job.StyleID, job.Prompt,
			job.NegativePrompt, job.CreativeFreedom, job.CreditsCost, job.ReservationRef, job.Priority,
			StatusQueued,
		).StructScan(job)
	})
	if err != nil {
		job.ReservationRef = ""
		if errors.Is(err, credit.ErrInsufficientCredits) || errors.Is(err, credit.ErrLedgerUnavailable) ||
			errors.Is(err, credit.ErrUserNotFound) || errors.Is(err, credit.ErrInvalidAmount) {
			return nil, err
		}
		return nil, persistence("create job", err)
	}
	return reservation, nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, persistence("get job", err)
	}
	return &job, nil
}

func (r *repository) GetByIDForUser(ctx context.Context, userID, id uuid.UUID) (*Job, error) {
	var job Job
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, persistence("get job", err)
	}
	return &job, nil
}

func (r *repository) List(ctx context.Context, userID uuid.UUID, filter ListFilter) ([]*Job, int, error) {
	where := []string{"user_id = $1"}
	args := []interface{}{userID}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Mode != nil {
		args = append(args, *filter.Mode)
		where = append(where, fmt.Sprintf("mode = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM generation_jobs WHERE `+cond, args...); err != nil {
		return nil, 0, persistence("count jobs", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM generation_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, cond, len(args)-1, len(args))

	jobs := make([]*Job, 0)
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, 0, persistence("list jobs", err)
	}
	return jobs, total, nil
}

func (r *repository) ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error) {
	jobs := make([]*Job, 0)
	err := r.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, persistence("list jobs by status", err)
	}
	return jobs, nil
}

func (r *repository) CountByStatus(ctx context.Context) (StatusCounts, error) {
	var rows []struct {
		Status Status `db:"status"`
		Count  int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM generation_jobs GROUP BY status`); err != nil {
		return nil, persistence("count jobs by status", err)
	}
	counts := StatusCounts{}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *repository) BeginAttempt(ctx context.Context, id uuid.UUID, attempt int) (*Job, error) {
	var job Job
	err := r.db.QueryRowxContext(ctx, `
		UPDATE generation_jobs
		SET status = 'processing',
		    attempt_count = $2,
		    started_at = COALESCE(started_at, NOW()),
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND status IN ('queued', 'processing')
		  AND attempt_count < $2
		RETURNING `+jobColumns, id, attempt).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.conflictOrMissing(ctx, id, "begin attempt")
		}
		return nil, persistence("begin attempt", err)
	}
	return &job, nil
}

func (r *repository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE generation_jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id)
	return r.expectOne(ctx, id, "heartbeat", res, err)
}

func (r *repository) SetExternalRef(ctx context.Context, id uuid.UUID, ref string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE generation_jobs SET external_job_ref = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, ref)
	return r.expectOne(ctx, id, "set external ref", res, err)
}

func (r *repository) Complete(ctx context.Context, id uuid.UUID, c Completion) (*Job, error) {
	if c.OutputURL == "" {
		return nil, fmt.Errorf("%w: completion without output", ErrPersistence)
	}
	params, err := json.Marshal(c.Params)
	if err != nil {
		return nil, persistence("encode params", err)
	}

	var job Job
	err = r.db.QueryRowxContext(ctx, `
		UPDATE generation_jobs
		SET status = 'completed',
		    output_image_url = $2,
		    external_job_ref = COALESCE($3, external_job_ref),
		    generation_params = $4,
		    error_reason = NULL,
		    completed_at = NOW(),
		    processing_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::BIGINT,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns, id, c.OutputURL, str(c.ExternalRef), string(params)).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.conflictOrMissing(ctx, id, "complete")
		}
		return nil, persistence("complete", err)
	}
	return &job, nil
}

func (r *repository) FailAndRefund(ctx context.Context, id uuid.UUID, reason string) (*Job, bool, error) {
	return r.terminateAndRefund(ctx, id, uuid.Nil, StatusFailed, reason, []Status{StatusQueued, StatusProcessing})
}

func (r *repository) CancelAndRefund(ctx context.Context, userID, id uuid.UUID) (*Job, bool, error) {
	return r.terminateAndRefund(ctx, id, userID, StatusCancelled, "cancelled by user", []Status{StatusQueued, StatusProcessing})
}

// terminateAndRefund applies the terminal transition and the refund in one
// transaction so readers never see a failed job still holding credits.
func (r *repository) terminateAndRefund(ctx context.Context, id, userID uuid.UUID, to Status, reason string, from []Status) (*Job, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		job      Job
		refunded bool
	)
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		fromStatuses := make([]string, len(from))
		for i, s := range from {
			fromStatuses[i] = string(s)
		}
		err := tx.QueryRowxContext(ctx, `
			UPDATE generation_jobs
			SET status = $2,
			    error_reason = $3,
			    completed_at = NOW(),
			    processing_ms = CASE WHEN started_at IS NULL THEN NULL
			                         ELSE (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::BIGINT END,
			    updated_at = NOW()
			WHERE id = $1
			  AND status = ANY($4)
			  AND ($5::uuid IS NULL OR user_id = $5)
			RETURNING `+jobColumns, id, to, reason, pq.Array(fromStatuses), nullUUID(userID)).StructScan(&job)
		if err != nil {
			return err
		}

		refunded, err = r.ledger.RefundTx(ctx, tx, job.UserID, job.CreditsCost, job.ReservationRef, credit.Meta{
			RelatedEntityType: "generation_job",
			RelatedEntityID:   job.ID.String(),
			Description:       fmt.Sprintf("Refund for %s generation (%s)", job.Mode, to),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, r.conflictOrMissingFor(ctx, id, userID, string(to))
		}
		if errors.Is(err, credit.ErrLedgerUnavailable) {
			return nil, false, err
		}
		return nil, false, persistence(string(to), err)
	}
	return &job, refunded, nil
}

func (r *repository) expectOne(ctx context.Context, id uuid.UUID, op string, res sql.Result, err error) error {
	if err != nil {
		return persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistence(op, err)
	}
	if n == 0 {
		return r.conflictOrMissing(ctx, id, op)
	}
	return nil
}

// conflictOrMissing tells a missing job from one in the wrong state.
func (r *repository) conflictOrMissing(ctx context.Context, id uuid.UUID, op string) error {
	return r.conflictOrMissingFor(ctx, id, uuid.Nil, op)
}

// conflictOrMissingFor treats a job owned by someone other than userID as missing.
func (r *repository) conflictOrMissingFor(ctx context.Context, id, userID uuid.UUID, op string) error {
	var status Status
	err := r.db.GetContext(ctx, &status, `
		SELECT status FROM generation_jobs WHERE id = $1 AND ($2::uuid IS NULL OR user_id = $2)
	`, id, nullUUID(userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return persistence(op, err)
	}
	return fmt.Errorf("%w: %s on %s job", ErrTransitionConflict, op, status)
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
