package generation

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress percentages pushed to clients.
const (
	ProgressQueued     = 0
	ProgressAdmitted   = 10
	ProgressInvoking   = 20
	ProgressGenerated  = 60
	ProgressStored     = 80
	ProgressFinalizing = 90
	ProgressDone       = 100
)

// Error reasons recorded on failed jobs.
const (
	ReasonTimeout           = "timeout"
	ReasonSchedulingFailure = "scheduling failure"
	ReasonWorkerLost        = "worker lost"
)

// Job is a generation request and its outcome.
type Job struct {
	ID              uuid.UUID          `db:"id" json:"id"`
	UserID          uuid.UUID          `db:"user_id" json:"user_id"`
	ProjectID       uuid.NullUUID      `db:"project_id" json:"project_id"`
	Mode            Mode               `db:"mode" json:"mode"`
	InputImageURL   *string            `db:"input_image_url" json:"input_image_url,omitempty"`
	StyleID         uuid.NullUUID      `db:"style_id" json:"style_id"`
	Prompt          *string            `db:"prompt" json:"prompt,omitempty"`
	NegativePrompt  *string            `db:"negative_prompt" json:"negative_prompt,omitempty"`
	CreativeFreedom float64            `db:"creative_freedom" json:"creative_freedom"`
	CreditsCost     int                `db:"credits_cost" json:"credits_cost"`
	ReservationRef  string             `db:"reservation_ref" json:"-"`
	Priority        int                `db:"priority" json:"-"`
	Status          Status             `db:"status" json:"status"`
	OutputImageURL  *string            `db:"output_image_url" json:"output_image_url,omitempty"`
	ErrorReason     *string            `db:"error_reason" json:"error_reason,omitempty"`
	ExternalJobRef  *string            `db:"external_job_ref" json:"-"`
	AttemptCount    int                `db:"attempt_count" json:"attempt_count"`
	StartedAt       *time.Time         `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
	ProcessingMS    *int64             `db:"processing_ms" json:"processing_ms,omitempty"`
	HeartbeatAt     *time.Time         `db:"heartbeat_at" json:"-"`
	Params          types.NullJSONText `db:"generation_params" json:"generation_params"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
}

// Progress maps the persisted state to a percentage for clients that
// reconnect and missed the live events.
func (j *Job) Progress() int {
	switch j.Status {
	case StatusQueued:
		return ProgressQueued
	case StatusProcessing:
		return ProgressInvoking
	default:
		return ProgressDone
	}
}

// RunParams records which remote model served a job.
type RunParams struct {
	Model   string `json:"model"`
	Version string `json:"version"`
}

// Completion is what a successful attempt writes.
type Completion struct {
	OutputURL   string
	ExternalRef string
	Params      RunParams
}

// ListFilter narrows a user's job listing.
type ListFilter struct {
	Status *Status
	Mode   *Mode
	Limit  int
	Offset int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// StatusCounts is the number of jobs per status.
type StatusCounts map[Status]int

func str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
