package generation

import (
	"time"

	"github.com/google/uuid"
)

// SubmitRequest is the body of POST /generations.
type SubmitRequest struct {
	ProjectID       string   `json:"project_id" validate:"omitempty,uuid"`
	Mode            string   `json:"mode" validate:"required,generation_mode"`
	InputImageURL   string   `json:"input_image_url" validate:"omitempty,image_ref,max=20971520"`
	StyleID         string   `json:"style_id" validate:"omitempty,max=128"`
	Prompt          string   `json:"prompt" validate:"max=2000"`
	NegativePrompt  string   `json:"negative_prompt" validate:"max=1000"`
	CreativeFreedom *float64 `json:"creative_freedom" validate:"omitempty,gte=0,lte=1"`
	EnhancePrompt   bool     `json:"enhance_prompt"`
}

// SubmitResponse is returned with 202.
type SubmitResponse struct {
	JobID            uuid.UUID `json:"job_id"`
	Status           Status    `json:"status"`
	CreditsCost      int       `json:"credits_cost"`
	CreditsRemaining int       `json:"credits_remaining"`
}

// JobResponse is the client view of a job.
type JobResponse struct {
	ID              uuid.UUID  `json:"id"`
	ProjectID       *uuid.UUID `json:"project_id,omitempty"`
	Mode            Mode       `json:"mode"`
	Status          Status     `json:"status"`
	Progress        int        `json:"progress"`
	InputImageURL   *string    `json:"input_image_url,omitempty"`
	OutputImageURL  *string    `json:"output_image_url,omitempty"`
	StyleID         *uuid.UUID `json:"style_id,omitempty"`
	Prompt          *string    `json:"prompt,omitempty"`
	NegativePrompt  *string    `json:"negative_prompt,omitempty"`
	CreativeFreedom float64    `json:"creative_freedom"`
	CreditsCost     int        `json:"credits_cost"`
	ErrorReason     *string    `json:"error_reason,omitempty"`
	AttemptCount    int        `json:"attempt_count"`
	ProcessingMS    *int64     `json:"processing_time_ms,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// JobResponseFromEntity converts a job for output.
func JobResponseFromEntity(j *Job) JobResponse {
	resp := JobResponse{
		ID:              j.ID,
		Mode:            j.Mode,
		Status:          j.Status,
		Progress:        j.Progress(),
		InputImageURL:   j.InputImageURL,
		OutputImageURL:  j.OutputImageURL,
		Prompt:          j.Prompt,
		NegativePrompt:  j.NegativePrompt,
		CreativeFreedom: j.CreativeFreedom,
		CreditsCost:     j.CreditsCost,
		ErrorReason:     j.ErrorReason,
		AttemptCount:    j.AttemptCount,
		ProcessingMS:    j.ProcessingMS,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		CreatedAt:       j.CreatedAt,
	}
	if j.ProjectID.Valid {
		id := j.ProjectID.UUID
		resp.ProjectID = &id
	}
	if j.StyleID.Valid {
		id := j.StyleID.UUID
		resp.StyleID = &id
	}
	return resp
}
