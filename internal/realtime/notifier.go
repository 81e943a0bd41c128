package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventGenerationProgress is the websocket event type for job transitions.
const EventGenerationProgress = "generation:progress"

// ProgressEvent is pushed to clients. It is a hint; clients re-fetch the job for ground truth.
type ProgressEvent struct {
	Type     string    `json:"type"`
	JobID    uuid.UUID `json:"job_id"`
	Status   string    `json:"status"`
	Progress int       `json:"progress"`
}

// Publisher is the part of Hub the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, event ProgressEvent) error
}

// Notifier publishes job progress. Delivery failures are logged and dropped.
type Notifier struct {
	publisher Publisher
	timeout   time.Duration
}

// NewNotifier creates a progress notifier on top of a hub.
func NewNotifier(publisher Publisher) *Notifier {
	return &Notifier{publisher: publisher, timeout: 2 * time.Second}
}

// NotifyProgress sends one progress event for jobID to userID.
func (n *Notifier) NotifyProgress(ctx context.Context, userID, jobID uuid.UUID, status string, progress int) {
	if n == nil || n.publisher == nil {
		return
	}

	// detached so a cancelled job context still gets its final event out
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	event := ProgressEvent{
		Type:     EventGenerationProgress,
		JobID:    jobID,
		Status:   status,
		Progress: progress,
	}
	if err := n.publisher.Publish(pubCtx, userID, event); err != nil {
		log.Warn().Err(err).
			Str("job_id", jobID.String()).
			Str("status", status).
			Msg("Failed to publish generation progress")
	}
}
