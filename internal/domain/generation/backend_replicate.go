package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/decorai/decorai-api/internal/pkg/replicate"
	"github.com/decorai/decorai-api/internal/pkg/storage"
)

// Predictor is the part of *replicate.Client a backend uses.
type Predictor interface {
	CreatePrediction(ctx context.Context, version string, input map[string]interface{}) (*replicate.Prediction, error)
	Wait(ctx context.Context, p *replicate.Prediction) (*replicate.Prediction, error)
	CancelPrediction(ctx context.Context, id string) error
}

type replicateBackend struct {
	client  Predictor
	model   string
	version string
	input   func(Params) map[string]interface{}
}

// NewReplicateBackends registers one Replicate backed implementation per mode.
func NewReplicateBackends(client Predictor) (*Backends, error) {
	design := func(input func(Params) map[string]interface{}) Backend {
		return &replicateBackend{client: client, model: ModelSDXLControlNet, version: VersionSDXLControlNet, input: input}
	}
	return NewBackends(map[Mode]Backend{
		ModeVision3D:       design(designInput),
		ModeRedesign2D:     design(designInput),
		ModeVirtualStaging: design(stagingInput),
		ModeFreestyle:      design(freestyleInput),
		ModeColorMaterial:  design(materialInput),
		ModeObjectRemoval: &replicateBackend{
			client:  client,
			model:   ModelSDInpainting,
			version: VersionSDInpainting,
			input:   removalInput,
		},
	})
}

func (b *replicateBackend) Invoke(ctx context.Context, p Params) Outcome {
	pred, err := b.client.CreatePrediction(ctx, b.version, b.input(p))
	if err != nil {
		return classifyError("", err)
	}

	if !pred.Status.Terminal() {
		done, err := b.client.Wait(ctx, pred)
		if err != nil {
			b.cancelRemote(pred.ID)
			return classifyError(pred.ID, err)
		}
		pred = done
	}

	return b.outcome(pred)
}

func (b *replicateBackend) outcome(pred *replicate.Prediction) Outcome {
	run := RunParams{Model: b.model, Version: b.version}

	switch pred.Status {
	case replicate.StatusSucceeded:
		outputs := pred.Outputs()
		if len(outputs) == 0 {
			return retryable(pred.ID, "prediction succeeded without output")
		}
		out := outputs[0]
		if storage.IsStableURL(out) {
			return success(out, nil, pred.ID, run)
		}
		if strings.HasPrefix(out, "data:") {
			data, err := storage.DecodeDataURI(out)
			if err != nil {
				return retryable(pred.ID, "unreadable output: "+err.Error())
			}
			return success("", data, pred.ID, run)
		}
		return retryable(pred.ID, "unrecognized output reference")

	case replicate.StatusFailed:
		msg := pred.ErrorMessage()
		if msg == "" {
			msg = "prediction failed"
		}
		return fatal(pred.ID, fmt.Sprintf("%s: %s", ErrGenerationRejected, msg))

	case replicate.StatusCanceled:
		return fatal(pred.ID, fmt.Sprintf("%s: prediction canceled", ErrGenerationRejected))

	default:
		return retryable(pred.ID, fmt.Sprintf("prediction left in status %q", pred.Status))
	}
}

// cancelRemote stops a prediction we are no longer waiting for. Best effort.
func (b *replicateBackend) cancelRemote(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.CancelPrediction(ctx, id); err != nil {
		log.Debug().Err(err).Str("prediction_id", id).Msg("Failed to cancel remote prediction")
	}
}

// classifyError maps client errors onto the retry policy: timeouts, network
// failures, unreadable bodies, 429 and 5xx are transient; other 4xx are fatal.
func classifyError(ref string, err error) Outcome {
	var apiErr *replicate.APIError
	switch {
	case errors.Is(err, replicate.ErrTimeout):
		return retryable(ref, ReasonTimeout)
	case errors.Is(err, replicate.ErrNetwork), errors.Is(err, replicate.ErrMalformedResponse):
		return retryable(ref, err.Error())
	case errors.As(err, &apiErr):
		if apiErr.Retryable() {
			return retryable(ref, fmt.Sprintf("backend unavailable (status %d)", apiErr.StatusCode))
		}
		return fatal(ref, fmt.Sprintf("%s: backend refused request (status %d): %s", ErrGenerationRejected, apiErr.StatusCode, apiErr.Body))
	case errors.Is(err, context.Canceled):
		return retryable(ref, "invocation cancelled")
	default:
		return retryable(ref, err.Error())
	}
}
