package generation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// OutcomeKind classifies one backend invocation.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeRetryable OutcomeKind = "retryable"
	OutcomeFatal     OutcomeKind = "fatal"
)

// Params is the mode-independent input to a backend.
type Params struct {
	JobID           uuid.UUID
	Mode            Mode
	InputImageURL   string
	StyleName       string
	StyleKeywords   string
	Prompt          string
	NegativePrompt  string
	CreativeFreedom float64
}

// Outcome is the normalized result of one invocation. A success carries
// either OutputURL (hosted elsewhere) or OutputData (must be stored).
type Outcome struct {
	Kind        OutcomeKind
	OutputURL   string
	OutputData  []byte
	ExternalRef string
	Reason      string
	Run         RunParams
}

func success(url string, data []byte, ref string, run RunParams) Outcome {
	return Outcome{Kind: OutcomeSuccess, OutputURL: url, OutputData: data, ExternalRef: ref, Run: run}
}

func retryable(ref, reason string) Outcome {
	return Outcome{Kind: OutcomeRetryable, ExternalRef: ref, Reason: reason}
}

func fatal(ref, reason string) Outcome {
	return Outcome{Kind: OutcomeFatal, ExternalRef: ref, Reason: reason}
}

// Backend performs exactly one remote generation per Invoke.
type Backend interface {
	Invoke(ctx context.Context, p Params) Outcome
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, p Params) Outcome

func (f BackendFunc) Invoke(ctx context.Context, p Params) Outcome { return f(ctx, p) }

// Backends dispatches by mode.
type Backends struct {
	byMode map[Mode]Backend
}

// NewBackends refuses a registry that does not cover every mode.
func NewBackends(byMode map[Mode]Backend) (*Backends, error) {
	registry := make(map[Mode]Backend, len(AllModes))
	for _, m := range AllModes {
		b, ok := byMode[m]
		if !ok || b == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingBackend, m)
		}
		registry[m] = b
	}
	return &Backends{byMode: registry}, nil
}

// Invoke runs the backend registered for p.Mode.
func (b *Backends) Invoke(ctx context.Context, p Params) Outcome {
	backend, ok := b.byMode[p.Mode]
	if !ok {
		return fatal("", fmt.Sprintf("unsupported mode %q", p.Mode))
	}
	return backend.Invoke(ctx, p)
}
