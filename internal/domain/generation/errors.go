package generation

import (
	"errors"
	"sort"
	"strings"

	"github.com/decorai/decorai-api/internal/domain/credit"
)

var (
	ErrValidation          = errors.New("invalid generation request")
	ErrSchedulingFailure   = errors.New("scheduling failure")
	ErrTransientGeneration = errors.New("transient generation failure")
	ErrGenerationRejected  = errors.New("generation rejected")
	ErrTimeout             = errors.New("generation timeout")
	ErrPersistence         = errors.New("generation persistence failure")
	ErrJobNotFound         = errors.New("generation job not found")
	ErrTransitionConflict  = errors.New("generation job transition conflict")
	ErrNotCancellable      = errors.New("generation job is not cancellable")
	ErrMissingBackend      = errors.New("generation backend missing")

	// Ledger outcomes surface unchanged from the credit domain.
	ErrInsufficientCredits = credit.ErrInsufficientCredits
	ErrLedgerUnavailable   = credit.ErrLedgerUnavailable
)

// ValidationError carries per-field messages. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
