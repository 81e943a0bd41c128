package credit

import "errors"

var (
	// ErrInsufficientCredits is returned when user doesn't have enough credits
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrInvalidKind is returned when a grant uses a kind other than purchase or free_grant
	ErrInvalidKind = errors.New("invalid grant kind")

	// ErrUserNotFound is returned when user doesn't exist
	ErrUserNotFound = errors.New("user not found")

	// ErrLedgerUnavailable wraps storage failures. Nothing was changed.
	ErrLedgerUnavailable = errors.New("credit ledger unavailable")
)
