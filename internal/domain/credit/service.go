package credit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service is the credit ledger used by the API, the generation orchestrator
// and the operator CLI.
type Service struct {
	repo Repository
}

// NewService creates a new credit service
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Reserve deducts amount from the user's balance. ErrInsufficientCredits is
// an expected outcome and leaves the ledger untouched.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, amount int, meta Meta) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.repo.Reserve(ctx, userID, amount, meta)
}

// ReserveTx is Reserve inside a caller-owned transaction.
func (s *Service) ReserveTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, meta Meta) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.repo.ReserveTx(ctx, tx, userID, amount, meta)
}

// Refund reverses the deduction deductionRef. Repeated calls are no-ops and
// report false.
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, amount int, deductionRef string, meta Meta) (bool, error) {
	refunded, err := s.repo.Refund(ctx, userID, amount, deductionRef, meta)
	if err != nil {
		return false, err
	}
	logRefund(userID, amount, deductionRef, refunded)
	return refunded, nil
}

// RefundTx is Refund inside a caller-owned transaction.
func (s *Service) RefundTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, deductionRef string, meta Meta) (bool, error) {
	refunded, err := s.repo.RefundTx(ctx, tx, userID, amount, deductionRef, meta)
	if err != nil {
		return false, err
	}
	logRefund(userID, amount, deductionRef, refunded)
	return refunded, nil
}

func logRefund(userID uuid.UUID, amount int, deductionRef string, refunded bool) {
	if !refunded {
		log.Debug().Str("user_id", userID.String()).Str("reference", deductionRef).Msg("Refund already applied")
		return
	}
	log.Info().Str("user_id", userID.String()).Int("amount", amount).Str("reference", deductionRef).Msg("Credits refunded")
}

// Grant credits purchased or free credits.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, amount int, kind Kind, reference string, meta Meta) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if kind != KindPurchase && kind != KindFreeGrant {
		return false, ErrInvalidKind
	}

	granted, err := s.repo.Grant(ctx, userID, amount, kind, reference, meta)
	if err != nil {
		return false, err
	}
	log.Info().
		Str("user_id", userID.String()).
		Int("amount", amount).
		Str("kind", string(kind)).
		Str("reference", reference).
		Bool("applied", granted).
		Msg("Credit grant processed")
	return granted, nil
}

// Balance returns the current credit balance for a user
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.Balance(ctx, userID)
}

// ListTransactions returns paginated transaction history for a user
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTransactions(ctx, userID, limit, offset)
}

// Audit compares a user's balance with the sum of their completed transactions.
func (s *Service) Audit(ctx context.Context, userID uuid.UUID) (*AuditResult, error) {
	return s.repo.Audit(ctx, userID)
}

// AuditAll returns every user whose balance disagrees with the ledger.
func (s *Service) AuditAll(ctx context.Context) ([]AuditResult, error) {
	return s.repo.AuditAll(ctx)
}
