package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/decorai/decorai-api/internal/pkg/database"
)

const queryTimeout = 3 * time.Second

// Repository is the only writer of users.credits_balance. Every balance
// change is paired with a ledger row in the same transaction.
type Repository interface {
	Reserve(ctx context.Context, userID uuid.UUID, amount int, meta Meta) (*Reservation, error)
	ReserveTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, meta Meta) (*Reservation, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int, deductionRef string, meta Meta) (bool, error)
	RefundTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, deductionRef string, meta Meta) (bool, error)
	Grant(ctx context.Context, userID uuid.UUID, amount int, kind Kind, reference string, meta Meta) (bool, error)
	Balance(ctx context.Context, userID uuid.UUID) (int, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int, error)
	Audit(ctx context.Context, userID uuid.UUID) (*AuditResult, error)
	AuditAll(ctx context.Context) ([]AuditResult, error)
}

// LedgerRepository is the Postgres implementation of Repository.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, op, err)
}

// Reserve deducts amount in its own transaction.
func (r *LedgerRepository) Reserve(ctx context.Context, userID uuid.UUID, amount int, meta Meta) (*Reservation, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var res *Reservation
	err := database.WithTx(ctx2, r.db, func(tx *sqlx.Tx) error {
		var err error
		res, err = r.ReserveTx(ctx2, tx, userID, amount, meta)
		return err
	})
	if err != nil {
		return nil, r.classify("reserve", err)
	}
	return res, nil
}

// ReserveTx deducts amount inside the caller's transaction. The conditional
// update is the only check of the balance, so concurrent reservations can
// never drive it below zero. The caller commits or rolls back.
func (r *LedgerRepository) ReserveTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, meta Meta) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var balance int
	err := tx.QueryRowxContext(ctx, `
		UPDATE users
		SET credits_balance = credits_balance - $2, updated_at = NOW()
		WHERE id = $1 AND credits_balance >= $2
		RETURNING credits_balance
	`, userID, amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.missingOrInsufficient(ctx, tx, userID)
		}
		return nil, unavailable("update balance", err)
	}

	ref := newReference(deductPrefix)
	if err := insertTransaction(ctx, tx, userID, ref, KindDeduction, -amount, nil, meta); err != nil {
		return nil, err
	}

	return &Reservation{Reference: ref, UserID: userID, Amount: amount, Balance: balance}, nil
}

func (r *LedgerRepository) missingOrInsufficient(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID); err != nil {
		return unavailable("check user", err)
	}
	if !exists {
		return ErrUserNotFound
	}
	return ErrInsufficientCredits
}

// Refund reverses a deduction in its own transaction.
func (r *LedgerRepository) Refund(ctx context.Context, userID uuid.UUID, amount int, deductionRef string, meta Meta) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var refunded bool
	err := database.WithTx(ctx2, r.db, func(tx *sqlx.Tx) error {
		var err error
		refunded, err = r.RefundTx(ctx2, tx, userID, amount, deductionRef, meta)
		return err
	})
	if err != nil {
		return false, r.classify("refund", err)
	}
	return refunded, nil
}

// RefundTx credits amount back for deductionRef. The refund row is keyed by
// RefundReference(deductionRef); if it already exists nothing changes and
// false is returned.
func (r *LedgerRepository) RefundTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, deductionRef string, meta Meta) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if deductionRef == "" {
		return false, fmt.Errorf("%w: refund without deduction reference", ErrInvalidAmount)
	}

	inserted, err := insertTransactionOnce(ctx, tx, userID, RefundReference(deductionRef), KindRefund, amount, &deductionRef, meta)
	if err != nil || !inserted {
		return false, err
	}

	if err := addToBalance(ctx, tx, userID, amount); err != nil {
		return false, err
	}
	return true, nil
}

// Grant adds purchased or free credits. With a non-empty reference the grant
// is applied at most once, so payment webhook retries are safe.
func (r *LedgerRepository) Grant(ctx context.Context, userID uuid.UUID, amount int, kind Kind, reference string, meta Meta) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if reference == "" {
		reference = newReference(grantPrefix)
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var granted bool
	err := database.WithTx(ctx2, r.db, func(tx *sqlx.Tx) error {
		inserted, err := insertTransactionOnce(ctx2, tx, userID, reference, kind, amount, nil, meta)
		if err != nil || !inserted {
			return err
		}
		if err := addToBalance(ctx2, tx, userID, amount); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, r.classify("grant", err)
	}
	return granted, nil
}

func (r *LedgerRepository) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var balance int
	err := r.db.GetContext(ctx2, &balance, `SELECT credits_balance FROM users WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, unavailable("get balance", err)
	}
	return balance, nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM credit_transactions WHERE user_id = $1`, userID); err != nil {
		return nil, 0, unavailable("count transactions", err)
	}

	transactions := make([]Transaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `
		SELECT id, user_id, reference, kind, credits_delta, status, related_reference,
		       related_entity_type, related_entity_id, description, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, unavailable("list transactions", err)
	}

	return transactions, total, nil
}

func (r *LedgerRepository) Audit(ctx context.Context, userID uuid.UUID) (*AuditResult, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var res AuditResult
	err := r.db.GetContext(ctx2, &res, `
		SELECT u.id AS user_id,
		       u.credits_balance AS balance,
		       COALESCE((SELECT SUM(t.credits_delta) FROM credit_transactions t
		                 WHERE t.user_id = u.id AND t.status = 'completed'), 0) AS ledger_sum
		FROM users u
		WHERE u.id = $1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, unavailable("audit", err)
	}
	return &res, nil
}

// AuditAll returns the users whose balance disagrees with their ledger.
func (r *LedgerRepository) AuditAll(ctx context.Context) ([]AuditResult, error) {
	results := make([]AuditResult, 0)
	err := r.db.SelectContext(ctx, &results, `
		SELECT u.id AS user_id, u.credits_balance AS balance, COALESCE(s.total, 0) AS ledger_sum
		FROM users u
		LEFT JOIN (
			SELECT user_id, SUM(credits_delta) AS total
			FROM credit_transactions
			WHERE status = 'completed'
			GROUP BY user_id
		) s ON s.user_id = u.id
		WHERE u.credits_balance <> COALESCE(s.total, 0)
		ORDER BY u.id
	`)
	if err != nil {
		return nil, unavailable("audit all", err)
	}
	return results, nil
}

// classify keeps domain errors as they are and maps anything else to ErrLedgerUnavailable.
func (r *LedgerRepository) classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrLedgerUnavailable):
		return err
	default:
		return unavailable(op, err)
	}
}

func addToBalance(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE users
		SET credits_balance = credits_balance + $2, updated_at = NOW()
		WHERE id = $1
	`, userID, amount)
	if err != nil {
		return unavailable("update balance", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, reference string, kind Kind, delta int, relatedRef *string, meta Meta) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, reference, kind, credits_delta, status, related_reference,
			related_entity_type, related_entity_id, description
		)
		VALUES ($1, $2, $3, $4, $5, 'completed', $6, $7, $8, $9)
	`, uuid.New(), userID, reference, kind, delta, relatedRef,
		nullable(meta.RelatedEntityType), nullable(meta.RelatedEntityID), describe(kind, meta))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return unavailable("duplicate reference", err)
		}
		return unavailable("insert transaction", err)
	}
	return nil
}

// insertTransactionOnce inserts a completed row unless the reference exists.
func insertTransactionOnce(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, reference string, kind Kind, delta int, relatedRef *string, meta Meta) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, reference, kind, credits_delta, status, related_reference,
			related_entity_type, related_entity_id, description
		)
		VALUES ($1, $2, $3, $4, $5, 'completed', $6, $7, $8, $9)
		ON CONFLICT (reference) DO NOTHING
	`, uuid.New(), userID, reference, kind, delta, relatedRef,
		nullable(meta.RelatedEntityType), nullable(meta.RelatedEntityID), describe(kind, meta))
	if err != nil {
		return false, unavailable("insert transaction", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, unavailable("rows affected", err)
	}
	return rows == 1, nil
}

func describe(kind Kind, meta Meta) string {
	if meta.Description != "" {
		return meta.Description
	}
	switch kind {
	case KindDeduction:
		return "credits reserved"
	case KindRefund:
		return "credits refunded"
	case KindPurchase:
		return "credits purchased"
	default:
		return "credits granted"
	}
}
