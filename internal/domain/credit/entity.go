package credit

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the type of a ledger transaction.
type Kind string

const (
	KindPurchase  Kind = "purchase"
	KindDeduction Kind = "deduction"
	KindRefund    Kind = "refund"
	KindFreeGrant Kind = "free_grant"
)

// Status of a ledger transaction. Only completed rows count toward the balance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Reference prefixes. A refund reference is derived from the deduction it
// reverses, which makes a second refund of the same deduction collide on
// the unique reference.
const (
	deductPrefix = "DEDUCT-"
	refundPrefix = "REFUND-"
	grantPrefix  = "GRANT-"
)

// Meta is optional context stored with a transaction.
type Meta struct {
	RelatedEntityType string
	RelatedEntityID   string
	Description       string
}

// Transaction is a ledger row.
type Transaction struct {
	ID                uuid.UUID `db:"id" json:"id"`
	UserID            uuid.UUID `db:"user_id" json:"user_id"`
	Reference         string    `db:"reference" json:"reference"`
	Kind              Kind      `db:"kind" json:"kind"`
	CreditsDelta      int       `db:"credits_delta" json:"credits_delta"`
	Status            Status    `db:"status" json:"status"`
	RelatedReference  *string   `db:"related_reference" json:"related_reference,omitempty"`
	RelatedEntityType *string   `db:"related_entity_type" json:"related_entity_type,omitempty"`
	RelatedEntityID   *string   `db:"related_entity_id" json:"related_entity_id,omitempty"`
	Description       string    `db:"description" json:"description"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Reservation is a completed deduction that may later be refunded.
type Reservation struct {
	Reference string
	UserID    uuid.UUID
	Amount    int
	Balance   int // balance after the deduction
}

// AuditResult compares the cached balance with the ledger sum.
type AuditResult struct {
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Balance   int       `db:"balance" json:"balance"`
	LedgerSum int       `db:"ledger_sum" json:"ledger_sum"`
}

// Consistent reports whether balance equals the sum of completed deltas.
func (a AuditResult) Consistent() bool {
	return a.Balance == a.LedgerSum
}

// RefundReference returns the reference a refund of deductionRef is stored under.
func RefundReference(deductionRef string) string {
	return refundPrefix + deductionRef
}

func newReference(prefix string) string {
	return prefix + uuid.New().String()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
