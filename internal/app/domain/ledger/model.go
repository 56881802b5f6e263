// Package ledger defines the treasury transaction model and its structural
// invariants.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TxType identifies what kind of balance movement a transaction records.
type TxType string

const (
	TxExternalDeposit    TxType = "EXTERNAL_DEPOSIT"
	TxExternalWithdrawal TxType = "EXTERNAL_WITHDRAWAL"
	TxInternalAllocation TxType = "INTERNAL_ALLOCATION"
	TxPayment            TxType = "PAYMENT"
	TxRefund             TxType = "REFUND"
	TxFee                TxType = "FEE"
	TxNFTMint            TxType = "NFT_MINT"
	TxReward             TxType = "REWARD"
)

// ValidTypes lists the closed set of transaction types.
var ValidTypes = []TxType{
	TxExternalDeposit, TxExternalWithdrawal, TxInternalAllocation,
	TxPayment, TxRefund, TxFee, TxNFTMint, TxReward,
}

// IsValid reports whether t is a known transaction type.
func (t TxType) IsValid() bool {
	for _, v := range ValidTypes {
		if t == v {
			return true
		}
	}
	return false
}

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	StatusPending   TxStatus = "PENDING"
	StatusCompleted TxStatus = "COMPLETED"
	StatusFailed    TxStatus = "FAILED"
	StatusCancelled TxStatus = "CANCELLED"
	StatusRefunded  TxStatus = "REFUNDED"
)

// IsValid reports whether s is a known transaction status.
func (s TxStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// ErrInvalidShape is returned when a transaction's account references do not
// match the structural rule for its type.
var ErrInvalidShape = errors.New("invalid transaction shape")

// Transaction is one balance-affecting event in the append-mostly log.
// From/To are account IDs; which of them may be empty depends on the type.
// ParentID links INTERNAL_ALLOCATION rows to the deposit that spawned them.
type Transaction struct {
	ID          string            `json:"id"`
	Type        TxType            `json:"type"`
	Status      TxStatus          `json:"status"`
	Amount      decimal.Decimal   `json:"amount"`
	FromAccount string            `json:"from_account,omitempty"`
	ToAccount   string            `json:"to_account,omitempty"`
	ParentID    string            `json:"parent_id,omitempty"`
	ExternalRef string            `json:"external_ref,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
}

// ValidateShape enforces the type-specific rule for which account references
// must be present. The postgres schema carries the same rule as a CHECK
// constraint, but this check runs first so the invariant does not depend on
// the storage engine.
func (t Transaction) ValidateShape() error {
	if !t.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidShape, t.Type)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidShape)
	}
	switch t.Type {
	case TxExternalDeposit:
		if t.FromAccount != "" || t.ToAccount == "" {
			return fmt.Errorf("%w: %s requires empty from and non-empty to", ErrInvalidShape, t.Type)
		}
	case TxExternalWithdrawal:
		if t.FromAccount == "" || t.ToAccount != "" {
			return fmt.Errorf("%w: %s requires non-empty from and empty to", ErrInvalidShape, t.Type)
		}
	default:
		if t.FromAccount == "" || t.ToAccount == "" {
			return fmt.Errorf("%w: %s requires both accounts", ErrInvalidShape, t.Type)
		}
	}
	return nil
}

// Filter narrows a transaction listing. Zero values mean "no constraint".
type Filter struct {
	Type    TxType
	Status  TxStatus
	Account string
	From    time.Time
	To      time.Time
}

// Matches reports whether tx satisfies every set constraint.
func (f Filter) Matches(tx Transaction) bool {
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.Account != "" && tx.FromAccount != f.Account && tx.ToAccount != f.Account {
		return false
	}
	if !f.From.IsZero() && tx.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tx.CreatedAt.After(f.To) {
		return false
	}
	return true
}
