// Package storage defines the persistence interfaces for the treasury
// ledger. Implementations must enforce the non-negative balance rule and the
// (parent, target-account) allocation uniqueness at the storage layer, not
// merely in application logic.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/app/domain/account"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/allocation"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/audit"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/reconciliation"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate marks a unique-name collision (accounts, rules).
	ErrDuplicate = errors.New("duplicate")
	// ErrDuplicateAllocation marks a second INTERNAL_ALLOCATION for the same
	// (parent, target-account) pair; callers treat it as success-with-no-op.
	ErrDuplicateAllocation = errors.New("duplicate allocation")
	// ErrInsufficientFunds marks a balance adjustment that would go negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNotPending marks a status transition on a transaction that already
	// left PENDING. Unlike ErrConflict it is terminal, never retried.
	ErrNotPending = errors.New("transaction not pending")
	// ErrConflict marks a transient commit/lock conflict; the unit of work
	// may be retried.
	ErrConflict = errors.New("storage conflict")
)

// AccountStore persists logical accounts. Balance mutations happen only
// through AdjustBalance, called from inside a ledger unit of work.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	GetAccountByName(ctx context.Context, name string) (account.Account, error)
	ListAccounts(ctx context.Context, activeOnly bool) ([]account.Account, error)

	// AdjustBalance applies delta to the account balance, serialized per
	// account, failing with ErrInsufficientFunds if the result would be
	// negative.
	AdjustBalance(ctx context.Context, accountID string, delta decimal.Decimal) (account.Account, error)
}

// TransactionStore persists the ledger transaction log.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)
	GetTransaction(ctx context.Context, id string) (ledger.Transaction, error)
	ListTransactions(ctx context.Context, f ledger.Filter, limit, offset int) ([]ledger.Transaction, error)
	ListAllocationsByParent(ctx context.Context, parentID string) ([]ledger.Transaction, error)

	// CompleteTransaction moves a PENDING transaction to the given terminal
	// status, stamping completed_at. Amounts are never edited.
	CompleteTransaction(ctx context.Context, id string, status ledger.TxStatus, at time.Time) (ledger.Transaction, error)
}

// RuleStore persists allocation rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule allocation.Rule) (allocation.Rule, error)
	GetRule(ctx context.Context, id string) (allocation.Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]allocation.Rule, error)
	UpdateRule(ctx context.Context, rule allocation.Rule) (allocation.Rule, error)
}

// ReconciliationStore persists reconciliation records.
type ReconciliationStore interface {
	CreateReconciliation(ctx context.Context, rec reconciliation.Record) (reconciliation.Record, error)
	GetReconciliation(ctx context.Context, id string) (reconciliation.Record, error)
	ListReconciliations(ctx context.Context, limit int) ([]reconciliation.Record, error)
	UpdateReconciliation(ctx context.Context, rec reconciliation.Record) (reconciliation.Record, error)
}

// AuditStore persists the append-only audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error)
	ListAudit(ctx context.Context, entityType string, limit int) ([]audit.Entry, error)
}

// Store bundles every persistence concern plus the atomic unit of work.
type Store interface {
	AccountStore
	TransactionStore
	RuleStore
	ReconciliationStore
	AuditStore

	// Atomic runs fn against a transactional view of the store. Either every
	// write fn performs becomes visible, or none does. Nested calls join the
	// enclosing unit.
	Atomic(ctx context.Context, fn func(tx Store) error) error

	// Ping reports store connectivity for health checks.
	Ping(ctx context.Context) error
}

// IsRetryable reports whether err is a transient conflict worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
