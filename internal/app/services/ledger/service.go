// Package ledger implements transaction recording: shape validation, balance
// effects, the synchronous allocation trigger for completed deposits, and
// retry of serialization conflicts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	allocdomain "github.com/R3E-Network/treasury_layer/internal/app/domain/allocation"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/audit"
	domain "github.com/R3E-Network/treasury_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/treasury_layer/internal/app/events"
	"github.com/R3E-Network/treasury_layer/internal/app/metrics"
	"github.com/R3E-Network/treasury_layer/internal/app/services/accounts"
	"github.com/R3E-Network/treasury_layer/internal/app/storage"
	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

// Errors
var (
	ErrNotFound          = errors.New("transaction not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotPending        = errors.New("transaction is not pending")
	ErrDirectAllocation  = errors.New("allocation transactions are created by the engine, not recorded directly")
)

const (
	maxAttempts    = 4
	initialBackoff = 25 * time.Millisecond
)

// Allocator fans a completed deposit out inside the caller's unit of work.
type Allocator interface {
	Apply(ctx context.Context, tx storage.Store, deposit domain.Transaction) (allocdomain.Result, error)
}

// Service records and completes treasury transactions.
type Service struct {
	store     storage.Store
	accounts  *accounts.Service
	allocator Allocator
	publisher events.Publisher
	log       *logger.Logger
}

// New constructs the ledger service. A nil publisher disables event delivery.
func New(store storage.Store, accts *accounts.Service, allocator Allocator, publisher events.Publisher, log *logger.Logger) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{
		store:     store,
		accounts:  accts,
		allocator: allocator,
		publisher: publisher,
		log:       log,
	}
}

// Record validates and persists a transaction, applies its balance effects
// when it arrives COMPLETED, and for a completed external deposit runs the
// allocation fan-out in the same unit of work. Serialization conflicts are
// retried with exponential backoff; the whole unit re-runs on each attempt.
func (s *Service) Record(ctx context.Context, tx domain.Transaction) (domain.Transaction, *allocdomain.Result, error) {
	if tx.Type == domain.TxInternalAllocation {
		return domain.Transaction{}, nil, ErrDirectAllocation
	}
	if !tx.Status.IsValid() {
		tx.Status = domain.StatusPending
	}
	if tx.Status == domain.StatusCompleted && tx.CompletedAt.IsZero() {
		tx.CompletedAt = time.Now().UTC()
	}
	if !tx.Amount.Equal(tx.Amount.Truncate(2)) {
		return domain.Transaction{}, nil, fmt.Errorf("%w: amount has more than two decimal places", domain.ErrInvalidShape)
	}

	// Callers may reference accounts by ID or name; the stored row always
	// carries IDs.
	if err := s.resolveRefs(ctx, &tx); err != nil {
		return domain.Transaction{}, nil, err
	}
	if err := tx.ValidateShape(); err != nil {
		return domain.Transaction{}, nil, err
	}

	started := time.Now()
	var (
		created domain.Transaction
		result  *allocdomain.Result
	)
	err := s.retry(ctx, func() error {
		created = domain.Transaction{}
		result = nil
		return s.store.Atomic(ctx, func(unit storage.Store) error {
			row, err := unit.CreateTransaction(ctx, tx)
			if err != nil {
				return err
			}
			created = row

			if row.Status == domain.StatusCompleted {
				if err := s.applyEffects(ctx, unit, row); err != nil {
					return err
				}
				if row.Type == domain.TxExternalDeposit {
					res, err := s.allocator.Apply(ctx, unit, row)
					if err != nil {
						return err
					}
					result = &res
				}
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			err = fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		metrics.RecordTransaction(string(tx.Type), "failed")
		return domain.Transaction{}, nil, err
	}

	metrics.RecordTransaction(string(created.Type), string(created.Status))
	if result != nil {
		outcome := "applied"
		if !result.Applied {
			outcome = "no_rule"
		} else if result.Reason == "already allocated" {
			outcome = "noop"
		}
		metrics.RecordAllocation(outcome, time.Since(started))
	}
	s.publishRecorded(ctx, created, result)

	return created, result, nil
}

// Complete moves a PENDING transaction to a terminal status. Balance effects
// apply only on the COMPLETED transition; COMPLETED deposits also trigger the
// allocation fan-out.
func (s *Service) Complete(ctx context.Context, id string, status domain.TxStatus, actor string) (domain.Transaction, *allocdomain.Result, error) {
	switch status {
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled:
	default:
		return domain.Transaction{}, nil, fmt.Errorf("%w: cannot transition to %s", domain.ErrInvalidShape, status)
	}

	var (
		updated domain.Transaction
		result  *allocdomain.Result
	)
	err := s.retry(ctx, func() error {
		updated = domain.Transaction{}
		result = nil
		return s.store.Atomic(ctx, func(unit storage.Store) error {
			row, err := unit.CompleteTransaction(ctx, id, status, time.Now().UTC())
			if err != nil {
				return err
			}
			updated = row

			if status == domain.StatusCompleted {
				if err := s.applyEffects(ctx, unit, row); err != nil {
					return err
				}
				if row.Type == domain.TxExternalDeposit {
					res, err := s.allocator.Apply(ctx, unit, row)
					if err != nil {
						return err
					}
					result = &res
				}
			}

			_, err = unit.AppendAudit(ctx, audit.Entry{
				EntityType: "transaction",
				EntityID:   row.ID,
				Action:     audit.ActionUpdate,
				Before:     map[string]string{"status": string(domain.StatusPending)},
				After:      map[string]string{"status": string(status)},
				Actor:      actor,
			})
			return err
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return domain.Transaction{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		case errors.Is(err, storage.ErrNotPending):
			return domain.Transaction{}, nil, fmt.Errorf("%w: %s", ErrNotPending, id)
		case errors.Is(err, storage.ErrInsufficientFunds):
			return domain.Transaction{}, nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return domain.Transaction{}, nil, err
	}

	metrics.RecordTransaction(string(updated.Type), string(updated.Status))
	s.publishRecorded(ctx, updated, result)

	return updated, result, nil
}

// Get retrieves a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (domain.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx, err
}

// List returns transactions newest first, narrowed by f. An account filter
// given by name is resolved to its ID.
func (s *Service) List(ctx context.Context, f domain.Filter, limit, offset int) ([]domain.Transaction, error) {
	if f.Account != "" {
		acct, err := s.accounts.Resolve(ctx, f.Account)
		if err != nil {
			if errors.Is(err, accounts.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		f.Account = acct.ID
	}
	return s.store.ListTransactions(ctx, f, limit, offset)
}

// Allocations returns the allocation children of a deposit.
func (s *Service) Allocations(ctx context.Context, depositID string) ([]domain.Transaction, error) {
	return s.store.ListAllocationsByParent(ctx, depositID)
}

// applyEffects moves balances for a transaction entering COMPLETED. Debits
// run before credits so an insufficient source aborts the unit untouched.
func (s *Service) applyEffects(ctx context.Context, unit storage.Store, tx domain.Transaction) error {
	if tx.FromAccount != "" {
		if _, err := unit.AdjustBalance(ctx, tx.FromAccount, tx.Amount.Neg()); err != nil {
			return fmt.Errorf("debit %s: %w", tx.FromAccount, err)
		}
	}
	if tx.ToAccount != "" {
		if _, err := unit.AdjustBalance(ctx, tx.ToAccount, tx.Amount); err != nil {
			return fmt.Errorf("credit %s: %w", tx.ToAccount, err)
		}
	}
	return nil
}

func (s *Service) resolveRefs(ctx context.Context, tx *domain.Transaction) error {
	resolve := func(ref string) (string, error) {
		acct, err := s.accounts.Resolve(ctx, ref)
		if err != nil {
			if errors.Is(err, accounts.ErrNotFound) {
				return "", fmt.Errorf("%w: unknown account %q", domain.ErrInvalidShape, ref)
			}
			return "", err
		}
		return acct.ID, nil
	}
	if tx.FromAccount != "" {
		id, err := resolve(tx.FromAccount)
		if err != nil {
			return err
		}
		tx.FromAccount = id
	}
	if tx.ToAccount != "" {
		id, err := resolve(tx.ToAccount)
		if err != nil {
			return err
		}
		tx.ToAccount = id
	}
	return nil
}

// retry re-runs fn on retryable storage conflicts with exponential backoff.
// A duplicate-allocation race is not retried as a whole: the competing writer
// already committed the fan-out, so the unit re-runs once and finds it.
func (s *Service) retry(ctx context.Context, fn func() error) error {
	backoff := initialBackoff
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !storage.IsRetryable(err) && !errors.Is(err, storage.ErrDuplicateAllocation) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		s.log.WithError(err).WithField("attempt", attempt).Debug("retrying transaction unit")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (s *Service) publishRecorded(ctx context.Context, tx domain.Transaction, result *allocdomain.Result) {
	if tx.Status == domain.StatusCompleted && tx.Type == domain.TxExternalDeposit {
		if err := s.publisher.Publish(ctx, events.TopicDepositCompleted, tx); err != nil {
			s.log.WithError(err).Warn("publish deposit completed")
		}
	}
	if result == nil {
		return
	}
	topic := events.TopicAllocationApplied
	if !result.Applied {
		topic = events.TopicDepositUnallocated
	}
	if err := s.publisher.Publish(ctx, topic, result); err != nil {
		s.log.WithError(err).Warn("publish allocation result")
	}
}
