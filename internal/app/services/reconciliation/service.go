// Package reconciliation compares the ledger's internal balance total with a
// reported external custody balance and records the discrepancy.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/app/domain/audit"
	domain "github.com/R3E-Network/treasury_layer/internal/app/domain/reconciliation"
	"github.com/R3E-Network/treasury_layer/internal/app/events"
	"github.com/R3E-Network/treasury_layer/internal/app/metrics"
	"github.com/R3E-Network/treasury_layer/internal/app/storage"
	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

// Errors
var (
	ErrNotFound        = errors.New("reconciliation record not found")
	ErrAlreadyResolved = errors.New("reconciliation record already resolved")
	ErrEmptyResolution = errors.New("resolution note required")
)

// Service runs reconciliations and tracks their resolution.
type Service struct {
	store     storage.Store
	publisher events.Publisher
	log       *logger.Logger
}

// New constructs the reconciliation service. A nil publisher disables event
// delivery.
func New(store storage.Store, publisher events.Publisher, log *logger.Logger) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{store: store, publisher: publisher, log: log}
}

// Reconcile sums active-account balances, classifies the discrepancy against
// externalBalance, and persists the record. The record is informational; it
// never mutates balances.
func (s *Service) Reconcile(ctx context.Context, externalBalance decimal.Decimal, source, notes, actor string) (domain.Record, error) {
	var record domain.Record
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		accts, err := tx.ListAccounts(ctx, true)
		if err != nil {
			return err
		}
		internal := decimal.Zero
		for _, a := range accts {
			internal = internal.Add(a.Balance)
		}

		discrepancy := externalBalance.Sub(internal)
		status, pct := domain.Classify(discrepancy, internal)

		record, err = tx.CreateReconciliation(ctx, domain.Record{
			InternalBalance: internal,
			ExternalBalance: externalBalance,
			Discrepancy:     discrepancy,
			DiscrepancyPct:  pct,
			Status:          status,
			Source:          source,
			Notes:           notes,
			Actor:           actor,
			ComputedAt:      time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		_, err = tx.AppendAudit(ctx, audit.Entry{
			EntityType: "reconciliation",
			EntityID:   record.ID,
			Action:     audit.ActionCreate,
			After: map[string]string{
				"status":      string(record.Status),
				"internal":    record.InternalBalance.String(),
				"external":    record.ExternalBalance.String(),
				"discrepancy": record.Discrepancy.String(),
			},
			Actor: actor,
		})
		return err
	})
	if err != nil {
		return domain.Record{}, err
	}

	entry := s.log.WithField("reconciliation_id", record.ID).
		WithField("status", string(record.Status)).
		WithField("discrepancy", record.Discrepancy.String())
	if record.Status == domain.StatusBalanced {
		entry.Info("reconciliation balanced")
	} else {
		entry.Warn("reconciliation found discrepancy")
	}

	metrics.RecordReconciliation(string(record.Status))
	if err := s.publisher.Publish(ctx, events.TopicReconciliationRecorded, record); err != nil {
		s.log.WithError(err).Warn("publish reconciliation record")
	}

	return record, nil
}

// Resolve marks a discrepancy record as handled. Balanced records need no
// resolution but accepting one is harmless; an already-resolved record is a
// conflict.
func (s *Service) Resolve(ctx context.Context, id, note, actor string) (domain.Record, error) {
	if note == "" {
		return domain.Record{}, ErrEmptyResolution
	}

	var updated domain.Record
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		record, err := tx.GetReconciliation(ctx, id)
		if err != nil {
			return err
		}
		if record.Resolved() {
			return ErrAlreadyResolved
		}

		record.Resolution = note
		record.ResolvedBy = actor
		record.ResolvedAt = time.Now().UTC()

		updated, err = tx.UpdateReconciliation(ctx, record)
		if err != nil {
			return err
		}

		_, err = tx.AppendAudit(ctx, audit.Entry{
			EntityType: "reconciliation",
			EntityID:   record.ID,
			Action:     audit.ActionUpdate,
			After: map[string]string{
				"resolution": note,
			},
			Actor: actor,
		})
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return domain.Record{}, err
	}
	return updated, nil
}

// Get retrieves one reconciliation record.
func (s *Service) Get(ctx context.Context, id string) (domain.Record, error) {
	record, err := s.store.GetReconciliation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record, err
}

// List returns reconciliation records newest first.
func (s *Service) List(ctx context.Context, limit int) ([]domain.Record, error) {
	return s.store.ListReconciliations(ctx, limit)
}
