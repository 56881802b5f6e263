package reconciliation

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

// ExternalBalanceSource reports the custody balance the ledger is reconciled
// against, typically a chain RPC or custodian API behind an adapter.
type ExternalBalanceSource interface {
	ExternalBalance(ctx context.Context) (decimal.Decimal, error)
}

// ExternalBalanceFunc adapts a function to the ExternalBalanceSource interface.
type ExternalBalanceFunc func(ctx context.Context) (decimal.Decimal, error)

// ExternalBalance implements ExternalBalanceSource.
func (f ExternalBalanceFunc) ExternalBalance(ctx context.Context) (decimal.Decimal, error) {
	return f(ctx)
}

const scheduledActor = "scheduler"

// Scheduler runs reconciliations on a cron schedule against a configured
// external balance source.
type Scheduler struct {
	svc    *Service
	source ExternalBalanceSource
	cron   *cron.Cron
	log    *logger.Logger
}

// NewScheduler creates a scheduler; Start must be called to begin running.
func NewScheduler(svc *Service, source ExternalBalanceSource, log *logger.Logger) *Scheduler {
	return &Scheduler{
		svc:    svc,
		source: source,
		cron:   cron.New(),
		log:    log,
	}
}

// Start registers the schedule (standard five-field cron spec) and starts the
// background runner.
func (s *Scheduler) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.run)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.log.WithField("schedule", spec).Info("reconciliation scheduler started")
	return nil
}

// Stop halts the scheduler and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	external, err := s.source.ExternalBalance(ctx)
	if err != nil {
		s.log.WithError(err).Error("fetch external balance")
		return
	}
	if _, err := s.svc.Reconcile(ctx, external, "scheduled", "", scheduledActor); err != nil {
		s.log.WithError(err).Error("scheduled reconciliation failed")
	}
}
