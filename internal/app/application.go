package app

import (
	"context"
	"fmt"

	"github.com/R3E-Network/treasury_layer/internal/app/events"
	"github.com/R3E-Network/treasury_layer/internal/app/services/accounts"
	allocsvc "github.com/R3E-Network/treasury_layer/internal/app/services/allocation"
	ledgersvc "github.com/R3E-Network/treasury_layer/internal/app/services/ledger"
	reconsvc "github.com/R3E-Network/treasury_layer/internal/app/services/reconciliation"
	"github.com/R3E-Network/treasury_layer/internal/app/storage"
	"github.com/R3E-Network/treasury_layer/internal/app/system"
	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

// Options configures the application. A nil Store defaults to the in-memory
// implementation; a nil Publisher disables event delivery. ExternalBalances
// and ReconcileSchedule together enable the reconciliation scheduler.
type Options struct {
	Store             storage.Store
	Publisher         events.Publisher
	ExternalBalances  reconsvc.ExternalBalanceSource
	ReconcileSchedule string

	// SandboxMode marks a non-value-bearing deployment; surfaced on /health.
	SandboxMode bool
}

// Application ties the treasury services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	store   storage.Store
	log     *logger.Logger
	sandbox bool

	Accounts       *accounts.Service
	Allocation     *allocsvc.Service
	Ledger         *ledgersvc.Service
	Reconciliation *reconsvc.Service
}

// New builds a fully initialised application.
func New(opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	store := opts.Store
	if store == nil {
		store = storage.NewMemory()
	}

	acctService := accounts.New(store, log)
	allocService := allocsvc.New(store, log)
	ledgerService := ledgersvc.New(store, acctService, allocService, opts.Publisher, log)
	reconService := reconsvc.New(store, opts.Publisher, log)

	manager := system.NewManager()
	if opts.ExternalBalances != nil && opts.ReconcileSchedule != "" {
		scheduler := reconsvc.NewScheduler(reconService, opts.ExternalBalances, log)
		if err := manager.Register(scheduledService{
			scheduler: scheduler,
			spec:      opts.ReconcileSchedule,
		}); err != nil {
			return nil, fmt.Errorf("register reconciliation scheduler: %w", err)
		}
	}

	return &Application{
		manager:        manager,
		store:          store,
		log:            log,
		sandbox:        opts.SandboxMode,
		Accounts:       acctService,
		Allocation:     allocService,
		Ledger:         ledgerService,
		Reconciliation: reconService,
	}, nil
}

// Store exposes the underlying store for health checks.
func (a *Application) Store() storage.Store { return a.store }

// Sandbox reports whether the application runs in non-value-bearing mode.
func (a *Application) Sandbox() bool { return a.sandbox }

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// scheduledService adapts the reconciliation scheduler to the system manager.
type scheduledService struct {
	scheduler *reconsvc.Scheduler
	spec      string
}

func (s scheduledService) Name() string { return "reconciliation-scheduler" }

func (s scheduledService) Start(context.Context) error {
	return s.scheduler.Start(s.spec)
}

func (s scheduledService) Stop(context.Context) error {
	s.scheduler.Stop()
	return nil
}
