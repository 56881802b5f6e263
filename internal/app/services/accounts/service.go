// Package accounts manages logical treasury accounts. Balances are read
// here; they are mutated only by the ledger service's atomic units.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/app/domain/account"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/audit"
	"github.com/R3E-Network/treasury_layer/internal/app/storage"
	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

// Errors
var (
	ErrDuplicateAccount = errors.New("account name already exists")
	ErrNotFound         = errors.New("account not found")
	ErrInvalidAccount   = errors.New("invalid account")
)

// Service provides account management and the treasury status view.
type Service struct {
	store storage.Store
	log   *logger.Logger
}

// New constructs the accounts service.
func New(store storage.Store, log *logger.Logger) *Service {
	return &Service{store: store, log: log}
}

// Create registers a new logical account with a zero balance.
func (s *Service) Create(ctx context.Context, name string, acctType account.Type, description, actor string) (account.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return account.Account{}, fmt.Errorf("%w: name required", ErrInvalidAccount)
	}
	if !acctType.IsValid() {
		return account.Account{}, fmt.Errorf("%w: unknown type %q", ErrInvalidAccount, acctType)
	}

	acct := account.Account{
		Name:        name,
		Type:        acctType,
		Description: description,
		Balance:     decimal.Zero,
		Active:      true,
	}

	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		created, err := tx.CreateAccount(ctx, acct)
		if err != nil {
			return err
		}
		acct = created

		_, err = tx.AppendAudit(ctx, audit.Entry{
			EntityType: "account",
			EntityID:   created.ID,
			Action:     audit.ActionCreate,
			After: map[string]string{
				"name": created.Name,
				"type": string(created.Type),
			},
			Actor: actor,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return account.Account{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, name)
		}
		return account.Account{}, fmt.Errorf("create account: %w", err)
	}

	s.log.WithField("account_id", acct.ID).WithField("name", acct.Name).Info("account created")
	return acct, nil
}

// Get retrieves an account by ID.
func (s *Service) Get(ctx context.Context, id string) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return account.Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return acct, err
}

// GetByName retrieves an account by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (account.Account, error) {
	acct, err := s.store.GetAccountByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return account.Account{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return acct, err
}

// Resolve accepts either an account ID or a unique name and returns the
// account. Used by the ledger to resolve request account references.
func (s *Service) Resolve(ctx context.Context, ref string) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, ref)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return account.Account{}, err
	}
	acct, err = s.store.GetAccountByName(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return account.Account{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return acct, err
}

// List returns accounts, optionally only active ones.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]account.Account, error) {
	return s.store.ListAccounts(ctx, activeOnly)
}

// Status returns all active accounts, the total balance, and the reserve
// health summary (reserve balance as a percentage of the total).
func (s *Service) Status(ctx context.Context) (account.Status, error) {
	accts, err := s.store.ListAccounts(ctx, true)
	if err != nil {
		return account.Status{}, fmt.Errorf("list accounts: %w", err)
	}

	total := decimal.Zero
	reserve := decimal.Zero
	for _, acct := range accts {
		total = total.Add(acct.Balance)
		if acct.Type == account.TypeReserve {
			reserve = reserve.Add(acct.Balance)
		}
	}

	health := decimal.Zero
	if total.IsPositive() {
		health = reserve.Div(total).Mul(decimal.NewFromInt(100)).Round(2)
	}

	return account.Status{
		Accounts:      accts,
		TotalBalance:  total,
		ReserveHealth: health,
		GeneratedAt:   time.Now().UTC(),
	}, nil
}
