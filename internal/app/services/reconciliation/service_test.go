package reconciliation

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/app/domain/account"
	domain "github.com/R3E-Network/treasury_layer/internal/app/domain/reconciliation"
	"github.com/R3E-Network/treasury_layer/internal/app/storage"
	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func newService(t *testing.T, balances map[string]string) (*Service, storage.Store) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	for name, balance := range balances {
		acct, err := store.CreateAccount(ctx, account.Account{Name: name, Type: account.TypeCustom, Active: true})
		if err != nil {
			t.Fatalf("seed account %s: %v", name, err)
		}
		if _, err := store.AdjustBalance(ctx, acct.ID, dec(balance)); err != nil {
			t.Fatalf("seed balance %s: %v", name, err)
		}
	}
	return New(store, nil, logger.NewDefault("test")), store
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t, map[string]string{
		"operating": "7000",
		"reserve":   "3000",
	})

	record, err := svc.Reconcile(ctx, dec("10300"), "custodian-api", "", "guardian-1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if record.Status != domain.StatusMajorDiscrepancy {
		t.Fatalf("status = %s, want MAJOR_DISCREPANCY", record.Status)
	}
	if !record.InternalBalance.Equal(dec("10000")) {
		t.Fatalf("internal balance = %s, want 10000", record.InternalBalance)
	}
	if !record.Discrepancy.Equal(dec("300")) {
		t.Fatalf("discrepancy = %s, want 300", record.Discrepancy)
	}
	if !record.DiscrepancyPct.Equal(dec("3")) {
		t.Fatalf("discrepancy pct = %s, want 3", record.DiscrepancyPct)
	}

	t.Run("run is audited", func(t *testing.T) {
		entries, err := store.ListAudit(ctx, "reconciliation", 10)
		if err != nil {
			t.Fatalf("ListAudit() error = %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("audit entries = %d, want 1", len(entries))
		}
	})

	t.Run("balances untouched", func(t *testing.T) {
		accts, _ := store.ListAccounts(ctx, true)
		total := decimal.Zero
		for _, a := range accts {
			total = total.Add(a.Balance)
		}
		if !total.Equal(dec("10000")) {
			t.Fatalf("balances total = %s, want unchanged 10000", total)
		}
	})
}

func TestReconcileBalanced(t *testing.T) {
	svc, _ := newService(t, map[string]string{"operating": "500"})

	record, err := svc.Reconcile(context.Background(), dec("500"), "custodian-api", "", "guardian-1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if record.Status != domain.StatusBalanced {
		t.Fatalf("status = %s, want BALANCED", record.Status)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, map[string]string{"operating": "100"})

	record, err := svc.Reconcile(ctx, dec("150"), "custodian-api", "", "guardian-1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	t.Run("empty note rejected", func(t *testing.T) {
		if _, err := svc.Resolve(ctx, record.ID, "", "guardian-2"); !errors.Is(err, ErrEmptyResolution) {
			t.Fatalf("Resolve() error = %v, want ErrEmptyResolution", err)
		}
	})

	resolved, err := svc.Resolve(ctx, record.ID, "custodian delay, settled next day", "guardian-2")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !resolved.Resolved() || resolved.ResolvedBy != "guardian-2" {
		t.Fatalf("Resolve() = %+v, want resolved by guardian-2", resolved)
	}

	t.Run("second resolution conflicts", func(t *testing.T) {
		if _, err := svc.Resolve(ctx, record.ID, "again", "guardian-2"); !errors.Is(err, ErrAlreadyResolved) {
			t.Fatalf("Resolve() error = %v, want ErrAlreadyResolved", err)
		}
	})

	t.Run("unknown record", func(t *testing.T) {
		if _, err := svc.Resolve(ctx, "missing", "note", "guardian-2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
		}
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, map[string]string{"operating": "100"})

	for _, external := range []string{"100", "101", "200"} {
		if _, err := svc.Reconcile(ctx, dec(external), "custodian-api", "", "guardian-1"); err != nil {
			t.Fatalf("Reconcile(%s) error = %v", external, err)
		}
	}

	records, err := svc.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("List() returned %d records, want 2", len(records))
	}
	// Newest first.
	if !records[0].ExternalBalance.Equal(dec("200")) {
		t.Fatalf("first record external = %s, want 200", records[0].ExternalBalance)
	}
}
