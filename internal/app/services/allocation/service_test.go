package allocation

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/app/domain/account"
	domain "github.com/R3E-Network/treasury_layer/internal/app/domain/allocation"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/ledger"
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

func seedAccounts(t *testing.T, store storage.Store, names ...string) map[string]account.Account {
	t.Helper()
	out := make(map[string]account.Account, len(names))
	for _, name := range names {
		acct, err := store.CreateAccount(context.Background(), account.Account{
			Name:   name,
			Type:   account.TypeCustom,
			Active: true,
		})
		if err != nil {
			t.Fatalf("seed account %s: %v", name, err)
		}
		out[name] = acct
	}
	return out
}

func TestComputeSplits(t *testing.T) {
	t.Run("even percentages", func(t *testing.T) {
		rule := domain.Rule{Splits: []domain.Split{
			{AccountName: "operating", Percentage: dec("50")},
			{AccountName: "reserve", Percentage: dec("20")},
			{AccountName: "rewards", Percentage: dec("15")},
			{AccountName: "development", Percentage: dec("10")},
			{AccountName: "marketing", Percentage: dec("5")},
		}}

		planned := ComputeSplits(dec("100.00"), rule)
		want := []string{"50", "20", "15", "10", "5"}
		for i, p := range planned {
			if !p.Amount.Equal(dec(want[i])) {
				t.Fatalf("split %d = %s, want %s", i, p.Amount, want[i])
			}
		}
	})

	t.Run("remainder goes to largest split", func(t *testing.T) {
		rule := domain.Rule{Splits: []domain.Split{
			{AccountName: "a", Percentage: dec("33.33")},
			{AccountName: "b", Percentage: dec("33.33")},
			{AccountName: "c", Percentage: dec("33.34")},
		}}

		planned := ComputeSplits(dec("0.10"), rule)
		if !planned[0].Amount.Equal(dec("0.03")) || !planned[1].Amount.Equal(dec("0.03")) {
			t.Fatalf("truncated splits = %s, %s, want 0.03 each", planned[0].Amount, planned[1].Amount)
		}
		if !planned[2].Amount.Equal(dec("0.04")) {
			t.Fatalf("largest split = %s, want 0.04 with remainder", planned[2].Amount)
		}
	})

	t.Run("remainder tie goes to first", func(t *testing.T) {
		rule := domain.Rule{Splits: []domain.Split{
			{AccountName: "a", Percentage: dec("50")},
			{AccountName: "b", Percentage: dec("50")},
		}}

		planned := ComputeSplits(dec("100.01"), rule)
		if !planned[0].Amount.Equal(dec("50.01")) {
			t.Fatalf("first split = %s, want 50.01", planned[0].Amount)
		}
		if !planned[1].Amount.Equal(dec("50.00")) {
			t.Fatalf("second split = %s, want 50.00", planned[1].Amount)
		}
	})

	t.Run("sum always equals amount", func(t *testing.T) {
		rule := domain.Rule{Splits: []domain.Split{
			{AccountName: "a", Percentage: dec("17.5")},
			{AccountName: "b", Percentage: dec("29.13")},
			{AccountName: "c", Percentage: dec("53.37")},
		}}
		for _, amount := range []string{"0.01", "0.03", "1.99", "123.45", "99999.99"} {
			total := decimal.Zero
			for _, p := range ComputeSplits(dec(amount), rule) {
				total = total.Add(p.Amount)
			}
			if !total.Equal(dec(amount)) {
				t.Fatalf("splits of %s sum to %s", amount, total)
			}
		}
	})
}

func TestCreateRule(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	svc := New(store, logger.NewDefault("test"))
	seedAccounts(t, store, "operating", "reserve")

	t.Run("valid rule", func(t *testing.T) {
		rule, err := svc.CreateRule(ctx, domain.Rule{
			Name:   "default",
			Active: true,
			Splits: []domain.Split{
				{AccountName: "operating", Percentage: dec("60")},
				{AccountName: "reserve", Percentage: dec("40")},
			},
		}, "guardian-1")
		if err != nil {
			t.Fatalf("CreateRule() error = %v", err)
		}
		if rule.ID == "" {
			t.Fatal("CreateRule() did not assign an ID")
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := svc.CreateRule(ctx, domain.Rule{
			Name:   "default",
			Active: true,
			Splits: []domain.Split{{AccountName: "operating", Percentage: dec("100")}},
		}, "guardian-1")
		if !errors.Is(err, ErrDuplicateRule) {
			t.Fatalf("CreateRule() error = %v, want ErrDuplicateRule", err)
		}
	})

	t.Run("percentages must sum to 100", func(t *testing.T) {
		_, err := svc.CreateRule(ctx, domain.Rule{
			Name:   "short",
			Splits: []domain.Split{{AccountName: "operating", Percentage: dec("99")}},
		}, "guardian-1")
		if !errors.Is(err, domain.ErrInvalidRule) {
			t.Fatalf("CreateRule() error = %v, want ErrInvalidRule", err)
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := svc.CreateRule(ctx, domain.Rule{
			Name:   "ghost",
			Splits: []domain.Split{{AccountName: "nonexistent", Percentage: dec("100")}},
		}, "guardian-1")
		if !errors.Is(err, ErrUnknownAccount) {
			t.Fatalf("CreateRule() error = %v, want ErrUnknownAccount", err)
		}
	})
}

func TestApply(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Service, storage.Store, map[string]account.Account) {
		store := storage.NewMemory()
		svc := New(store, logger.NewDefault("test"))
		accts := seedAccounts(t, store, "intake", "operating", "reserve")
		return svc, store, accts
	}

	deposit := func(t *testing.T, store storage.Store, intake account.Account, amount string) ledger.Transaction {
		t.Helper()
		dep, err := store.CreateTransaction(ctx, ledger.Transaction{
			Type:      ledger.TxExternalDeposit,
			Status:    ledger.StatusCompleted,
			Amount:    dec(amount),
			ToAccount: intake.ID,
		})
		if err != nil {
			t.Fatalf("create deposit: %v", err)
		}
		if _, err := store.AdjustBalance(ctx, intake.ID, dec(amount)); err != nil {
			t.Fatalf("credit intake: %v", err)
		}
		return dep
	}

	t.Run("fan-out moves funds and records children", func(t *testing.T) {
		svc, store, accts := setup(t)
		if _, err := svc.CreateRule(ctx, domain.Rule{
			Name:   "default",
			Active: true,
			Splits: []domain.Split{
				{AccountName: "operating", Percentage: dec("70")},
				{AccountName: "reserve", Percentage: dec("30")},
			},
		}, "guardian-1"); err != nil {
			t.Fatalf("CreateRule() error = %v", err)
		}

		dep := deposit(t, store, accts["intake"], "200.00")

		var result domain.Result
		err := store.Atomic(ctx, func(tx storage.Store) error {
			var applyErr error
			result, applyErr = svc.Apply(ctx, tx, dep)
			return applyErr
		})
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if !result.Applied || len(result.Entries) != 2 {
			t.Fatalf("Apply() result = %+v, want applied with 2 entries", result)
		}

		operating, _ := store.GetAccount(ctx, accts["operating"].ID)
		reserve, _ := store.GetAccount(ctx, accts["reserve"].ID)
		intake, _ := store.GetAccount(ctx, accts["intake"].ID)
		if !operating.Balance.Equal(dec("140.00")) {
			t.Fatalf("operating balance = %s, want 140.00", operating.Balance)
		}
		if !reserve.Balance.Equal(dec("60.00")) {
			t.Fatalf("reserve balance = %s, want 60.00", reserve.Balance)
		}
		if !intake.Balance.IsZero() {
			t.Fatalf("intake balance = %s, want 0 after fan-out", intake.Balance)
		}

		children, _ := store.ListAllocationsByParent(ctx, dep.ID)
		if len(children) != 2 {
			t.Fatalf("allocation children = %d, want 2", len(children))
		}
		for _, child := range children {
			if child.Status != ledger.StatusCompleted || child.ParentID != dep.ID {
				t.Fatalf("child %+v not completed with parent link", child)
			}
		}
	})

	t.Run("second apply is a no-op", func(t *testing.T) {
		svc, store, accts := setup(t)
		if _, err := svc.CreateRule(ctx, domain.Rule{
			Name:   "default",
			Active: true,
			Splits: []domain.Split{{AccountName: "operating", Percentage: dec("100")}},
		}, "guardian-1"); err != nil {
			t.Fatalf("CreateRule() error = %v", err)
		}

		dep := deposit(t, store, accts["intake"], "50.00")
		for i := 0; i < 2; i++ {
			if err := store.Atomic(ctx, func(tx storage.Store) error {
				_, applyErr := svc.Apply(ctx, tx, dep)
				return applyErr
			}); err != nil {
				t.Fatalf("Apply() #%d error = %v", i+1, err)
			}
		}

		operating, _ := store.GetAccount(ctx, accts["operating"].ID)
		if !operating.Balance.Equal(dec("50.00")) {
			t.Fatalf("operating balance = %s, want 50.00 after redelivery", operating.Balance)
		}
		children, _ := store.ListAllocationsByParent(ctx, dep.ID)
		if len(children) != 1 {
			t.Fatalf("allocation children = %d, want exactly 1", len(children))
		}
	})

	t.Run("no applicable rule leaves deposit unallocated", func(t *testing.T) {
		svc, store, accts := setup(t)
		dep := deposit(t, store, accts["intake"], "75.00")

		var result domain.Result
		if err := store.Atomic(ctx, func(tx storage.Store) error {
			var applyErr error
			result, applyErr = svc.Apply(ctx, tx, dep)
			return applyErr
		}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if result.Applied {
			t.Fatalf("Apply() result = %+v, want not applied", result)
		}

		intake, _ := store.GetAccount(ctx, accts["intake"].ID)
		if !intake.Balance.Equal(dec("75.00")) {
			t.Fatalf("intake balance = %s, want untouched 75.00", intake.Balance)
		}
	})

	t.Run("rule selection follows priority then age", func(t *testing.T) {
		svc, store, accts := setup(t)
		if _, err := svc.CreateRule(ctx, domain.Rule{
			Name:     "fallback",
			Active:   true,
			Priority: 10,
			Splits:   []domain.Split{{AccountName: "reserve", Percentage: dec("100")}},
		}, "guardian-1"); err != nil {
			t.Fatalf("CreateRule() error = %v", err)
		}
		if _, err := svc.CreateRule(ctx, domain.Rule{
			Name:      "large-deposits",
			Active:    true,
			Priority:  1,
			MinAmount: dec("1000"),
			Splits:    []domain.Split{{AccountName: "operating", Percentage: dec("100")}},
		}, "guardian-1"); err != nil {
			t.Fatalf("CreateRule() error = %v", err)
		}

		dep := deposit(t, store, accts["intake"], "10.00")
		var result domain.Result
		if err := store.Atomic(ctx, func(tx storage.Store) error {
			var applyErr error
			result, applyErr = svc.Apply(ctx, tx, dep)
			return applyErr
		}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		// Small deposit skips the bounded priority-1 rule.
		if result.RuleName != "fallback" {
			t.Fatalf("selected rule = %s, want fallback", result.RuleName)
		}

		big := deposit(t, store, accts["intake"], "5000.00")
		if err := store.Atomic(ctx, func(tx storage.Store) error {
			var applyErr error
			result, applyErr = svc.Apply(ctx, tx, big)
			return applyErr
		}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if result.RuleName != "large-deposits" {
			t.Fatalf("selected rule = %s, want large-deposits", result.RuleName)
		}
	})

	t.Run("rule gone invalid aborts the unit", func(t *testing.T) {
		svc, store, accts := setup(t)

		// Seed a broken rule behind the service's back; a concurrent edit
		// could leave the same state between selection and use.
		if _, err := store.CreateRule(ctx, domain.Rule{
			Name:   "broken",
			Active: true,
			Splits: []domain.Split{{AccountName: "operating", Percentage: dec("99")}},
		}); err != nil {
			t.Fatalf("seed rule: %v", err)
		}

		dep := deposit(t, store, accts["intake"], "100.00")
		err := store.Atomic(ctx, func(tx storage.Store) error {
			_, applyErr := svc.Apply(ctx, tx, dep)
			return applyErr
		})
		if !errors.Is(err, ErrInvalidRuleConfiguration) {
			t.Fatalf("Apply() error = %v, want ErrInvalidRuleConfiguration", err)
		}

		children, _ := store.ListAllocationsByParent(ctx, dep.ID)
		if len(children) != 0 {
			t.Fatalf("allocation children = %d, want 0 after rollback", len(children))
		}
		intake, _ := store.GetAccount(ctx, accts["intake"].ID)
		operating, _ := store.GetAccount(ctx, accts["operating"].ID)
		if !intake.Balance.Equal(dec("100.00")) || !operating.Balance.IsZero() {
			t.Fatalf("balances intake=%s operating=%s, want 100.00/0", intake.Balance, operating.Balance)
		}
	})
}
