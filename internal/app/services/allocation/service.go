// Package allocation implements the allocation rule registry and the engine
// that fans a completed external deposit out across logical accounts.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/R3E-Network/treasury_layer/internal/app/domain/allocation"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/audit"
	"github.com/R3E-Network/treasury_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/treasury_layer/internal/app/storage"
	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

// Errors
var (
	ErrDuplicateRule  = errors.New("rule name already exists")
	ErrRuleNotFound   = errors.New("rule not found")
	ErrUnknownAccount = errors.New("rule references unknown account")
	// ErrNoApplicableRule marks a deposit no active rule covers. It is a
	// reportable business condition, not a unit-of-work failure: the deposit
	// stays COMPLETED and unallocated.
	ErrNoApplicableRule = errors.New("no applicable allocation rule")
	// ErrInvalidRuleConfiguration marks a rule whose percentages no longer
	// sum to 100 at the time of use. The whole fan-out aborts.
	ErrInvalidRuleConfiguration = errors.New("rule configuration invalid at time of use")
)

var hundred = decimal.NewFromInt(100)

// Service manages allocation rules and executes deposit fan-outs.
type Service struct {
	store storage.Store
	log   *logger.Logger
}

// New constructs the allocation service.
func New(store storage.Store, log *logger.Logger) *Service {
	return &Service{store: store, log: log}
}

// CreateRule validates and persists a new allocation rule. Every split must
// reference an existing active account by name, and percentages must sum to
// exactly 100.
func (s *Service) CreateRule(ctx context.Context, rule domain.Rule, actor string) (domain.Rule, error) {
	if rule.Name == "" {
		return domain.Rule{}, fmt.Errorf("%w: name required", domain.ErrInvalidRule)
	}
	if err := rule.Validate(); err != nil {
		return domain.Rule{}, err
	}
	rule.CreatedBy = actor

	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		for _, split := range rule.Splits {
			if _, err := tx.GetAccountByName(ctx, split.AccountName); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrUnknownAccount, split.AccountName)
				}
				return err
			}
		}

		created, err := tx.CreateRule(ctx, rule)
		if err != nil {
			return err
		}
		rule = created

		_, err = tx.AppendAudit(ctx, audit.Entry{
			EntityType: "allocation_rule",
			EntityID:   created.ID,
			Action:     audit.ActionCreate,
			After:      ruleSnapshot(created),
			Actor:      actor,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return domain.Rule{}, fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
		}
		return domain.Rule{}, err
	}

	s.log.WithField("rule_id", rule.ID).WithField("name", rule.Name).Info("allocation rule created")
	return rule, nil
}

// GetRule retrieves a rule by ID.
func (s *Service) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	rule, err := s.store.GetRule(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rule, err
}

// ListRules lists rules ordered by priority, then creation time.
func (s *Service) ListRules(ctx context.Context, activeOnly bool) ([]domain.Rule, error) {
	return s.store.ListRules(ctx, activeOnly)
}

// SetActive flips a rule's active flag.
func (s *Service) SetActive(ctx context.Context, id string, active bool, actor string) (domain.Rule, error) {
	var updated domain.Rule
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		rule, err := tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		before := ruleSnapshot(rule)
		rule.Active = active

		updated, err = tx.UpdateRule(ctx, rule)
		if err != nil {
			return err
		}

		_, err = tx.AppendAudit(ctx, audit.Entry{
			EntityType: "allocation_rule",
			EntityID:   rule.ID,
			Action:     audit.ActionUpdate,
			Before:     before,
			After:      ruleSnapshot(updated),
			Actor:      actor,
		})
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return updated, err
}

// Apply runs the allocation engine for a completed external deposit inside
// the caller's unit of work. A missing rule is reported through the Result,
// not an error, so the deposit itself still commits; every other failure
// aborts the unit.
func (s *Service) Apply(ctx context.Context, tx storage.Store, deposit ledger.Transaction) (domain.Result, error) {
	// Idempotency: re-delivered deposits return the prior fan-out unchanged.
	existing, err := tx.ListAllocationsByParent(ctx, deposit.ID)
	if err != nil {
		return domain.Result{}, fmt.Errorf("list allocations: %w", err)
	}
	if len(existing) > 0 {
		return resultFromChildren(deposit.ID, existing), nil
	}

	rule, err := s.selectRule(ctx, tx, deposit.Amount)
	if err != nil {
		if errors.Is(err, ErrNoApplicableRule) {
			if auditErr := s.auditUnallocated(ctx, tx, deposit); auditErr != nil {
				return domain.Result{}, auditErr
			}
			return domain.Result{
				DepositID: deposit.ID,
				Applied:   false,
				Reason:    ErrNoApplicableRule.Error(),
			}, nil
		}
		return domain.Result{}, err
	}

	// Re-validate at time of use: a concurrent rule edit must not let a
	// non-100 split through.
	if err := rule.Validate(); err != nil {
		return domain.Result{}, fmt.Errorf("%w: %v", ErrInvalidRuleConfiguration, err)
	}

	planned := ComputeSplits(deposit.Amount, rule)

	now := time.Now().UTC()
	result := domain.Result{
		DepositID: deposit.ID,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Applied:   true,
		AppliedAt: now,
	}

	for _, plan := range planned {
		target, err := tx.GetAccountByName(ctx, plan.AccountName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return domain.Result{}, fmt.Errorf("%w: %s", ErrUnknownAccount, plan.AccountName)
			}
			return domain.Result{}, err
		}

		child := ledger.Transaction{
			Type:        ledger.TxInternalAllocation,
			Status:      ledger.StatusCompleted,
			Amount:      plan.Amount,
			FromAccount: deposit.ToAccount,
			ToAccount:   target.ID,
			ParentID:    deposit.ID,
			Actor:       deposit.Actor,
			Metadata: map[string]string{
				"rule_id":    rule.ID,
				"rule_name":  rule.Name,
				"percentage": plan.Percentage.String(),
			},
			CreatedAt:   now,
			CompletedAt: now,
		}
		created, err := tx.CreateTransaction(ctx, child)
		if err != nil {
			return domain.Result{}, err
		}

		// Move the funds: the deposit credited its intake account in full,
		// so each child debits the intake and credits its target. A split
		// aimed back at the intake nets to a recorded self-transfer.
		if _, err := tx.AdjustBalance(ctx, deposit.ToAccount, plan.Amount.Neg()); err != nil {
			return domain.Result{}, fmt.Errorf("debit intake: %w", err)
		}
		if _, err := tx.AdjustBalance(ctx, target.ID, plan.Amount); err != nil {
			return domain.Result{}, fmt.Errorf("credit %s: %w", target.Name, err)
		}

		result.Entries = append(result.Entries, domain.Entry{
			TransactionID: created.ID,
			AccountID:     target.ID,
			AccountName:   target.Name,
			Percentage:    plan.Percentage,
			Amount:        plan.Amount,
		})
	}

	_, err = tx.AppendAudit(ctx, audit.Entry{
		EntityType: "allocation_rule",
		EntityID:   rule.ID,
		Action:     audit.ActionExecute,
		After: map[string]string{
			"deposit_id": deposit.ID,
			"amount":     deposit.Amount.String(),
			"children":   fmt.Sprintf("%d", len(result.Entries)),
		},
		Actor: deposit.Actor,
	})
	if err != nil {
		return domain.Result{}, err
	}

	return result, nil
}

// selectRule picks the active rule with the lowest priority value whose
// bounds cover amount; ties break on creation time (oldest wins).
func (s *Service) selectRule(ctx context.Context, tx storage.Store, amount decimal.Decimal) (domain.Rule, error) {
	rules, err := tx.ListRules(ctx, true)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("list rules: %w", err)
	}
	// Rules arrive ordered by (priority, created_at).
	for _, rule := range rules {
		if rule.AppliesTo(amount) {
			return rule, nil
		}
	}
	return domain.Rule{}, ErrNoApplicableRule
}

func (s *Service) auditUnallocated(ctx context.Context, tx storage.Store, deposit ledger.Transaction) error {
	s.log.WithField("deposit_id", deposit.ID).
		WithField("amount", deposit.Amount.String()).
		Warn("deposit completed with no applicable allocation rule")

	_, err := tx.AppendAudit(ctx, audit.Entry{
		EntityType: "transaction",
		EntityID:   deposit.ID,
		Action:     audit.ActionExecute,
		After: map[string]string{
			"condition": "unallocated_deposit",
			"amount":    deposit.Amount.String(),
		},
		Actor: deposit.Actor,
	})
	return err
}

// PlannedSplit is one computed slice of a deposit.
type PlannedSplit struct {
	AccountName string
	Percentage  decimal.Decimal
	Amount      decimal.Decimal
}

// ComputeSplits divides amount per the rule's percentages, truncating each
// slice to two decimal places so no value is invented, then credits the
// accumulated remainder to the highest-percentage split (first on ties) so
// the slices sum to amount exactly.
func ComputeSplits(amount decimal.Decimal, rule domain.Rule) []PlannedSplit {
	planned := make([]PlannedSplit, len(rule.Splits))
	allocated := decimal.Zero
	largest := 0
	for i, split := range rule.Splits {
		slice := amount.Mul(split.Percentage).Div(hundred).Truncate(2)
		planned[i] = PlannedSplit{
			AccountName: split.AccountName,
			Percentage:  split.Percentage,
			Amount:      slice,
		}
		allocated = allocated.Add(slice)
		if split.Percentage.GreaterThan(rule.Splits[largest].Percentage) {
			largest = i
		}
	}

	if remainder := amount.Sub(allocated); remainder.IsPositive() {
		planned[largest].Amount = planned[largest].Amount.Add(remainder)
	}
	return planned
}

// resultFromChildren reconstructs the prior fan-out result for an
// already-allocated deposit.
func resultFromChildren(depositID string, children []ledger.Transaction) domain.Result {
	result := domain.Result{
		DepositID: depositID,
		Applied:   true,
		Reason:    "already allocated",
	}
	for _, child := range children {
		pct, _ := decimal.NewFromString(child.Metadata["percentage"])
		if result.RuleID == "" {
			result.RuleID = child.Metadata["rule_id"]
			result.RuleName = child.Metadata["rule_name"]
		}
		result.Entries = append(result.Entries, domain.Entry{
			TransactionID: child.ID,
			AccountID:     child.ToAccount,
			Percentage:    pct,
			Amount:        child.Amount,
		})
		if result.AppliedAt.IsZero() || child.CompletedAt.After(result.AppliedAt) {
			result.AppliedAt = child.CompletedAt
		}
	}
	return result
}

func ruleSnapshot(rule domain.Rule) map[string]string {
	snap := map[string]string{
		"name":     rule.Name,
		"active":   fmt.Sprintf("%t", rule.Active),
		"priority": fmt.Sprintf("%d", rule.Priority),
	}
	for _, split := range rule.Splits {
		snap["split:"+split.AccountName] = split.Percentage.String()
	}
	if rule.MinAmount.IsPositive() {
		snap["min_amount"] = rule.MinAmount.String()
	}
	if rule.MaxAmount.IsPositive() {
		snap["max_amount"] = rule.MaxAmount.String()
	}
	return snap
}
