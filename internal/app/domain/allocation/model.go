// Package allocation defines percentage-split rules applied to qualifying
// deposits.
package allocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidRule is returned when a rule's split percentages do not sum to
// exactly 100 or a split is malformed.
var ErrInvalidRule = errors.New("invalid rule configuration")

// Split directs a percentage of a deposit to a named account.
type Split struct {
	AccountName string          `json:"account_name"`
	Percentage  decimal.Decimal `json:"percentage"`
}

// Rule is a named, prioritized percentage split. Lower Priority values take
// precedence. MinAmount/MaxAmount, when positive, bound the deposit amounts
// the rule applies to.
type Rule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Active      bool            `json:"active"`
	Priority    int             `json:"priority"`
	Splits      []Split         `json:"splits"`
	MinAmount   decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount   decimal.Decimal `json:"max_amount,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

var hundred = decimal.NewFromInt(100)

// Validate checks the split list: at least one split, positive percentages,
// non-empty account names, and a sum of exactly 100.
func (r Rule) Validate() error {
	if len(r.Splits) == 0 {
		return fmt.Errorf("%w: rule has no splits", ErrInvalidRule)
	}
	sum := decimal.Zero
	for _, s := range r.Splits {
		if s.AccountName == "" {
			return fmt.Errorf("%w: split with empty account name", ErrInvalidRule)
		}
		if !s.Percentage.IsPositive() {
			return fmt.Errorf("%w: split %s has non-positive percentage", ErrInvalidRule, s.AccountName)
		}
		sum = sum.Add(s.Percentage)
	}
	if !sum.Equal(hundred) {
		return fmt.Errorf("%w: percentages sum to %s, want 100", ErrInvalidRule, sum)
	}
	if r.MinAmount.IsPositive() && r.MaxAmount.IsPositive() && r.MaxAmount.LessThan(r.MinAmount) {
		return fmt.Errorf("%w: max amount below min amount", ErrInvalidRule)
	}
	return nil
}

// AppliesTo reports whether the rule is active and amount lies within its
// optional bounds.
func (r Rule) AppliesTo(amount decimal.Decimal) bool {
	if !r.Active {
		return false
	}
	if r.MinAmount.IsPositive() && amount.LessThan(r.MinAmount) {
		return false
	}
	if r.MaxAmount.IsPositive() && amount.GreaterThan(r.MaxAmount) {
		return false
	}
	return true
}

// Entry is one applied split within a Result.
type Entry struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	AccountName   string          `json:"account_name"`
	Percentage    decimal.Decimal `json:"percentage"`
	Amount        decimal.Decimal `json:"amount"`
}

// Result describes the outcome of running the allocation engine for one
// deposit. Applied is false when no active rule matched; Reason says why.
type Result struct {
	DepositID string    `json:"deposit_id"`
	RuleID    string    `json:"rule_id,omitempty"`
	RuleName  string    `json:"rule_name,omitempty"`
	Applied   bool      `json:"applied"`
	Reason    string    `json:"reason,omitempty"`
	Entries   []Entry   `json:"entries,omitempty"`
	AppliedAt time.Time `json:"applied_at,omitempty"`
}
