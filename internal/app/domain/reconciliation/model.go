// Package reconciliation defines records comparing internal balances against
// an externally reported total.
package reconciliation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status classifies the size of a reconciliation discrepancy.
type Status string

const (
	StatusBalanced         Status = "BALANCED"
	StatusMinorDiscrepancy Status = "MINOR_DISCREPANCY"
	StatusMajorDiscrepancy Status = "MAJOR_DISCREPANCY"
	StatusCritical         Status = "CRITICAL"
)

// Classification thresholds, in percent of the internal total.
var (
	minorThreshold = decimal.NewFromInt(1)
	majorThreshold = decimal.NewFromInt(5)
)

// smallestUnit guards the percentage computation against a zero internal
// total: one cent, the smallest representable balance step.
var smallestUnit = decimal.NewFromFloat(0.01)

// Classify maps a discrepancy and internal total to a status. discrepancyPct
// is returned for persistence alongside the status.
func Classify(discrepancy, internalTotal decimal.Decimal) (Status, decimal.Decimal) {
	base := internalTotal
	if base.LessThan(smallestUnit) {
		base = smallestUnit
	}
	pct := discrepancy.Div(base).Mul(decimal.NewFromInt(100))

	switch {
	case discrepancy.IsZero():
		return StatusBalanced, pct
	case pct.Abs().LessThan(minorThreshold):
		return StatusMinorDiscrepancy, pct
	case pct.Abs().LessThan(majorThreshold):
		return StatusMajorDiscrepancy, pct
	default:
		return StatusCritical, pct
	}
}

// Record is one reconciliation run. Append-only; only resolution fields are
// ever attached after creation.
type Record struct {
	ID              string          `json:"id"`
	ExternalBalance decimal.Decimal `json:"external_balance"`
	InternalBalance decimal.Decimal `json:"internal_balance"`
	Discrepancy     decimal.Decimal `json:"discrepancy"`
	DiscrepancyPct  decimal.Decimal `json:"discrepancy_pct"`
	Status          Status          `json:"status"`
	Source          string          `json:"source,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Resolution      string          `json:"resolution,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolvedAt      time.Time       `json:"resolved_at,omitempty"`
	Actor           string          `json:"actor,omitempty"`
	ComputedAt      time.Time       `json:"computed_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Resolved reports whether resolution metadata has been attached.
func (r Record) Resolved() bool { return r.ResolvedBy != "" }
