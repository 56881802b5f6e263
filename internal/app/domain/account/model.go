// Package account defines the logical treasury account model.
package account

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type classifies a logical account within the pooled treasury balance.
type Type string

const (
	TypeOperating   Type = "OPERATING"
	TypeReserve     Type = "RESERVE"
	TypeRewards     Type = "REWARDS"
	TypeDevelopment Type = "DEVELOPMENT"
	TypeMarketing   Type = "MARKETING"
	TypeCustom      Type = "CUSTOM"
)

// ValidTypes lists the closed set of account types.
var ValidTypes = []Type{TypeOperating, TypeReserve, TypeRewards, TypeDevelopment, TypeMarketing, TypeCustom}

// IsValid reports whether t is a known account type.
func (t Type) IsValid() bool {
	for _, v := range ValidTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Account is a logical subdivision of the single pooled custody balance.
// Its balance moves only through ledger-recorded transactions.
type Account struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        Type            `json:"type"`
	Description string          `json:"description,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Status is the treasury-wide view returned by the status endpoint.
type Status struct {
	Accounts      []Account       `json:"accounts"`
	TotalBalance  decimal.Decimal `json:"total_balance"`
	ReserveHealth decimal.Decimal `json:"reserve_health_pct"`
	GeneratedAt   time.Time       `json:"generated_at"`
}
