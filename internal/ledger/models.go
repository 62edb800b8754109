// Package ledger implements the custodial balance ledger. It is the only
// place account balances are mutated; every other component goes through
// the Store's atomic primitives.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is a per-(owner, asset) balance record. Held and FeeReserved are
// sub-buckets of Balance: Held + FeeReserved <= Balance at all times.
type Account struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID        string          `gorm:"index:idx_owner_asset,unique;not null" json:"owner_id"`
	Asset          string          `gorm:"index:idx_owner_asset,unique;not null" json:"asset"`
	Balance        decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"balance"`
	Held           decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"held"`
	FeeReserved    decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"fee_reserved"`
	DepositAddress string          `gorm:"index" json:"deposit_address"`
	LastSyncedAt   *time.Time      `json:"last_synced_at,omitempty"`
	LastSyncDrift  decimal.Decimal `gorm:"type:decimal(36,18)" json:"last_sync_drift"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Available is the spendable portion of the balance.
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Held).Sub(a.FeeReserved)
}

// Entry is an append-only transaction-history row. IdempotencyKey is set for
// credits that must apply at most once (webhook deposits, payout refunds).
type Entry struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID      uuid.UUID       `gorm:"type:uuid;index;not null" json:"account_id"`
	OwnerID        string          `gorm:"index" json:"owner_id"`
	Asset          string          `gorm:"index" json:"asset"`
	Amount         decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"amount"`
	Fee            decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"fee"`
	Reason         string          `gorm:"not null" json:"reason"`
	IdempotencyKey *string         `gorm:"uniqueIndex" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`
}

// HoldStatus is the lifecycle state of a Hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released"
	HoldSettled  HoldStatus = "settled"
)

// Hold earmarks funds within an account for an in-flight trade ticket.
// FeeAmount is the portion reserved for the platform fee at hold time; it is
// tracked in the account's FeeReserved bucket rather than Held.
type Hold struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID  uuid.UUID       `gorm:"type:uuid;index;not null" json:"account_id"`
	TicketRef  string          `gorm:"index;not null" json:"ticket_ref"`
	Amount     decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"amount"`
	FeeAmount  decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"fee_amount"`
	Status     HoldStatus      `gorm:"index;not null" json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ReleasedAt *time.Time      `json:"released_at,omitempty"`
	SettledAt  *time.Time      `json:"settled_at,omitempty"`
}

// Balance is the external view of an account returned by balance queries.
type Balance struct {
	OwnerID     string          `json:"owner_id"`
	Asset       string          `json:"asset"`
	Balance     decimal.Decimal `json:"balance"`
	Held        decimal.Decimal `json:"held"`
	FeeReserved decimal.Decimal `json:"fee_reserved"`
	Available   decimal.Decimal `json:"available"`
}
