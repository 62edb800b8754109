// Package webhook ingests asynchronous deposit events delivered by the chain
// gateway. Events arrive at least once, possibly late, duplicated or out of
// order; ingestion must credit each underlying transaction exactly once.
package webhook

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositStatus is the lifecycle state of a PendingDeposit.
type DepositStatus string

const (
	DepositConfirming DepositStatus = "confirming"
	DepositCredited   DepositStatus = "credited"
	DepositIgnored    DepositStatus = "ignored"
)

// PendingDeposit tracks one on-chain transaction observed via webhook.
// (Chain, TxHash, Address) is globally unique; redeliveries update the same
// row instead of creating a new one.
type PendingDeposit struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Chain         string          `gorm:"index:idx_chain_tx_addr,unique;not null" json:"chain"`
	TxHash        string          `gorm:"index:idx_chain_tx_addr,unique;not null" json:"tx_hash"`
	Address       string          `gorm:"index:idx_chain_tx_addr,unique;not null" json:"address"`
	TokenContract string          `json:"token_contract,omitempty"`
	Asset         string          `gorm:"index" json:"asset"`
	OwnerID       string          `gorm:"index" json:"owner_id"`
	AmountUnits   decimal.Decimal `gorm:"type:decimal(36,18)" json:"amount_units"`
	Confirmations int             `json:"confirmations"`
	Status        DepositStatus   `gorm:"index;not null" json:"status"`
	Reason        string          `json:"reason,omitempty"`
	RawPayload    string          `gorm:"type:text" json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CreditedAt    *time.Time      `json:"credited_at,omitempty"`
}
