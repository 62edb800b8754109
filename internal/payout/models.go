// Package payout drives outbound blockchain payments through a confirmation
// state machine, with a compensating refund when a broadcast definitively
// fails after the debit.
package payout

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Status is a payout's position in its state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDebited    Status = "debited"
	StatusBroadcast  Status = "broadcast"
	StatusConfirming Status = "confirming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrNotFound         = errors.New("payout not found")
	ErrNotCancellable   = errors.New("payout can no longer be cancelled")
	ErrBelowMinimum     = errors.New("amount below asset minimum")
	ErrAboveMaximum     = errors.New("amount above asset maximum")
	ErrFailed           = errors.New("payout failed")
	ErrUnsupportedAsset = errors.New("unsupported asset")
)

// Payout is one outbound payment request and its progress.
type Payout struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID       string          `gorm:"index" json:"owner_id"`
	Asset         string          `gorm:"index" json:"asset"`
	AmountUnits   decimal.Decimal `gorm:"type:decimal(36,18)" json:"amount_units"`
	FeeUnits      decimal.Decimal `gorm:"type:decimal(36,18)" json:"fee_units"`
	ToAddress     string          `json:"to_address"`
	DebitEntryID  *uuid.UUID      `gorm:"type:uuid" json:"debit_entry_id,omitempty"`
	TxHash        string          `gorm:"index" json:"tx_hash,omitempty"`
	Confirmations int             `json:"confirmations"`
	Status        Status          `gorm:"index;not null" json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Refunded      bool            `json:"refunded"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Migrate creates the payout tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Payout{})
}
