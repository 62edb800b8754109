// Package fees records platform fees at charge time and sweeps accumulated
// fee reserves to the platform admin wallet.
package fees

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FeeStatus is the collection state of a FeeRecord.
type FeeStatus string

const (
	FeePendingCollection FeeStatus = "pending_collection"
	FeeCollected         FeeStatus = "collected"
	FeeVoided            FeeStatus = "voided"
)

// FeeRecord is written in the same transaction as the debit that charged the
// fee. It stays pending until a sweep moves the funds to the admin wallet.
type FeeRecord struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID       string          `gorm:"index" json:"owner_id"`
	Asset         string          `gorm:"index" json:"asset"`
	SourceEntryID uuid.UUID       `gorm:"type:uuid;index" json:"source_entry_id"`
	AmountUnits   decimal.Decimal `gorm:"type:decimal(36,18)" json:"amount_units"`
	AmountUSD     decimal.Decimal `gorm:"type:decimal(18,2)" json:"amount_usd"`
	Status        FeeStatus       `gorm:"index;not null" json:"status"`
	SweepTxHash   string          `json:"sweep_tx_hash,omitempty"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	CollectedAt   *time.Time      `json:"collected_at,omitempty"`
}

// SweepRecord is the audit trail of one executed sweep.
type SweepRecord struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Asset       string          `gorm:"index" json:"asset"`
	AmountUnits decimal.Decimal `gorm:"type:decimal(36,18)" json:"amount_units"`
	Accounts    int             `json:"accounts"`
	TxHash      string          `json:"tx_hash"`
	CreatedAt   time.Time       `gorm:"index" json:"created_at"`
}

// Migrate creates the fee tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&FeeRecord{}, &SweepRecord{})
}
