package fees

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/afroo/custodian/internal/ledger"
)

// Pricer converts asset amounts to USD. Implementations must be fast and
// non-blocking (cached or static rates); RecordFee runs inside a database
// transaction.
type Pricer interface {
	USDValue(asset string, amount decimal.Decimal) decimal.Decimal
}

// Collector writes FeeRecords for charged fees and guards withdrawals
// against unpaid fees. It is the ledger store's fee sink.
type Collector struct {
	db     *gorm.DB
	pricer Pricer
	logger *zap.Logger
}

// NewCollector creates a fee collector. pricer may be nil; USD values are
// then recorded as zero.
func NewCollector(db *gorm.DB, pricer Pricer, logger *zap.Logger) *Collector {
	return &Collector{db: db, pricer: pricer, logger: logger}
}

var _ ledger.FeeSink = (*Collector)(nil)

// RecordFee implements ledger.FeeSink. Called inside the debit transaction.
func (c *Collector) RecordFee(tx *gorm.DB, ownerID, asset string, sourceEntryID uuid.UUID, amountUnits decimal.Decimal) error {
	amountUSD := decimal.Zero
	if c.pricer != nil {
		amountUSD = c.pricer.USDValue(asset, amountUnits)
	}
	record := FeeRecord{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Asset:         asset,
		SourceEntryID: sourceEntryID,
		AmountUnits:   amountUnits,
		AmountUSD:     amountUSD,
		Status:        FeePendingCollection,
	}
	if err := tx.Create(&record).Error; err != nil {
		return fmt.Errorf("failed to create fee record: %w", err)
	}
	return nil
}

// PendingSummary aggregates an owner's uncollected fees.
type PendingSummary struct {
	OwnerID  string                     `json:"owner_id"`
	Count    int                        `json:"count"`
	TotalUSD decimal.Decimal            `json:"total_usd"`
	ByAsset  map[string]decimal.Decimal `json:"by_asset"`
	Records  []*FeeRecord               `json:"records"`
}

// GetPendingFees returns the owner's fees still awaiting collection.
func (c *Collector) GetPendingFees(ctx context.Context, ownerID string) (*PendingSummary, error) {
	var records []*FeeRecord
	err := c.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, FeePendingCollection).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending fees: %w", err)
	}

	summary := &PendingSummary{
		OwnerID:  ownerID,
		Count:    len(records),
		TotalUSD: decimal.Zero,
		ByAsset:  make(map[string]decimal.Decimal),
		Records:  records,
	}
	for _, r := range records {
		summary.TotalUSD = summary.TotalUSD.Add(r.AmountUSD)
		summary.ByAsset[r.Asset] = summary.ByAsset[r.Asset].Add(r.AmountUnits)
	}
	return summary, nil
}

// CanWithdraw reports whether the owner may withdraw. An owner is blocked
// when pending fees for some asset exceed what their account actually has
// reserved, which happens if a reconciliation correction ate into the
// reserve. Withdrawing around unpaid fees is not allowed.
func (c *Collector) CanWithdraw(ctx context.Context, ownerID string, store *ledger.Store) (bool, string, error) {
	summary, err := c.GetPendingFees(ctx, ownerID)
	if err != nil {
		return false, "", err
	}
	for asset, pending := range summary.ByAsset {
		account, err := store.GetAccount(ctx, ownerID, asset)
		if err != nil {
			return false, "", err
		}
		if pending.GreaterThan(account.FeeReserved) {
			reason := fmt.Sprintf("unpaid fees: %s %s pending, %s reserved",
				pending.String(), asset, account.FeeReserved.String())
			return false, reason, nil
		}
	}
	return true, "", nil
}

// VoidFeesForEntry marks the pending fees charged by one ledger entry as
// voided. Used when the charging operation is compensated (payout refund).
func (c *Collector) VoidFeesForEntry(ctx context.Context, sourceEntryID uuid.UUID) error {
	return c.db.WithContext(ctx).Model(&FeeRecord{}).
		Where("source_entry_id = ? AND status = ?", sourceEntryID, FeePendingCollection).
		Update("status", FeeVoided).Error
}

// markCollected flips an owner's pending records for one asset to collected.
func (c *Collector) markCollected(ctx context.Context, asset string, ownerIDs []string, txHash string) error {
	if len(ownerIDs) == 0 {
		return nil
	}
	now := time.Now()
	return c.db.WithContext(ctx).Model(&FeeRecord{}).
		Where("asset = ? AND status = ? AND owner_id IN ?", asset, FeePendingCollection, ownerIDs).
		Updates(map[string]interface{}{
			"status":        FeeCollected,
			"sweep_tx_hash": txHash,
			"collected_at":  now,
		}).Error
}
