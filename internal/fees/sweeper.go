package fees

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/afroo/custodian/internal/ledger"
	"github.com/afroo/custodian/internal/metrics"
)

// minSweepAmounts keeps sweeps above dust level per asset; below-minimum
// reserves accumulate until worth a transaction.
var minSweepAmounts = map[string]decimal.Decimal{
	"BTC":      decimal.RequireFromString("0.00004"),
	"LTC":      decimal.RequireFromString("0.005"),
	"ETH":      decimal.RequireFromString("0.0003"),
	"SOL":      decimal.RequireFromString("0.005"),
	"USDC-SOL": decimal.RequireFromString("0.5"),
	"USDC-ETH": decimal.RequireFromString("0.5"),
	"USDT-SOL": decimal.RequireFromString("0.5"),
	"USDT-ETH": decimal.RequireFromString("0.5"),
}

// Sender broadcasts the aggregated sweep to the admin wallet. Implemented by
// the payout path; tests use a fake.
type Sender interface {
	Send(ctx context.Context, asset string, amount decimal.Decimal, toAddress string) (string, error)
}

// AssetResult reports what the sweeper did for one asset.
type AssetResult struct {
	Asset    string          `json:"asset"`
	Total    decimal.Decimal `json:"total"`
	Minimum  decimal.Decimal `json:"minimum"`
	Swept    bool            `json:"swept"`
	Skipped  string          `json:"skipped,omitempty"`
	TxHash   string          `json:"tx_hash,omitempty"`
	Accounts int             `json:"accounts"`
}

// Sweeper periodically moves accumulated fee reserves to the platform's
// admin wallets.
type Sweeper struct {
	db            *gorm.DB
	store         *ledger.Store
	collector     *Collector
	sender        Sender
	logger        *zap.Logger
	adminWallets  map[string]string
	platformOwner string
	interval      time.Duration
	minimums      map[string]decimal.Decimal
	stopCh        chan struct{}
}

// NewSweeper creates a fee sweeper. adminWallets maps asset to the wallet
// that receives swept fees; assets without an entry are never swept.
// interval zero means twice daily.
func NewSweeper(db *gorm.DB, store *ledger.Store, collector *Collector, sender Sender, adminWallets map[string]string, platformOwner string, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	minimums := make(map[string]decimal.Decimal, len(minSweepAmounts))
	for asset, min := range minSweepAmounts {
		minimums[asset] = min
	}
	return &Sweeper{
		db:            db,
		store:         store,
		collector:     collector,
		sender:        sender,
		logger:        logger,
		adminWallets:  adminWallets,
		platformOwner: platformOwner,
		interval:      interval,
		minimums:      minimums,
	}
}

// SetMinimum overrides the minimum sweep amount for an asset.
func (s *Sweeper) SetMinimum(asset string, min decimal.Decimal) {
	s.minimums[asset] = min
}

// SweepAll runs one sweep pass over every asset carrying fee reserves.
// force skips the minimum checks; dryRun reports what would happen without
// moving anything.
func (s *Sweeper) SweepAll(ctx context.Context, force, dryRun bool) ([]*AssetResult, error) {
	assets, err := s.store.ListAssetsWithFeeReserve(ctx, s.platformOwner)
	if err != nil {
		return nil, err
	}

	results := make([]*AssetResult, 0, len(assets))
	for _, asset := range assets {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		result, err := s.sweepAsset(ctx, asset, force, dryRun)
		if err != nil {
			s.logger.Error("asset sweep failed", zap.Error(err), zap.String("asset", asset))
			results = append(results, &AssetResult{Asset: asset, Skipped: "error: " + err.Error()})
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Sweeper) sweepAsset(ctx context.Context, asset string, force, dryRun bool) (*AssetResult, error) {
	accounts, err := s.store.ListAccountsWithFeeReserve(ctx, asset, s.platformOwner)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, account := range accounts {
		total = total.Add(account.FeeReserved)
	}

	minimum := s.minimums[asset]
	result := &AssetResult{
		Asset:    asset,
		Total:    total,
		Minimum:  minimum,
		Accounts: len(accounts),
	}

	if !force && total.LessThan(minimum) {
		result.Skipped = "below_minimum"
		return result, nil
	}

	adminWallet, ok := s.adminWallets[asset]
	if !ok {
		result.Skipped = "no_admin_wallet"
		return result, nil
	}

	if dryRun {
		result.Skipped = "dry_run"
		return result, nil
	}

	txHash, err := s.sender.Send(ctx, asset, total, adminWallet)
	if err != nil {
		return nil, fmt.Errorf("failed to send sweep: %w", err)
	}

	owners := make([]string, 0, len(accounts))
	for _, account := range accounts {
		swept, err := s.store.SweepFeeReserve(ctx, account.OwnerID, asset)
		if err != nil {
			// the on-chain send already happened; keep going so the
			// remaining reserves are zeroed, and surface the failure
			s.logger.Error("failed to zero fee reserve after sweep",
				zap.Error(err),
				zap.String("owner_id", account.OwnerID),
				zap.String("asset", asset),
			)
			continue
		}
		if swept.IsPositive() {
			owners = append(owners, account.OwnerID)
		}
	}

	if err := s.collector.markCollected(ctx, asset, owners, txHash); err != nil {
		return nil, err
	}

	sweep := SweepRecord{
		ID:          uuid.New(),
		Asset:       asset,
		AmountUnits: total,
		Accounts:    len(owners),
		TxHash:      txHash,
	}
	if err := s.db.WithContext(ctx).Create(&sweep).Error; err != nil {
		return nil, fmt.Errorf("failed to record sweep: %w", err)
	}

	result.Swept = true
	result.TxHash = txHash
	metrics.FeesSwept.WithLabelValues(asset).Inc()
	s.logger.Info("fees swept",
		zap.String("asset", asset),
		zap.String("amount", total.String()),
		zap.Int("accounts", len(owners)),
		zap.String("tx_hash", txHash),
	)
	return result, nil
}

// History returns recent sweep executions, newest first.
func (s *Sweeper) History(ctx context.Context, limit int) ([]*SweepRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []*SweepRecord
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sweeps: %w", err)
	}
	return records, nil
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	go s.run(ctx)
}

// Stop terminates the loop.
func (s *Sweeper) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
	}
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.SweepAll(ctx, false, false); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("sweep pass failed", zap.Error(err))
			}
		}
	}
}
