// Package reconcile periodically compares ledger balances against on-chain
// balances. The chain is the source of truth: drift beyond tolerance is
// corrected in the ledger and recorded in an append-only audit trail.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/afroo/custodian/internal/chain"
	"github.com/afroo/custodian/internal/ledger"
	"github.com/afroo/custodian/internal/metrics"
)

var (
	// toleranceMinUnits is the absolute drift floor below which no
	// correction happens regardless of percentage.
	toleranceMinUnits = decimal.RequireFromString("0.0001")

	// tolerancePercent scales the tolerance with the recorded balance.
	tolerancePercent = decimal.RequireFromString("0.01")

	// criticalThreshold marks drift worth operator escalation.
	criticalThreshold = decimal.RequireFromString("0.05")
)

// DriftRecord is one audit entry for a detected balance drift. Rows are
// never mutated after creation.
type DriftRecord struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID    uuid.UUID       `gorm:"type:uuid;index;not null" json:"account_id"`
	OwnerID      string          `gorm:"index" json:"owner_id"`
	Asset        string          `gorm:"index" json:"asset"`
	DBBalance    decimal.Decimal `gorm:"type:decimal(36,18)" json:"db_balance"`
	ChainBalance decimal.Decimal `gorm:"type:decimal(36,18)" json:"chain_balance"`
	Drift        decimal.Decimal `gorm:"type:decimal(36,18)" json:"drift"`
	DriftPercent decimal.Decimal `gorm:"type:decimal(36,18)" json:"drift_percent"`
	IsCritical   bool            `gorm:"index" json:"is_critical"`
	SyncedAt     time.Time       `gorm:"index" json:"synced_at"`
}

// SyncOutcome reports what one account's sync pass did.
type SyncOutcome struct {
	OwnerID      string          `json:"owner_id"`
	Asset        string          `json:"asset"`
	Corrected    bool            `json:"corrected"`
	Drift        decimal.Decimal `json:"drift"`
	DriftPercent decimal.Decimal `json:"drift_percent"`
	IsCritical   bool            `json:"is_critical"`
}

// Summary aggregates one full reconciliation pass.
type Summary struct {
	Checked        int `json:"checked"`
	Corrected      int `json:"corrected"`
	CriticalDrifts int `json:"critical_drifts"`
	Errors         int `json:"errors"`
}

// Engine drives reconciliation against the ledger store and chain adapter.
type Engine struct {
	db      *gorm.DB
	store   *ledger.Store
	adapter chain.Adapter
	logger  *zap.Logger

	interval    time.Duration
	callTimeout time.Duration
	concurrency int
	stopCh      chan struct{}
}

// NewEngine creates a reconciliation engine. interval is the period between
// full passes; zero means 30 minutes.
func NewEngine(db *gorm.DB, store *ledger.Store, adapter chain.Adapter, interval time.Duration, logger *zap.Logger) *Engine {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Engine{
		db:          db,
		store:       store,
		adapter:     adapter,
		logger:      logger,
		interval:    interval,
		callTimeout: 30 * time.Second,
		concurrency: 4,
	}
}

// Migrate creates the reconciliation tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&DriftRecord{})
}

// SyncAccount reconciles a single account against its on-chain balance.
func (e *Engine) SyncAccount(ctx context.Context, account *ledger.Account) (*SyncOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	chainBal, err := e.adapter.GetBalance(callCtx, account.Asset, account.DepositAddress)
	if err != nil {
		// unavailable or timed out: skip, the next pass retries
		return nil, fmt.Errorf("failed to fetch chain balance: %w", err)
	}

	chainBalance := chainBal.Confirmed
	drift := chainBalance.Sub(account.Balance)
	driftPercent := decimal.Zero
	if !account.Balance.IsZero() {
		driftPercent = drift.Abs().Div(account.Balance)
	}

	tolerance := toleranceMinUnits
	if scaled := account.Balance.Mul(tolerancePercent); scaled.GreaterThan(tolerance) {
		tolerance = scaled
	}

	outcome := &SyncOutcome{
		OwnerID:      account.OwnerID,
		Asset:        account.Asset,
		Drift:        drift,
		DriftPercent: driftPercent,
	}

	if drift.Abs().LessThanOrEqual(tolerance) {
		if err := e.store.TouchSynced(ctx, account.ID, drift); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	outcome.Corrected = true
	outcome.IsCritical = driftPercent.GreaterThan(criticalThreshold)

	// correct first, then record: the stored balance must be right even if
	// the audit insert fails
	if err := e.store.SyncBalance(ctx, account.ID, chainBalance, drift); err != nil {
		return nil, fmt.Errorf("failed to apply correction: %w", err)
	}

	record := DriftRecord{
		ID:           uuid.New(),
		AccountID:    account.ID,
		OwnerID:      account.OwnerID,
		Asset:        account.Asset,
		DBBalance:    account.Balance,
		ChainBalance: chainBalance,
		Drift:        drift,
		DriftPercent: driftPercent,
		IsCritical:   outcome.IsCritical,
		SyncedAt:     time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to record drift: %w", err)
	}

	metrics.DriftCorrections.WithLabelValues(account.Asset, strconv.FormatBool(outcome.IsCritical)).Inc()
	if outcome.IsCritical {
		e.logger.Error("critical balance drift corrected",
			zap.String("owner_id", account.OwnerID),
			zap.String("asset", account.Asset),
			zap.String("db_balance", record.DBBalance.String()),
			zap.String("chain_balance", chainBalance.String()),
			zap.String("drift_percent", driftPercent.String()),
		)
	} else {
		e.logger.Warn("balance drift corrected",
			zap.String("owner_id", account.OwnerID),
			zap.String("asset", account.Asset),
			zap.String("drift", drift.String()),
		)
	}
	return outcome, nil
}

// RunOnce reconciles every account due for a sync. force ignores the last
// sync timestamp and checks everything with a nonzero balance.
func (e *Engine) RunOnce(ctx context.Context, force bool) (*Summary, error) {
	cutoff := time.Now().Add(-e.interval)
	if force {
		cutoff = time.Now()
	}
	accounts, err := e.store.ListAccountsForSync(ctx, cutoff, 0)
	if err != nil {
		return nil, err
	}

	// Row locks serialize per account, so accounts sync in parallel with the
	// adapter calls bounded by a small worker pool.
	summary := &Summary{}
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		work = make(chan *ledger.Account)
	)
	for i := 0; i < e.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for account := range work {
				outcome, err := e.SyncAccount(ctx, account)
				mu.Lock()
				summary.Checked++
				switch {
				case err != nil:
					summary.Errors++
					metrics.ReconcileErrors.Inc()
					if !errors.Is(err, chain.ErrUnavailable) && !errors.Is(err, chain.ErrTimeout) {
						e.logger.Error("account sync failed",
							zap.Error(err),
							zap.String("owner_id", account.OwnerID),
							zap.String("asset", account.Asset),
						)
					}
				default:
					if outcome.Corrected {
						summary.Corrected++
					}
					if outcome.IsCritical {
						summary.CriticalDrifts++
					}
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, account := range accounts {
		select {
		case work <- account:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}

	e.logger.Info("reconciliation pass complete",
		zap.Int("checked", summary.Checked),
		zap.Int("corrected", summary.Corrected),
		zap.Int("critical", summary.CriticalDrifts),
		zap.Int("errors", summary.Errors),
	)
	return summary, nil
}

// DriftHistory returns recent drift records, newest first, optionally
// filtered to critical ones.
func (e *Engine) DriftHistory(ctx context.Context, ownerID string, criticalOnly bool, limit int) ([]*DriftRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := e.db.WithContext(ctx).Model(&DriftRecord{})
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if criticalOnly {
		q = q.Where("is_critical = ?", true)
	}
	var records []*DriftRecord
	if err := q.Order("synced_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list drift records: %w", err)
	}
	return records, nil
}

// Start launches the periodic reconciliation loop.
func (e *Engine) Start(ctx context.Context) {
	e.stopCh = make(chan struct{})
	go e.run(ctx)
}

// Stop terminates the loop.
func (e *Engine) Stop() {
	if e.stopCh != nil {
		close(e.stopCh)
	}
}

func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx, false); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}
