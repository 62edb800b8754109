package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/afroo/custodian/internal/chain"
	"github.com/afroo/custodian/internal/ledger"
	"github.com/afroo/custodian/internal/metrics"
)

// assetByChain maps gateway chain names to native asset codes.
var assetByChain = map[string]string{
	"bitcoin":  "BTC",
	"litecoin": "LTC",
	"solana":   "SOL",
	"ethereum": "ETH",
}

// assetByContract maps token contract addresses to token asset codes.
var assetByContract = map[string]string{
	"es9vmfrzacermjfrf4h2fyd4kconky11mcce8benwnyb": "USDT-SOL",
	"epjfwdd5aufqssqem2qn1xzybapc8g4weggkzwytdt1v": "USDC-SOL",
	"0xdac17f958d2ee523a2206206994597c13d831ec7":   "USDT-ETH",
	"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48":   "USDC-ETH",
}

// Event is a parsed deposit notification.
type Event struct {
	Chain         string          `json:"chain"`
	TxHash        string          `json:"txId"`
	ToAddress     string          `json:"to"`
	FromAddress   string          `json:"from"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	TokenContract string          `json:"tokenAddress,omitempty"`
}

// Result statuses returned by Process.
const (
	StatusCredited  = "credited"
	StatusPending   = "pending"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

// Result describes the outcome of processing one delivery.
type Result struct {
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	OwnerID       string          `json:"owner_id,omitempty"`
	Asset         string          `json:"asset,omitempty"`
	AmountUnits   decimal.Decimal `json:"amount_units,omitempty"`
	Confirmations int             `json:"confirmations,omitempty"`
	Required      int             `json:"required,omitempty"`
	TxHash        string          `json:"tx_hash,omitempty"`
}

// Ingestor consumes deposit events and credits the ledger exactly once per
// underlying transaction.
type Ingestor struct {
	db            *gorm.DB
	store         *ledger.Store
	logger        *zap.Logger
	confirmations map[string]int

	staleAfter     time.Duration
	expiryInterval time.Duration
	stopCh         chan struct{}
}

// NewIngestor creates a webhook ingestor. confirmations may override the
// default per-asset thresholds; nil keeps the defaults. staleAfter bounds
// how long a deposit may sit in confirming before it is abandoned; zero
// means 72 hours.
func NewIngestor(db *gorm.DB, store *ledger.Store, confirmations map[string]int, staleAfter time.Duration, logger *zap.Logger) *Ingestor {
	merged := make(map[string]int, len(chain.DefaultConfirmations))
	for asset, n := range chain.DefaultConfirmations {
		merged[asset] = n
	}
	for asset, n := range confirmations {
		merged[asset] = n
	}
	if staleAfter <= 0 {
		staleAfter = 72 * time.Hour
	}
	return &Ingestor{
		db:             db,
		store:          store,
		logger:         logger,
		confirmations:  merged,
		staleAfter:     staleAfter,
		expiryInterval: time.Hour,
	}
}

// Migrate creates the webhook tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&PendingDeposit{})
}

// RequiredConfirmations returns the credit threshold for an asset. Unknown
// assets default to 1.
func (i *Ingestor) RequiredConfirmations(asset string) int {
	if n, ok := i.confirmations[asset]; ok {
		return n
	}
	return 1
}

// Process handles one webhook delivery. It is safe to call concurrently and
// repeatedly with the same event: the (chain, txHash, address) uniqueness
// constraint guarantees at most one credit per transaction.
func (i *Ingestor) Process(ctx context.Context, event Event, rawPayload string) (*Result, error) {
	asset := resolveAsset(event.Chain, event.TokenContract)
	if asset == "" {
		i.logger.Warn("webhook for unknown asset",
			zap.String("chain", event.Chain),
			zap.String("token_contract", event.TokenContract),
		)
		metrics.IgnoredEvents.WithLabelValues("unknown_asset").Inc()
		return &Result{Status: StatusIgnored, Reason: "unknown_asset"}, nil
	}

	account, err := i.store.GetAccountByAddress(ctx, asset, event.ToAddress)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		if err := i.recordIgnored(ctx, event, asset, "not_platform_wallet", rawPayload); err != nil {
			return nil, err
		}
		metrics.IgnoredEvents.WithLabelValues("not_platform_wallet").Inc()
		return &Result{Status: StatusIgnored, Reason: "not_platform_wallet"}, nil
	}
	if err != nil {
		return nil, err
	}

	deposit, err := i.upsertDeposit(ctx, event, asset, account.OwnerID, rawPayload)
	if err != nil {
		return nil, err
	}

	if deposit.Status == DepositIgnored {
		return &Result{Status: StatusIgnored, Reason: deposit.Reason, TxHash: event.TxHash}, nil
	}

	if deposit.Status == DepositCredited {
		i.logger.Info("duplicate webhook delivery",
			zap.String("tx_hash", event.TxHash),
			zap.String("asset", asset),
		)
		metrics.DuplicateEvents.Inc()
		return &Result{Status: StatusDuplicate, TxHash: event.TxHash}, nil
	}

	required := i.RequiredConfirmations(asset)
	if event.Confirmations < required {
		i.logger.Info("deposit awaiting confirmations",
			zap.String("tx_hash", event.TxHash),
			zap.String("asset", asset),
			zap.Int("confirmations", event.Confirmations),
			zap.Int("required", required),
		)
		return &Result{
			Status:        StatusPending,
			Asset:         asset,
			Confirmations: event.Confirmations,
			Required:      required,
		}, nil
	}

	idempotencyKey := depositKey(event.Chain, event.TxHash, event.ToAddress)
	if _, err := i.store.Credit(ctx, account.OwnerID, asset, event.Amount, "deposit:"+event.TxHash, idempotencyKey); err != nil {
		return nil, fmt.Errorf("failed to credit deposit: %w", err)
	}

	now := time.Now()
	err = i.db.WithContext(ctx).Model(deposit).Updates(map[string]interface{}{
		"status":        DepositCredited,
		"confirmations": event.Confirmations,
		"credited_at":   now,
		"updated_at":    now,
	}).Error
	if err != nil {
		// the credit is idempotent; a redelivery will converge this row
		i.logger.Error("failed to mark deposit credited", zap.Error(err), zap.String("tx_hash", event.TxHash))
	}

	i.logger.Info("deposit credited",
		zap.String("owner_id", account.OwnerID),
		zap.String("asset", asset),
		zap.String("amount", event.Amount.String()),
		zap.String("tx_hash", event.TxHash),
	)
	metrics.DepositsCredited.WithLabelValues(asset).Inc()

	return &Result{
		Status:      StatusCredited,
		OwnerID:     account.OwnerID,
		Asset:       asset,
		AmountUnits: event.Amount,
		TxHash:      event.TxHash,
	}, nil
}

// ExpireStale marks deposits stuck in confirming longer than maxAge as
// ignored, so redeliveries for abandoned transactions stop being tracked.
func (i *Ingestor) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res := i.db.WithContext(ctx).Model(&PendingDeposit{}).
		Where("status = ? AND created_at < ?", DepositConfirming, cutoff).
		Updates(map[string]interface{}{
			"status":     DepositIgnored,
			"reason":     "confirmation_window_expired",
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire stale deposits: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Start launches the periodic stale-deposit expiry loop.
func (i *Ingestor) Start(ctx context.Context) {
	i.stopCh = make(chan struct{})
	go i.run(ctx)
}

// Stop terminates the loop.
func (i *Ingestor) Stop() {
	if i.stopCh != nil {
		close(i.stopCh)
	}
}

func (i *Ingestor) run(ctx context.Context) {
	ticker := time.NewTicker(i.expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopCh:
			return
		case <-ticker.C:
			expired, err := i.ExpireStale(ctx, i.staleAfter)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					i.logger.Error("stale deposit expiry failed", zap.Error(err))
				}
				continue
			}
			if expired > 0 {
				i.logger.Info("expired stale deposits", zap.Int64("count", expired))
			}
		}
	}
}

func (i *Ingestor) upsertDeposit(ctx context.Context, event Event, asset, ownerID, rawPayload string) (*PendingDeposit, error) {
	var deposit PendingDeposit
	err := i.db.WithContext(ctx).
		Where("chain = ? AND tx_hash = ? AND address = ?", event.Chain, event.TxHash, event.ToAddress).
		First(&deposit).Error
	if err == nil {
		if deposit.Status == DepositConfirming && event.Confirmations > deposit.Confirmations {
			if err := i.db.WithContext(ctx).Model(&deposit).
				Update("confirmations", event.Confirmations).Error; err != nil {
				return nil, fmt.Errorf("failed to update confirmations: %w", err)
			}
			deposit.Confirmations = event.Confirmations
		}
		return &deposit, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up deposit: %w", err)
	}

	deposit = PendingDeposit{
		ID:            uuid.New(),
		Chain:         event.Chain,
		TxHash:        event.TxHash,
		Address:       event.ToAddress,
		TokenContract: event.TokenContract,
		Asset:         asset,
		OwnerID:       ownerID,
		AmountUnits:   event.Amount,
		Confirmations: event.Confirmations,
		Status:        DepositConfirming,
		RawPayload:    rawPayload,
	}
	if err := i.db.WithContext(ctx).Create(&deposit).Error; err != nil {
		// lost a race with a concurrent delivery of the same event
		var existing PendingDeposit
		if ferr := i.db.WithContext(ctx).
			Where("chain = ? AND tx_hash = ? AND address = ?", event.Chain, event.TxHash, event.ToAddress).
			First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create deposit: %w", err)
	}
	return &deposit, nil
}

func (i *Ingestor) recordIgnored(ctx context.Context, event Event, asset, reason, rawPayload string) error {
	deposit, err := i.upsertDeposit(ctx, event, asset, "", rawPayload)
	if err != nil {
		return err
	}
	if deposit.Status != DepositConfirming {
		return nil
	}
	return i.db.WithContext(ctx).Model(deposit).Updates(map[string]interface{}{
		"status":     DepositIgnored,
		"reason":     reason,
		"updated_at": time.Now(),
	}).Error
}

func resolveAsset(chainName, tokenContract string) string {
	if tokenContract != "" {
		if asset, ok := assetByContract[strings.ToLower(tokenContract)]; ok {
			return asset
		}
		return ""
	}
	return assetByChain[strings.ToLower(chainName)]
}

func depositKey(chainName, txHash, address string) string {
	return fmt.Sprintf("%s:%s:%s", chainName, txHash, address)
}
