package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/afroo/custodian/internal/chain"
	"github.com/afroo/custodian/internal/ledger"
	"github.com/afroo/custodian/internal/metrics"
)

// WithdrawGuard blocks payouts for owners with unpaid fees. Implemented by
// the fee collector; nil disables the guard.
type WithdrawGuard interface {
	CanWithdraw(ctx context.Context, ownerID string, store *ledger.Store) (bool, string, error)
}

// FeeVoider cancels the fee record of a compensated debit. Implemented by
// the fee collector; nil skips voiding.
type FeeVoider interface {
	VoidFeesForEntry(ctx context.Context, sourceEntryID uuid.UUID) error
}

// HotWallet identifies the platform's sending address and signing material
// for one asset.
type HotWallet struct {
	Address    string
	SigningRef string
}

// Engine runs payouts through their state machine:
//
//	pending → debited → broadcast → confirming → completed
//	                 ↘ failed (with compensating refund)
type Engine struct {
	db      *gorm.DB
	store   *ledger.Store
	adapter chain.Adapter
	guard   WithdrawGuard
	voider  FeeVoider
	logger  *zap.Logger

	hotWallets   map[string]HotWallet
	feePolicy    ledger.FeePolicy
	pollInterval time.Duration
	callTimeout  time.Duration
	stopCh       chan struct{}
}

// NewEngine creates a payout engine. hotWallets maps asset to the platform
// wallet that funds outbound sends. pollInterval is the period between
// confirmation polls; zero means one minute.
func NewEngine(db *gorm.DB, store *ledger.Store, adapter chain.Adapter, guard WithdrawGuard, voider FeeVoider, hotWallets map[string]HotWallet, feePolicy ledger.FeePolicy, pollInterval time.Duration, logger *zap.Logger) *Engine {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Engine{
		db:           db,
		store:        store,
		adapter:      adapter,
		guard:        guard,
		voider:       voider,
		logger:       logger,
		hotWallets:   hotWallets,
		feePolicy:    feePolicy,
		pollInterval: pollInterval,
		callTimeout:  30 * time.Second,
	}
}

// Initiate validates, debits and broadcasts a payout. On a definitive
// broadcast failure the debit is compensated by an idempotent refund credit.
// A timeout leaves the payout in debited state without a refund: the
// transaction may have reached the chain, and refunding would risk paying
// twice.
func (e *Engine) Initiate(ctx context.Context, ownerID, asset string, amount decimal.Decimal, toAddress string) (*Payout, error) {
	if !chain.Supported(asset) {
		return nil, ErrUnsupportedAsset
	}
	if !chain.ValidAddress(asset, toAddress) {
		return nil, chain.ErrAddressInvalid
	}
	if min, ok := chain.MinAmounts[asset]; ok && amount.LessThan(min) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, min)
	}
	if max, ok := chain.MaxAmounts[asset]; ok && amount.GreaterThan(max) {
		return nil, fmt.Errorf("%w: %s > %s", ErrAboveMaximum, amount, max)
	}
	if e.guard != nil {
		ok, reason, err := e.guard.CanWithdraw(ctx, ownerID, e.store)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("withdrawal blocked: %s", reason)
		}
	}
	wallet, ok := e.hotWallets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: no hot wallet for %s", ErrUnsupportedAsset, asset)
	}

	payout := &Payout{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Asset:       asset,
		AmountUnits: amount,
		FeeUnits:    e.feePolicy.Fee(amount),
		ToAddress:   toAddress,
		Status:      StatusPending,
	}
	if err := e.db.WithContext(ctx).Create(payout).Error; err != nil {
		return nil, fmt.Errorf("failed to create payout: %w", err)
	}

	// the debit is the first side effect; a failure here leaves nothing to
	// compensate
	entry, err := e.store.Debit(ctx, ownerID, asset, amount, "payout:"+payout.ID.String(), e.feePolicy)
	if err != nil {
		e.transition(ctx, payout, StatusFailed, func(p *Payout) {
			p.FailureReason = err.Error()
		})
		return payout, err
	}
	payout.FeeUnits = entry.Fee
	payout.DebitEntryID = &entry.ID
	if err := e.transition(ctx, payout, StatusDebited, nil); err != nil {
		return payout, err
	}

	return e.broadcast(ctx, payout, wallet)
}

func (e *Engine) broadcast(ctx context.Context, payout *Payout, wallet HotWallet) (*Payout, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	txHash, err := e.adapter.SendTransaction(callCtx, payout.Asset, wallet.Address, payout.ToAddress, payout.AmountUnits, wallet.SigningRef)
	if errors.Is(err, chain.ErrTimeout) {
		// ambiguous: the send may have landed on-chain, never refund here
		e.logger.Warn("payout broadcast timed out, outcome unknown",
			zap.String("payout_id", payout.ID.String()),
			zap.String("asset", payout.Asset),
		)
		e.transition(ctx, payout, StatusDebited, func(p *Payout) {
			p.FailureReason = "broadcast timeout, outcome unknown"
		})
		return payout, err
	}
	if err != nil {
		if rerr := e.refund(ctx, payout); rerr != nil {
			// funds debited and not returned; this is a page, not a log line
			e.logger.Error("payout refund failed after broadcast failure",
				zap.Error(rerr),
				zap.String("payout_id", payout.ID.String()),
			)
			return payout, fmt.Errorf("broadcast failed and refund failed: %v: %w", err, rerr)
		}
		e.transition(ctx, payout, StatusFailed, func(p *Payout) {
			p.FailureReason = err.Error()
			p.Refunded = true
		})
		metrics.PayoutOutcomes.WithLabelValues(payout.Asset, string(StatusFailed)).Inc()
		return payout, fmt.Errorf("%w: %v", ErrFailed, err)
	}

	if err := e.transition(ctx, payout, StatusBroadcast, func(p *Payout) {
		p.TxHash = txHash
	}); err != nil {
		return payout, err
	}
	e.logger.Info("payout broadcast",
		zap.String("payout_id", payout.ID.String()),
		zap.String("owner_id", payout.OwnerID),
		zap.String("asset", payout.Asset),
		zap.String("amount", payout.AmountUnits.String()),
		zap.String("tx_hash", txHash),
	)
	return payout, nil
}

// refund credits back exactly what was debited (amount plus fee). The
// idempotency key makes a retried refund a no-op.
func (e *Engine) refund(ctx context.Context, payout *Payout) error {
	refundAmount := payout.AmountUnits.Add(payout.FeeUnits)
	_, err := e.store.Credit(ctx, payout.OwnerID, payout.Asset, refundAmount,
		"payout_refund:"+payout.ID.String(), "refund:"+payout.ID.String())
	if err != nil {
		return err
	}
	// the fee was never earned; release the reserve and void its record
	if payout.FeeUnits.IsPositive() {
		if err := e.store.ReleaseFeeReserve(ctx, payout.OwnerID, payout.Asset, payout.FeeUnits); err != nil {
			e.logger.Warn("failed to release fee reserve on refund", zap.Error(err))
		}
		if e.voider != nil && payout.DebitEntryID != nil {
			if err := e.voider.VoidFeesForEntry(ctx, *payout.DebitEntryID); err != nil {
				e.logger.Warn("failed to void fee record on refund", zap.Error(err))
			}
		}
	}
	metrics.PayoutRefunds.Inc()
	return nil
}

// Send broadcasts a platform-funded payment (fee sweeps) without touching
// any owner ledger account.
func (e *Engine) Send(ctx context.Context, asset string, amount decimal.Decimal, toAddress string) (string, error) {
	wallet, ok := e.hotWallets[asset]
	if !ok {
		return "", fmt.Errorf("%w: no hot wallet for %s", ErrUnsupportedAsset, asset)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.adapter.SendTransaction(callCtx, asset, wallet.Address, toAddress, amount, wallet.SigningRef)
}

// Cancel aborts a payout that has not been debited yet.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*Payout, error) {
	payout, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payout.Status != StatusPending {
		return nil, ErrNotCancellable
	}
	if err := e.transition(ctx, payout, StatusCancelled, nil); err != nil {
		return nil, err
	}
	return payout, nil
}

// Get retrieves a payout by ID.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Payout, error) {
	var payout Payout
	err := e.db.WithContext(ctx).Where("id = ?", id).First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payout: %w", err)
	}
	return &payout, nil
}

// List returns an owner's payouts, newest first.
func (e *Engine) List(ctx context.Context, ownerID string, limit int) ([]*Payout, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var payouts []*Payout
	err := e.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("created_at DESC").Limit(limit).Find(&payouts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	return payouts, nil
}

// PollConfirmations advances every in-flight payout by one confirmation
// check. Polling stops per payout once it reaches a terminal state.
func (e *Engine) PollConfirmations(ctx context.Context) (int, error) {
	var inflight []*Payout
	err := e.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusBroadcast, StatusConfirming}).
		Find(&inflight).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight payouts: %w", err)
	}

	completed := 0
	for _, payout := range inflight {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		done, err := e.checkOne(ctx, payout)
		if err != nil {
			if !errors.Is(err, chain.ErrUnavailable) && !errors.Is(err, chain.ErrTimeout) {
				e.logger.Warn("confirmation check failed",
					zap.Error(err),
					zap.String("payout_id", payout.ID.String()),
				)
			}
			continue
		}
		if done {
			completed++
		}
	}
	return completed, nil
}

func (e *Engine) checkOne(ctx context.Context, payout *Payout) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	status, err := e.adapter.GetTransaction(callCtx, payout.Asset, payout.TxHash)
	if errors.Is(err, chain.ErrTxNotFound) {
		// not indexed yet; keep waiting
		return false, nil
	}
	if err != nil {
		return false, err
	}

	required := chain.RequiredConfirmations(payout.Asset)
	if status.Confirmations >= required {
		now := time.Now()
		if err := e.transition(ctx, payout, StatusCompleted, func(p *Payout) {
			p.Confirmations = status.Confirmations
			p.CompletedAt = &now
		}); err != nil {
			return false, err
		}
		metrics.PayoutOutcomes.WithLabelValues(payout.Asset, string(StatusCompleted)).Inc()
		e.logger.Info("payout completed",
			zap.String("payout_id", payout.ID.String()),
			zap.String("tx_hash", payout.TxHash),
			zap.Int("confirmations", status.Confirmations),
		)
		return true, nil
	}

	next := StatusConfirming
	if status.Confirmations == 0 {
		next = StatusBroadcast
	}
	return false, e.transition(ctx, payout, next, func(p *Payout) {
		p.Confirmations = status.Confirmations
	})
}

func (e *Engine) transition(ctx context.Context, payout *Payout, next Status, mutate func(*Payout)) error {
	payout.Status = next
	if mutate != nil {
		mutate(payout)
	}
	payout.UpdatedAt = time.Now()
	if err := e.db.WithContext(ctx).Save(payout).Error; err != nil {
		return fmt.Errorf("failed to update payout: %w", err)
	}
	return nil
}

// Start launches the confirmation polling loop.
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
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, err := e.PollConfirmations(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("confirmation poll failed", zap.Error(err))
			}
		}
	}
}
