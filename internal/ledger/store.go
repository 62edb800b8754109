package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FeeSink receives fee records emitted by Debit within the same database
// transaction, so a fee is never recorded without its debit or vice versa.
type FeeSink interface {
	RecordFee(tx *gorm.DB, ownerID, asset string, sourceEntryID uuid.UUID, amountUnits decimal.Decimal) error
}

// Store owns all LedgerAccount mutation. Every operation runs inside a
// database transaction holding a row lock on the account, so mutations are
// serialized per account without any global lock.
type Store struct {
	db      *gorm.DB
	logger  *zap.Logger
	feeSink FeeSink
}

// NewStore creates a ledger store. feeSink may be nil when fee recording is
// handled elsewhere (tests, read-only tooling).
func NewStore(db *gorm.DB, logger *zap.Logger, feeSink FeeSink) *Store {
	return &Store{db: db, logger: logger, feeSink: feeSink}
}

// Migrate creates the ledger tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Entry{}, &Hold{})
}

// EnsureAccount returns the account for (ownerID, asset), creating it with
// the given deposit address on first use. Accounts are never deleted.
func (s *Store) EnsureAccount(ctx context.Context, ownerID, asset, depositAddress string) (*Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("owner_id = ? AND asset = ?", ownerID, asset).First(&account).Error
	if err == nil {
		if depositAddress != "" && account.DepositAddress != depositAddress {
			if err := s.db.WithContext(ctx).Model(&account).Update("deposit_address", depositAddress).Error; err != nil {
				return nil, fmt.Errorf("failed to update deposit address: %w", err)
			}
			account.DepositAddress = depositAddress
		}
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	account = Account{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Asset:          asset,
		Balance:        decimal.Zero,
		Held:           decimal.Zero,
		FeeReserved:    decimal.Zero,
		DepositAddress: depositAddress,
		LastSyncDrift:  decimal.Zero,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	s.logger.Info("ledger account created",
		zap.String("owner_id", ownerID),
		zap.String("asset", asset),
		zap.String("deposit_address", depositAddress),
	)
	return &account, nil
}

// GetAccount retrieves the account for (ownerID, asset).
func (s *Store) GetAccount(ctx context.Context, ownerID, asset string) (*Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("owner_id = ? AND asset = ?", ownerID, asset).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}

// GetAccountByAddress resolves the account watching a deposit address.
func (s *Store) GetAccountByAddress(ctx context.Context, asset, address string) (*Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("asset = ? AND deposit_address = ?", asset, address).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by address: %w", err)
	}
	return &account, nil
}

// GetBalance returns the external balance view for (ownerID, asset).
func (s *Store) GetBalance(ctx context.Context, ownerID, asset string) (*Balance, error) {
	account, err := s.GetAccount(ctx, ownerID, asset)
	if err != nil {
		return nil, err
	}
	return &Balance{
		OwnerID:     account.OwnerID,
		Asset:       account.Asset,
		Balance:     account.Balance,
		Held:        account.Held,
		FeeReserved: account.FeeReserved,
		Available:   account.Available(),
	}, nil
}

// ListEntries returns transaction history for an owner, newest first. asset
// may be empty to list across assets.
func (s *Store) ListEntries(ctx context.Context, ownerID, asset string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if asset != "" {
		q = q.Where("asset = ?", asset)
	}
	var entries []*Entry
	if err := q.Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// Credit increases the account balance. A credit carrying an idempotency key
// that was already applied is a no-op returning the prior entry.
func (s *Store) Credit(ctx context.Context, ownerID, asset string, amount decimal.Decimal, reason, idempotencyKey string) (*Entry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	var entry *Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, ownerID, asset)
		if err != nil {
			return err
		}

		if idempotencyKey != "" {
			var prior Entry
			err := tx.Where("idempotency_key = ?", idempotencyKey).First(&prior).Error
			if err == nil {
				entry = &prior
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
		}

		account.Balance = account.Balance.Add(amount)
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry = newEntry(account, amount, decimal.Zero, reason, idempotencyKey)
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to create entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit decreases the balance by amount plus the fee computed by policy. The
// fee is moved into the FeeReserved bucket and recorded through the fee sink
// in the same transaction.
func (s *Store) Debit(ctx context.Context, ownerID, asset string, amount decimal.Decimal, reason string, policy FeePolicy) (*Entry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	var entry *Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, ownerID, asset)
		if err != nil {
			return err
		}

		fee := policy.Fee(amount)
		total := amount.Add(fee)
		if total.GreaterThan(account.Available()) {
			return ErrInsufficientAvailable
		}

		account.Balance = account.Balance.Sub(total)
		account.FeeReserved = account.FeeReserved.Add(fee)
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry = newEntry(account, amount.Neg(), fee, reason, "")
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to create entry: %w", err)
		}

		if fee.IsPositive() && s.feeSink != nil {
			if err := s.feeSink.RecordFee(tx, ownerID, asset, entry.ID, fee); err != nil {
				return fmt.Errorf("failed to record fee: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PlaceHold earmarks amount (plus an optional fee reserve) for ticketRef.
// At most one active hold may exist per (account, ticket) pair.
func (s *Store) PlaceHold(ctx context.Context, ownerID, asset string, amount, feeReserve decimal.Decimal, ticketRef string) (*Hold, error) {
	if amount.LessThanOrEqual(decimal.Zero) || feeReserve.IsNegative() {
		return nil, ErrInvalidAmount
	}

	var hold *Hold
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, ownerID, asset)
		if err != nil {
			return err
		}

		var existing int64
		if err := tx.Model(&Hold{}).
			Where("account_id = ? AND ticket_ref = ? AND status = ?", account.ID, ticketRef, HoldActive).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check existing holds: %w", err)
		}
		if existing > 0 {
			return ErrDuplicateHold
		}

		total := amount.Add(feeReserve)
		if total.GreaterThan(account.Available()) {
			return ErrInsufficientAvailable
		}

		account.Held = account.Held.Add(amount)
		account.FeeReserved = account.FeeReserved.Add(feeReserve)
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		hold = &Hold{
			ID:        uuid.New(),
			AccountID: account.ID,
			TicketRef: ticketRef,
			Amount:    amount,
			FeeAmount: feeReserve,
			Status:    HoldActive,
			CreatedAt: time.Now(),
		}
		if err := tx.Create(hold).Error; err != nil {
			return fmt.Errorf("failed to create hold: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// ReleaseHold returns held funds (and any fee reserve) to available.
func (s *Store) ReleaseHold(ctx context.Context, holdID uuid.UUID) (*Hold, error) {
	var hold *Hold
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		h, account, err := lockHold(tx, holdID)
		if err != nil {
			return err
		}

		account.Held = clampZero(account.Held.Sub(h.Amount))
		account.FeeReserved = clampZero(account.FeeReserved.Sub(h.FeeAmount))
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		now := time.Now()
		h.Status = HoldReleased
		h.ReleasedAt = &now
		if err := tx.Save(h).Error; err != nil {
			return fmt.Errorf("failed to update hold: %w", err)
		}
		hold = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// SettleHold irreversibly debits the hold. finalAmount may be lower than the
// held amount (renegotiated trade); the difference returns to available. The
// hold's fee reserve stays in FeeReserved and is recorded through the fee
// sink for later sweeping.
func (s *Store) SettleHold(ctx context.Context, holdID uuid.UUID, finalAmount decimal.Decimal) (*Hold, error) {
	if finalAmount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	var hold *Hold
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		h, account, err := lockHold(tx, holdID)
		if err != nil {
			return err
		}
		if finalAmount.GreaterThan(h.Amount) {
			return ErrInvalidAmount
		}

		account.Held = clampZero(account.Held.Sub(h.Amount))
		account.Balance = clampZero(account.Balance.Sub(finalAmount))
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry := newEntry(account, finalAmount.Neg(), h.FeeAmount, "hold_settled:"+h.TicketRef, "")
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to create entry: %w", err)
		}

		if h.FeeAmount.IsPositive() && s.feeSink != nil {
			if err := s.feeSink.RecordFee(tx, account.OwnerID, account.Asset, entry.ID, h.FeeAmount); err != nil {
				return fmt.Errorf("failed to record fee: %w", err)
			}
		}

		now := time.Now()
		h.Status = HoldSettled
		h.SettledAt = &now
		if err := tx.Save(h).Error; err != nil {
			return fmt.Errorf("failed to update hold: %w", err)
		}
		hold = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// GetHold retrieves a hold by ID.
func (s *Store) GetHold(ctx context.Context, holdID uuid.UUID) (*Hold, error) {
	var hold Hold
	err := s.db.WithContext(ctx).Where("id = ?", holdID).First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find hold: %w", err)
	}
	return &hold, nil
}

// GetActiveHoldForTicket finds the account's active hold for a ticket.
func (s *Store) GetActiveHoldForTicket(ctx context.Context, accountID uuid.UUID, ticketRef string) (*Hold, error) {
	var hold Hold
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND ticket_ref = ? AND status = ?", accountID, ticketRef, HoldActive).
		First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find hold: %w", err)
	}
	return &hold, nil
}

// ListActiveHolds returns all active holds, optionally scoped to one account.
func (s *Store) ListActiveHolds(ctx context.Context, accountID *uuid.UUID) ([]*Hold, error) {
	q := s.db.WithContext(ctx).Where("status = ?", HoldActive)
	if accountID != nil {
		q = q.Where("account_id = ?", *accountID)
	}
	var holds []*Hold
	if err := q.Order("created_at").Find(&holds).Error; err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	return holds, nil
}

// SweepFeeReserve moves the account's accumulated fee reserve out of the
// ledger (the funds leave the deposit address during a sweep). Returns the
// swept amount, zero if nothing was reserved.
func (s *Store) SweepFeeReserve(ctx context.Context, ownerID, asset string) (decimal.Decimal, error) {
	swept := decimal.Zero
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, ownerID, asset)
		if err != nil {
			return err
		}
		if !account.FeeReserved.IsPositive() {
			return nil
		}

		swept = account.FeeReserved
		account.Balance = clampZero(account.Balance.Sub(swept))
		account.FeeReserved = decimal.Zero
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry := newEntry(account, swept.Neg(), decimal.Zero, "fee_sweep", "")
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to create entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return swept, nil
}

// ReleaseFeeReserve removes amount from the fee reserve without moving
// funds, used when a charged fee is voided (refunded payout).
func (s *Store) ReleaseFeeReserve(ctx context.Context, ownerID, asset string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, ownerID, asset)
		if err != nil {
			return err
		}
		account.FeeReserved = clampZero(account.FeeReserved.Sub(amount))
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		return nil
	})
}

// SyncBalance overwrites the ledger balance with the on-chain balance (the
// chain is the source of truth). Held and FeeReserved are clamped down if
// the corrected balance no longer covers them; that condition is logged
// because it means earmarked funds were spent outside the ledger.
func (s *Store) SyncBalance(ctx context.Context, accountID uuid.UUID, chainBalance, drift decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account Account
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", accountID).First(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}

		now := time.Now()
		account.Balance = chainBalance
		account.LastSyncedAt = &now
		account.LastSyncDrift = drift
		if account.Held.Add(account.FeeReserved).GreaterThan(account.Balance) {
			s.logger.Warn("sync correction undercuts earmarked funds",
				zap.String("owner_id", account.OwnerID),
				zap.String("asset", account.Asset),
				zap.String("balance", account.Balance.String()),
				zap.String("held", account.Held.String()),
				zap.String("fee_reserved", account.FeeReserved.String()),
			)
			if account.FeeReserved.GreaterThan(account.Balance) {
				account.FeeReserved = account.Balance
			}
			account.Held = clampZero(account.Balance.Sub(account.FeeReserved))
		}
		account.UpdatedAt = now
		if err := tx.Save(&account).Error; err != nil {
			return fmt.Errorf("failed to save synced balance: %w", err)
		}
		return nil
	})
}

// TouchSynced records a sync pass that found no actionable drift.
func (s *Store) TouchSynced(ctx context.Context, accountID uuid.UUID, drift decimal.Decimal) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"last_synced_at":  now,
			"last_sync_drift": drift,
			"updated_at":      now,
		}).Error
}

// ListAccountsForSync returns accounts with a nonzero balance whose last sync
// is older than cutoff (or that were never synced).
func (s *Store) ListAccountsForSync(ctx context.Context, cutoff time.Time, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 1000
	}
	var accounts []*Account
	err := s.db.WithContext(ctx).
		Where("balance > 0 AND (last_synced_at IS NULL OR last_synced_at < ?)", cutoff).
		Order("last_synced_at").
		Limit(limit).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts for sync: %w", err)
	}
	return accounts, nil
}

// ListAccountsWithFeeReserve returns accounts holding reserved fees for an
// asset, excluding the platform's own account.
func (s *Store) ListAccountsWithFeeReserve(ctx context.Context, asset, excludeOwner string) ([]*Account, error) {
	var accounts []*Account
	err := s.db.WithContext(ctx).
		Where("asset = ? AND fee_reserved > 0 AND owner_id <> ?", asset, excludeOwner).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list fee reserves: %w", err)
	}
	return accounts, nil
}

// ListAssetsWithFeeReserve returns the distinct assets that currently carry
// any reserved fees.
func (s *Store) ListAssetsWithFeeReserve(ctx context.Context, excludeOwner string) ([]string, error) {
	var assets []string
	err := s.db.WithContext(ctx).Model(&Account{}).
		Where("fee_reserved > 0 AND owner_id <> ?", excludeOwner).
		Distinct().Pluck("asset", &assets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assets with reserves: %w", err)
	}
	return assets, nil
}

func lockAccount(tx *gorm.DB, ownerID, asset string) (*Account, error) {
	var account Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ? AND asset = ?", ownerID, asset).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &account, nil
}

func lockHold(tx *gorm.DB, holdID uuid.UUID) (*Hold, *Account, error) {
	var hold Hold
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", holdID).First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock hold: %w", err)
	}
	if hold.Status != HoldActive {
		return nil, nil, ErrHoldNotActive
	}

	var account Account
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", hold.AccountID).First(&account).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &hold, &account, nil
}

func newEntry(account *Account, amount, fee decimal.Decimal, reason, idempotencyKey string) *Entry {
	entry := &Entry{
		ID:        uuid.New(),
		AccountID: account.ID,
		OwnerID:   account.OwnerID,
		Asset:     account.Asset,
		Amount:    amount,
		Fee:       fee,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	if idempotencyKey != "" {
		entry.IdempotencyKey = &idempotencyKey
	}
	return entry
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
