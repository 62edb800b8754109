// Package hold orchestrates fund holds over the ledger's hold primitives,
// tying them to trade-ticket lifecycle: a hold is placed when a ticket is
// funded and released or settled exactly once when it terminates.
package hold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/afroo/custodian/internal/ledger"
)

// TicketChecker reports whether a ticket has reached a terminal state
// (completed, cancelled or expired). Implemented by the ticket workflow.
type TicketChecker interface {
	Terminated(ctx context.Context, ticketRef string) (bool, error)
}

// Manager places, releases and settles holds for trade tickets.
type Manager struct {
	store   *ledger.Store
	tickets TicketChecker
	policy  ledger.FeePolicy
	logger  *zap.Logger

	cleanupInterval time.Duration
	stopCh          chan struct{}
}

// NewManager creates a hold manager. policy determines the fee portion
// reserved alongside each hold; tickets may be nil, which disables orphan
// cleanup.
func NewManager(store *ledger.Store, tickets TicketChecker, policy ledger.FeePolicy, logger *zap.Logger) *Manager {
	return &Manager{
		store:           store,
		tickets:         tickets,
		policy:          policy,
		logger:          logger,
		cleanupInterval: 10 * time.Minute,
	}
}

// PlaceForTicket earmarks funds for a funded ticket. The platform fee is
// reserved at hold time so a later settle cannot fail on fees. Retried
// requests for the same (account, ticket) pair do not double-lock.
func (m *Manager) PlaceForTicket(ctx context.Context, ownerID, asset string, amount decimal.Decimal, ticketRef string) (*ledger.Hold, error) {
	feeReserve := m.policy.Fee(amount)
	hold, err := m.store.PlaceHold(ctx, ownerID, asset, amount, feeReserve, ticketRef)
	if errors.Is(err, ledger.ErrDuplicateHold) {
		account, gerr := m.store.GetAccount(ctx, ownerID, asset)
		if gerr != nil {
			return nil, gerr
		}
		existing, gerr := m.store.GetActiveHoldForTicket(ctx, account.ID, ticketRef)
		if gerr != nil {
			return nil, err
		}
		m.logger.Info("hold already active for ticket",
			zap.String("owner_id", ownerID),
			zap.String("ticket_ref", ticketRef),
		)
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("hold placed",
		zap.String("owner_id", ownerID),
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.String("fee_reserve", feeReserve.String()),
		zap.String("ticket_ref", ticketRef),
	)
	return hold, nil
}

// ReleaseForTicket returns the ticket's held funds to available (ticket
// cancelled or expired).
func (m *Manager) ReleaseForTicket(ctx context.Context, ownerID, asset, ticketRef string) (*ledger.Hold, error) {
	hold, err := m.findActive(ctx, ownerID, asset, ticketRef)
	if err != nil {
		return nil, err
	}
	released, err := m.store.ReleaseHold(ctx, hold.ID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("hold released",
		zap.String("owner_id", ownerID),
		zap.String("ticket_ref", ticketRef),
	)
	return released, nil
}

// SettleForTicket irreversibly debits the ticket's hold at finalAmount,
// which may be below the held amount after renegotiation.
func (m *Manager) SettleForTicket(ctx context.Context, ownerID, asset, ticketRef string, finalAmount decimal.Decimal) (*ledger.Hold, error) {
	hold, err := m.findActive(ctx, ownerID, asset, ticketRef)
	if err != nil {
		return nil, err
	}
	settled, err := m.store.SettleHold(ctx, hold.ID, finalAmount)
	if err != nil {
		return nil, err
	}
	m.logger.Info("hold settled",
		zap.String("owner_id", ownerID),
		zap.String("ticket_ref", ticketRef),
		zap.String("final_amount", finalAmount.String()),
	)
	return settled, nil
}

// ReconcileOrphanedHolds releases active holds whose ticket has already
// terminated. Crash recovery: a release lost between ticket termination and
// hold release would otherwise lock funds forever.
func (m *Manager) ReconcileOrphanedHolds(ctx context.Context) (int, error) {
	if m.tickets == nil {
		return 0, nil
	}
	holds, err := m.store.ListActiveHolds(ctx, nil)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, h := range holds {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		terminated, err := m.tickets.Terminated(ctx, h.TicketRef)
		if err != nil {
			m.logger.Warn("ticket status check failed",
				zap.Error(err),
				zap.String("ticket_ref", h.TicketRef),
			)
			continue
		}
		if !terminated {
			continue
		}
		if _, err := m.store.ReleaseHold(ctx, h.ID); err != nil {
			if errors.Is(err, ledger.ErrHoldNotActive) {
				continue
			}
			m.logger.Error("failed to release orphaned hold",
				zap.Error(err),
				zap.String("hold_id", h.ID.String()),
			)
			continue
		}
		released++
		m.logger.Warn("orphaned hold released",
			zap.String("hold_id", h.ID.String()),
			zap.String("ticket_ref", h.TicketRef),
		)
	}
	return released, nil
}

// Start launches the periodic orphan cleanup loop.
func (m *Manager) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	go m.run(ctx)
}

// Stop terminates the loop.
func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.ReconcileOrphanedHolds(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("orphan cleanup failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) findActive(ctx context.Context, ownerID, asset, ticketRef string) (*ledger.Hold, error) {
	account, err := m.store.GetAccount(ctx, ownerID, asset)
	if err != nil {
		return nil, err
	}
	hold, err := m.store.GetActiveHoldForTicket(ctx, account.ID, ticketRef)
	if err != nil {
		return nil, fmt.Errorf("no active hold for ticket %s: %w", ticketRef, err)
	}
	return hold, nil
}
