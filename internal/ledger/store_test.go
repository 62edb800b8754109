package ledger

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordedFee struct {
	ownerID string
	asset   string
	amount  decimal.Decimal
}

type captureSink struct {
	mu   sync.Mutex
	fees []recordedFee
}

func (c *captureSink) RecordFee(tx *gorm.DB, ownerID, asset string, sourceEntryID uuid.UUID, amountUnits decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fees = append(c.fees, recordedFee{ownerID: ownerID, asset: asset, amount: amountUnits})
	return nil
}

func setupStore(t *testing.T) (*Store, *captureSink) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))
	sink := &captureSink{}
	return NewStore(db, zap.NewNop(), sink), sink
}

func mustAccount(t *testing.T, s *Store, owner, asset string) *Account {
	t.Helper()
	account, err := s.EnsureAccount(context.Background(), owner, asset, "addr-"+owner+"-"+asset)
	require.NoError(t, err)
	return account
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEnsureAccountIdempotent(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	first, err := s.EnsureAccount(ctx, "owner1", "BTC", "bc1qaddr")
	require.NoError(t, err)
	second, err := s.EnsureAccount(ctx, "owner1", "BTC", "bc1qaddr")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Balance.IsZero())
}

func TestCreditAndDebit(t *testing.T) {
	s, sink := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "USDT")

	_, err := s.Credit(ctx, "owner1", "USDT", dec("100"), "deposit", "")
	require.NoError(t, err)

	// Debit 20 with a 2% / min 0.50 fee: fee floor applies below 25.
	policy := NewFeePolicy(dec("0.02"), dec("0.50"))
	entry, err := s.Debit(ctx, "owner1", "USDT", dec("20"), "withdrawal", policy)
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(dec("-20")))
	assert.True(t, entry.Fee.Equal(dec("0.50")))

	bal, err := s.GetBalance(ctx, "owner1", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("79.50")), "balance=%s", bal.Balance)
	assert.True(t, bal.FeeReserved.Equal(dec("0.50")))
	assert.True(t, bal.Available.Equal(dec("79")))

	require.Len(t, sink.fees, 1)
	assert.True(t, sink.fees[0].amount.Equal(dec("0.50")))
}

func TestDebitInsufficientAvailable(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "USDT")

	_, err := s.Credit(ctx, "owner1", "USDT", dec("10"), "deposit", "")
	require.NoError(t, err)

	// amount + fee exceeds available even though amount alone fits
	policy := NewFeePolicy(dec("0.02"), dec("0.50"))
	_, err = s.Debit(ctx, "owner1", "USDT", dec("9.80"), "withdrawal", policy)
	assert.ErrorIs(t, err, ErrInsufficientAvailable)

	bal, err := s.GetBalance(ctx, "owner1", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("10")), "failed debit must not mutate")
}

func TestCreditIdempotency(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "BTC")

	key := "eth:0xabc:0xdef"
	first, err := s.Credit(ctx, "owner1", "BTC", dec("0.5"), "deposit", key)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := s.Credit(ctx, "owner1", "BTC", dec("0.5"), "deposit", key)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}

	bal, err := s.GetBalance(ctx, "owner1", "BTC")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("0.5")), "balance=%s", bal.Balance)

	entries, err := s.ListEntries(ctx, "owner1", "BTC", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHoldLifecycleRelease(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "ETH")

	_, err := s.Credit(ctx, "owner1", "ETH", dec("100"), "deposit", "")
	require.NoError(t, err)

	hold, err := s.PlaceHold(ctx, "owner1", "ETH", dec("40"), decimal.Zero, "ticket-1")
	require.NoError(t, err)

	bal, err := s.GetBalance(ctx, "owner1", "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Held.Equal(dec("40")))
	assert.True(t, bal.Available.Equal(dec("60")))

	_, err = s.ReleaseHold(ctx, hold.ID)
	require.NoError(t, err)

	bal, err = s.GetBalance(ctx, "owner1", "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Held.IsZero())
	assert.True(t, bal.Available.Equal(dec("100")))

	// released is terminal
	_, err = s.ReleaseHold(ctx, hold.ID)
	assert.ErrorIs(t, err, ErrHoldNotActive)
	_, err = s.SettleHold(ctx, hold.ID, dec("40"))
	assert.ErrorIs(t, err, ErrHoldNotActive)
}

func TestSettleHoldPartial(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "ETH")

	_, err := s.Credit(ctx, "owner1", "ETH", dec("100"), "deposit", "")
	require.NoError(t, err)

	hold, err := s.PlaceHold(ctx, "owner1", "ETH", dec("40"), decimal.Zero, "ticket-1")
	require.NoError(t, err)

	// trade renegotiated down to 35; the 5 difference returns to available
	_, err = s.SettleHold(ctx, hold.ID, dec("35"))
	require.NoError(t, err)

	bal, err := s.GetBalance(ctx, "owner1", "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("65")), "balance=%s", bal.Balance)
	assert.True(t, bal.Held.IsZero())
	assert.True(t, bal.Available.Equal(dec("65")))

	_, err = s.SettleHold(ctx, hold.ID, dec("1"))
	assert.ErrorIs(t, err, ErrHoldNotActive)
}

func TestSettleHoldWithFeeReserve(t *testing.T) {
	s, sink := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "USDT")

	_, err := s.Credit(ctx, "owner1", "USDT", dec("100"), "deposit", "")
	require.NoError(t, err)

	hold, err := s.PlaceHold(ctx, "owner1", "USDT", dec("50"), dec("1"), "ticket-7")
	require.NoError(t, err)

	bal, err := s.GetBalance(ctx, "owner1", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(dec("49")))

	_, err = s.SettleHold(ctx, hold.ID, dec("50"))
	require.NoError(t, err)

	bal, err = s.GetBalance(ctx, "owner1", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("50")))
	assert.True(t, bal.FeeReserved.Equal(dec("1")), "fee stays reserved until swept")
	require.Len(t, sink.fees, 1)
}

func TestPlaceHoldDuplicateTicket(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "BTC")

	_, err := s.Credit(ctx, "owner1", "BTC", dec("10"), "deposit", "")
	require.NoError(t, err)

	_, err = s.PlaceHold(ctx, "owner1", "BTC", dec("1"), decimal.Zero, "ticket-1")
	require.NoError(t, err)
	_, err = s.PlaceHold(ctx, "owner1", "BTC", dec("1"), decimal.Zero, "ticket-1")
	assert.ErrorIs(t, err, ErrDuplicateHold)

	// same ticket on a different account is fine
	mustAccount(t, s, "owner2", "BTC")
	_, err = s.Credit(ctx, "owner2", "BTC", dec("10"), "deposit", "")
	require.NoError(t, err)
	_, err = s.PlaceHold(ctx, "owner2", "BTC", dec("1"), decimal.Zero, "ticket-1")
	require.NoError(t, err)
}

func TestPlaceHoldInsufficient(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "BTC")

	_, err := s.Credit(ctx, "owner1", "BTC", dec("10"), "deposit", "")
	require.NoError(t, err)
	_, err = s.PlaceHold(ctx, "owner1", "BTC", dec("8"), decimal.Zero, "t1")
	require.NoError(t, err)
	_, err = s.PlaceHold(ctx, "owner1", "BTC", dec("3"), decimal.Zero, "t2")
	assert.ErrorIs(t, err, ErrInsufficientAvailable)
}

func TestInvalidAmounts(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "BTC")

	_, err := s.Credit(ctx, "owner1", "BTC", decimal.Zero, "deposit", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = s.Credit(ctx, "owner1", "BTC", dec("-1"), "deposit", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = s.Debit(ctx, "owner1", "BTC", decimal.Zero, "withdrawal", NoFee)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = s.PlaceHold(ctx, "owner1", "BTC", dec("-1"), decimal.Zero, "t")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSettleHoldAboveHeldAmount(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "BTC")

	_, err := s.Credit(ctx, "owner1", "BTC", dec("10"), "deposit", "")
	require.NoError(t, err)
	hold, err := s.PlaceHold(ctx, "owner1", "BTC", dec("4"), decimal.Zero, "t1")
	require.NoError(t, err)

	_, err = s.SettleHold(ctx, hold.ID, dec("5"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSweepFeeReserve(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "USDT")

	_, err := s.Credit(ctx, "owner1", "USDT", dec("65"), "deposit", "")
	require.NoError(t, err)
	_, err = s.Debit(ctx, "owner1", "USDT", dec("20"), "withdrawal", NewFeePolicy(dec("0.02"), dec("0.50")))
	require.NoError(t, err)

	swept, err := s.SweepFeeReserve(ctx, "owner1", "USDT")
	require.NoError(t, err)
	assert.True(t, swept.Equal(dec("0.50")))

	bal, err := s.GetBalance(ctx, "owner1", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("44")), "balance=%s", bal.Balance)
	assert.True(t, bal.FeeReserved.IsZero())

	// nothing left to sweep
	swept, err = s.SweepFeeReserve(ctx, "owner1", "USDT")
	require.NoError(t, err)
	assert.True(t, swept.IsZero())
}

func TestSyncBalanceClampsEarmarks(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	account := mustAccount(t, s, "owner1", "BTC")

	_, err := s.Credit(ctx, "owner1", "BTC", dec("10"), "deposit", "")
	require.NoError(t, err)
	_, err = s.PlaceHold(ctx, "owner1", "BTC", dec("6"), decimal.Zero, "t1")
	require.NoError(t, err)

	// chain says only 4 remain; held must be clamped to preserve the invariant
	require.NoError(t, s.SyncBalance(ctx, account.ID, dec("4"), dec("-6")))

	bal, err := s.GetBalance(ctx, "owner1", "BTC")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("4")))
	assert.True(t, bal.Held.Equal(dec("4")))
	assert.True(t, bal.Available.IsZero())
	assert.False(t, bal.Available.IsNegative())
}

func TestListAccountsForSync(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "BTC")
	mustAccount(t, s, "owner2", "BTC")

	_, err := s.Credit(ctx, "owner1", "BTC", dec("1"), "deposit", "")
	require.NoError(t, err)

	// owner2 has zero balance and must be skipped
	due, err := s.ListAccountsForSync(ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "owner1", due[0].OwnerID)
}

func TestConcurrentDebitsRespectAvailable(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "USDT")

	_, err := s.Credit(ctx, "owner1", "USDT", dec("100"), "deposit", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Debit(ctx, "owner1", "USDT", dec("10"), "withdrawal", NoFee)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.LessOrEqual(t, succeeded, 10, "overdrafts must be impossible")

	bal, err := s.GetBalance(ctx, "owner1", "USDT")
	require.NoError(t, err)
	assert.False(t, bal.Available.IsNegative())
	expected := dec("100").Sub(dec("10").Mul(decimal.NewFromInt(int64(succeeded))))
	assert.True(t, bal.Balance.Equal(expected), "balance=%s succeeded=%d", bal.Balance, succeeded)
}

func TestConcurrentHoldsRespectAvailable(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	mustAccount(t, s, "owner1", "USDT")

	_, err := s.Credit(ctx, "owner1", "USDT", dec("100"), "deposit", "")
	require.NoError(t, err)

	// two holds of 60 against 100 available: only one may win
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		ticket := "ticket-" + strconv.Itoa(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.PlaceHold(ctx, "owner1", "USDT", dec("60"), decimal.Zero, ticket)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientAvailable)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one of the competing holds may be placed")

	bal, err := s.GetBalance(ctx, "owner1", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Held.Equal(dec("60")))
	assert.True(t, bal.Available.Equal(dec("40")))
	assert.True(t, bal.Balance.Equal(dec("100")))
}
