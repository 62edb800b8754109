package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/afroo/custodian/internal/chain"
	"github.com/afroo/custodian/internal/ledger"
)

type fakeAdapter struct {
	balances map[string]decimal.Decimal
	err      error
}

func (f *fakeAdapter) GetBalance(ctx context.Context, asset, address string) (chain.BalanceResult, error) {
	if f.err != nil {
		return chain.BalanceResult{}, f.err
	}
	return chain.BalanceResult{Confirmed: f.balances[address]}, nil
}

func (f *fakeAdapter) SendTransaction(ctx context.Context, asset, fromAddress, toAddress string, amount decimal.Decimal, signingRef string) (string, error) {
	return "", chain.ErrUnavailable
}

func (f *fakeAdapter) GetTransaction(ctx context.Context, asset, txHash string) (chain.TxStatus, error) {
	return chain.TxStatus{}, chain.ErrTxNotFound
}

func setupEngine(t *testing.T, adapter chain.Adapter) (*Engine, *ledger.Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, ledger.Migrate(db))
	require.NoError(t, Migrate(db))

	store := ledger.NewStore(db, zap.NewNop(), nil)
	return NewEngine(db, store, adapter, time.Minute, zap.NewNop()), store, db
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSyncAccountWithinTolerance(t *testing.T) {
	adapter := &fakeAdapter{balances: map[string]decimal.Decimal{"bc1qaddr": dec("1.005")}}
	engine, store, db := setupEngine(t, adapter)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "owner1", "BTC", "bc1qaddr")
	require.NoError(t, err)
	_, err = store.Credit(ctx, "owner1", "BTC", dec("1"), "deposit", "")
	require.NoError(t, err)
	account, err = store.GetAccount(ctx, "owner1", "BTC")
	require.NoError(t, err)

	// 0.5% drift is under the 1% tolerance: no correction, no record
	outcome, err := engine.SyncAccount(ctx, account)
	require.NoError(t, err)
	assert.False(t, outcome.Corrected)

	bal, err := store.GetBalance(ctx, "owner1", "BTC")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("1")))

	var count int64
	require.NoError(t, db.Model(&DriftRecord{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	refreshed, err := store.GetAccount(ctx, "owner1", "BTC")
	require.NoError(t, err)
	assert.NotNil(t, refreshed.LastSyncedAt)
}

func TestSyncAccountCorrectsDrift(t *testing.T) {
	adapter := &fakeAdapter{balances: map[string]decimal.Decimal{"bc1qaddr": dec("1.03")}}
	engine, store, db := setupEngine(t, adapter)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "owner1", "BTC", "bc1qaddr")
	require.NoError(t, err)
	_, err = store.Credit(ctx, "owner1", "BTC", dec("1"), "deposit", "")
	require.NoError(t, err)
	account, err := store.GetAccount(ctx, "owner1", "BTC")
	require.NoError(t, err)

	// 3% drift: corrected but not critical
	outcome, err := engine.SyncAccount(ctx, account)
	require.NoError(t, err)
	assert.True(t, outcome.Corrected)
	assert.False(t, outcome.IsCritical)

	bal, err := store.GetBalance(ctx, "owner1", "BTC")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("1.03")), "chain is source of truth")

	var records []DriftRecord
	require.NoError(t, db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.True(t, records[0].Drift.Equal(dec("0.03")))
	assert.False(t, records[0].IsCritical)
}

func TestSyncAccountCriticalDrift(t *testing.T) {
	adapter := &fakeAdapter{balances: map[string]decimal.Decimal{"bc1qaddr": dec("0.5")}}
	engine, store, db := setupEngine(t, adapter)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "owner1", "BTC", "bc1qaddr")
	require.NoError(t, err)
	_, err = store.Credit(ctx, "owner1", "BTC", dec("1"), "deposit", "")
	require.NoError(t, err)
	account, err := store.GetAccount(ctx, "owner1", "BTC")
	require.NoError(t, err)

	// 50% drift: corrected and escalated, correction still applied
	outcome, err := engine.SyncAccount(ctx, account)
	require.NoError(t, err)
	assert.True(t, outcome.Corrected)
	assert.True(t, outcome.IsCritical)

	bal, err := store.GetBalance(ctx, "owner1", "BTC")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("0.5")))

	var record DriftRecord
	require.NoError(t, db.First(&record).Error)
	assert.True(t, record.IsCritical)
}

func TestSyncAccountZeroBalanceAbsoluteTolerance(t *testing.T) {
	adapter := &fakeAdapter{balances: map[string]decimal.Decimal{"bc1qaddr": dec("0.00005")}}
	engine, store, _ := setupEngine(t, adapter)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "owner1", "BTC", "bc1qaddr")
	require.NoError(t, err)

	// dust under the absolute floor is not corrected
	outcome, err := engine.SyncAccount(ctx, account)
	require.NoError(t, err)
	assert.False(t, outcome.Corrected)
}

func TestRunOnceSkipsAdapterFailures(t *testing.T) {
	adapter := &fakeAdapter{err: chain.ErrUnavailable}
	engine, store, _ := setupEngine(t, adapter)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "owner1", "BTC", "bc1qaddr")
	require.NoError(t, err)
	_, err = store.Credit(ctx, "owner1", "BTC", dec("1"), "deposit", "")
	require.NoError(t, err)

	summary, err := engine.RunOnce(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 0, summary.Corrected)

	// ledger untouched on adapter failure
	bal, err := store.GetBalance(ctx, "owner1", "BTC")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(dec("1")))
}

func TestRunOnceFansOutAcrossAccounts(t *testing.T) {
	// more accounts than pool workers, each with a distinct chain balance
	balances := make(map[string]decimal.Decimal)
	adapter := &fakeAdapter{balances: balances}
	engine, store, _ := setupEngine(t, adapter)
	ctx := context.Background()

	owners := []string{"o1", "o2", "o3", "o4", "o5", "o6", "o7", "o8", "o9", "o10"}
	for _, owner := range owners {
		addr := "addr-" + owner
		balances[addr] = dec("2")
		_, err := store.EnsureAccount(ctx, owner, "BTC", addr)
		require.NoError(t, err)
		_, err = store.Credit(ctx, owner, "BTC", dec("1"), "deposit", "")
		require.NoError(t, err)
	}

	summary, err := engine.RunOnce(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, len(owners), summary.Checked)
	assert.Equal(t, len(owners), summary.Corrected)

	for _, owner := range owners {
		bal, err := store.GetBalance(ctx, owner, "BTC")
		require.NoError(t, err)
		assert.True(t, bal.Balance.Equal(dec("2")), "owner %s balance=%s", owner, bal.Balance)
	}
}

func TestDriftHistory(t *testing.T) {
	adapter := &fakeAdapter{balances: map[string]decimal.Decimal{"bc1qaddr": dec("2")}}
	engine, store, _ := setupEngine(t, adapter)
	ctx := context.Background()

	_, err := store.EnsureAccount(ctx, "owner1", "BTC", "bc1qaddr")
	require.NoError(t, err)
	_, err = store.Credit(ctx, "owner1", "BTC", dec("1"), "deposit", "")
	require.NoError(t, err)

	_, err = engine.RunOnce(ctx, true)
	require.NoError(t, err)

	records, err := engine.DriftHistory(ctx, "owner1", false, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	critical, err := engine.DriftHistory(ctx, "", true, 10)
	require.NoError(t, err)
	assert.Len(t, critical, 1, "100% drift is critical")
}
