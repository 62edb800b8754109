package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/afroo/custodian/internal/api"
	"github.com/afroo/custodian/internal/cache"
	"github.com/afroo/custodian/internal/chain"
	"github.com/afroo/custodian/internal/config"
	"github.com/afroo/custodian/internal/fees"
	"github.com/afroo/custodian/internal/hold"
	"github.com/afroo/custodian/internal/ledger"
	"github.com/afroo/custodian/internal/payout"
	"github.com/afroo/custodian/internal/pricing"
	"github.com/afroo/custodian/internal/reconcile"
	"github.com/afroo/custodian/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	for _, migrate := range []func(*gorm.DB) error{
		ledger.Migrate, webhook.Migrate, reconcile.Migrate, fees.Migrate, payout.Migrate,
	} {
		if err := migrate(db); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}

	var balances *cache.BalanceCache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		balances = cache.NewBalanceCache(client, logger, "custodian", 30*time.Second)
	}

	prices := pricing.NewService(cfg.Pricing.CacheTTL, logger)
	collector := fees.NewCollector(db, prices, logger)
	store := ledger.NewStore(db, logger, collector)
	adapter := chain.NewTatumClient(cfg.Chain.TatumAPIKey, cfg.Chain.CallTimeout, logger)

	ingestor := webhook.NewIngestor(db, store, cfg.Webhook.Confirmations, cfg.Webhook.StaleAfter, logger)
	reconciler := reconcile.NewEngine(db, store, adapter, cfg.Reconcile.Interval, logger)

	feePolicy, err := parseFeePolicy(cfg.Payout)
	if err != nil {
		return err
	}
	hotWallets := make(map[string]payout.HotWallet, len(cfg.Payout.HotWallets))
	for asset, w := range cfg.Payout.HotWallets {
		hotWallets[asset] = payout.HotWallet{Address: w.Address, SigningRef: w.SigningRef}
	}
	payouts := payout.NewEngine(db, store, adapter, collector, collector, hotWallets, feePolicy, cfg.Payout.PollInterval, logger)
	sweeper := fees.NewSweeper(db, store, collector, payouts, cfg.Sweep.AdminWallets, cfg.Sweep.PlatformOwner, cfg.Sweep.Interval, logger)
	holds := hold.NewManager(store, nil, feePolicy, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reconciler.Start(ctx)
	defer reconciler.Stop()
	sweeper.Start(ctx)
	defer sweeper.Stop()
	payouts.Start(ctx)
	defer payouts.Stop()
	holds.Start(ctx)
	defer holds.Stop()
	ingestor.Start(ctx)
	defer ingestor.Stop()

	server := api.NewServer(store, ingestor, reconciler, collector, sweeper, payouts, holds, balances, cfg.Webhook.Secret, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		errCh <- server.Run(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func parseFeePolicy(cfg config.PayoutConfig) (ledger.FeePolicy, error) {
	rate, err := decimal.NewFromString(cfg.FeeRate)
	if err != nil {
		return ledger.NoFee, fmt.Errorf("invalid payout fee rate %q: %w", cfg.FeeRate, err)
	}
	min, err := decimal.NewFromString(cfg.FeeMin)
	if err != nil {
		return ledger.NoFee, fmt.Errorf("invalid payout fee minimum %q: %w", cfg.FeeMin, err)
	}
	return ledger.NewFeePolicy(rate, min), nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
