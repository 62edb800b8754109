// Package cache provides the redis-backed read cache for balance queries.
// The ledger database stays authoritative; the cache only shortcuts the hot
// balance-read path and is invalidated on every mutation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/afroo/custodian/internal/ledger"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// BalanceCache caches ledger balance views in redis. A nil *BalanceCache is
// valid and behaves as a permanent miss, so callers need no nil checks.
type BalanceCache struct {
	client redis.Cmdable
	log    *zap.Logger
	prefix string
	ttl    time.Duration
}

// NewBalanceCache creates a balance cache. ttl zero means 30 seconds.
func NewBalanceCache(client redis.Cmdable, log *zap.Logger, prefix string, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{client: client, log: log, prefix: prefix, ttl: ttl}
}

// GetBalance retrieves a cached balance view.
func (c *BalanceCache) GetBalance(ctx context.Context, ownerID, asset string) (*ledger.Balance, error) {
	if c == nil {
		return nil, ErrCacheMiss
	}
	key := c.balanceKey(ownerID, asset)

	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		c.log.Error("failed to get balance from cache", zap.Error(err), zap.String("key", key))
		return nil, err
	}

	var balance ledger.Balance
	if err := json.Unmarshal([]byte(data), &balance); err != nil {
		c.log.Error("failed to unmarshal cached balance", zap.Error(err), zap.String("key", key))
		return nil, err
	}
	return &balance, nil
}

// SetBalance stores a balance view.
func (c *BalanceCache) SetBalance(ctx context.Context, balance *ledger.Balance) error {
	if c == nil {
		return nil
	}
	key := c.balanceKey(balance.OwnerID, balance.Asset)

	data, err := json.Marshal(balance)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Error("failed to set balance in cache", zap.Error(err), zap.String("key", key))
		return err
	}
	return nil
}

// Invalidate drops the cached view after a ledger mutation.
func (c *BalanceCache) Invalidate(ctx context.Context, ownerID, asset string) {
	if c == nil {
		return
	}
	key := c.balanceKey(ownerID, asset)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Warn("failed to invalidate cached balance", zap.Error(err), zap.String("key", key))
	}
}

func (c *BalanceCache) balanceKey(ownerID, asset string) string {
	return fmt.Sprintf("%s:balance:%s:%s", c.prefix, ownerID, asset)
}
