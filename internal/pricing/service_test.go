package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPriceUSDCachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "bitcoin", r.URL.Query().Get("ids"))
		w.Write([]byte(`{"bitcoin":{"usd":97123.5}}`))
	}))
	t.Cleanup(srv.Close)

	svc := NewService(time.Minute, zap.NewNop())
	svc.SetBaseURL(srv.URL)
	ctx := context.Background()

	first := svc.PriceUSD(ctx, "BTC")
	assert.True(t, first.Equal(dec("97123.5")))
	for i := 0; i < 5; i++ {
		svc.PriceUSD(ctx, "BTC")
	}
	assert.EqualValues(t, 1, calls.Load(), "served from cache within TTL")

	svc.ClearCache()
	svc.PriceUSD(ctx, "BTC")
	assert.EqualValues(t, 2, calls.Load())
}

func TestPriceUSDFallbackOnOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	svc := NewService(time.Minute, zap.NewNop())
	svc.SetBaseURL(srv.URL)

	price := svc.PriceUSD(context.Background(), "SOL")
	assert.True(t, price.Equal(dec("218")), "static fallback rate")
}

func TestPriceUSDExpiredCacheBeatsFallback(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ethereum":{"usd":4000}}`))
	}))
	t.Cleanup(srv.Close)

	svc := NewService(time.Nanosecond, zap.NewNop())
	svc.SetBaseURL(srv.URL)
	ctx := context.Background()

	assert.True(t, svc.PriceUSD(ctx, "ETH").Equal(dec("4000")))

	fail.Store(true)
	time.Sleep(time.Millisecond)
	assert.True(t, svc.PriceUSD(ctx, "ETH").Equal(dec("4000")), "stale cache preferred over static table")
}

func TestUSDValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tether":{"usd":1}}`))
	}))
	t.Cleanup(srv.Close)

	svc := NewService(time.Minute, zap.NewNop())
	svc.SetBaseURL(srv.URL)
	assert.True(t, svc.USDValue("USDT-ETH", dec("250")).Equal(dec("250")))
}
