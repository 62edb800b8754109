// Package pricing provides USD valuations for supported assets, backed by
// CoinGecko with a short in-memory cache and static fallback rates when the
// API is unavailable.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const coinGeckoBaseURL = "https://api.coingecko.com/api/v3"

var coinGeckoIDs = map[string]string{
	"BTC":      "bitcoin",
	"LTC":      "litecoin",
	"ETH":      "ethereum",
	"SOL":      "solana",
	"USDT":     "tether",
	"USDT-SOL": "tether",
	"USDT-ETH": "tether",
	"USDC":     "usd-coin",
	"USDC-SOL": "usd-coin",
	"USDC-ETH": "usd-coin",
}

// fallbackRates keeps fee accounting functional through API outages. Stale
// rates are tolerable there; the swept units are exact either way.
var fallbackRates = map[string]decimal.Decimal{
	"BTC":      decimal.RequireFromString("100000"),
	"ETH":      decimal.RequireFromString("3500"),
	"LTC":      decimal.RequireFromString("120"),
	"SOL":      decimal.RequireFromString("218"),
	"USDT":     decimal.RequireFromString("1"),
	"USDC":     decimal.RequireFromString("1"),
	"USDT-SOL": decimal.RequireFromString("1"),
	"USDT-ETH": decimal.RequireFromString("1"),
	"USDC-SOL": decimal.RequireFromString("1"),
	"USDC-ETH": decimal.RequireFromString("1"),
}

type cachedPrice struct {
	price    decimal.Decimal
	cachedAt time.Time
}

// Service fetches and caches USD prices.
type Service struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[string]cachedPrice
	ttl   time.Duration
}

// NewService creates a pricing service. ttl bounds cache staleness; zero
// means 5 minutes.
func NewService(ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		baseURL:    coinGeckoBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		cache:      make(map[string]cachedPrice),
		ttl:        ttl,
	}
}

// SetBaseURL overrides the API base URL, for tests.
func (s *Service) SetBaseURL(u string) { s.baseURL = u }

// PriceUSD returns the USD price of one unit of asset. Serves from cache
// within the TTL, then CoinGecko, then the static fallback table.
func (s *Service) PriceUSD(ctx context.Context, asset string) decimal.Decimal {
	asset = strings.ToUpper(asset)

	s.mu.RLock()
	cached, ok := s.cache[asset]
	s.mu.RUnlock()
	if ok && time.Since(cached.cachedAt) < s.ttl {
		return cached.price
	}

	price, err := s.fetch(ctx, asset)
	if err != nil {
		s.logger.Warn("price fetch failed, using fallback rate",
			zap.Error(err),
			zap.String("asset", asset),
		)
		if ok {
			// expired cache beats the static table
			return cached.price
		}
		return fallbackRates[asset]
	}

	s.mu.Lock()
	s.cache[asset] = cachedPrice{price: price, cachedAt: time.Now()}
	s.mu.Unlock()
	return price
}

// USDValue converts an asset amount to USD. Implements fees.Pricer.
func (s *Service) USDValue(asset string, amount decimal.Decimal) decimal.Decimal {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return amount.Mul(s.PriceUSD(ctx, asset))
}

// ClearCache drops all cached prices.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]cachedPrice)
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context, asset string) (decimal.Decimal, error) {
	coinID, ok := coinGeckoIDs[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price source for %q", asset)
	}

	q := url.Values{}
	q.Set("ids", coinID)
	q.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return decimal.Zero, fmt.Errorf("price API rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price API returned %d", resp.StatusCode)
	}

	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}
	price, ok := body[coinID]["usd"]
	if !ok || price.IsZero() {
		return decimal.Zero, fmt.Errorf("no usd price for %q in response", coinID)
	}
	return price, nil
}
