package chain

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var addressPatterns = map[string]*regexp.Regexp{
	"BTC": regexp.MustCompile(`^(bc1|[13])[a-zA-HJ-NP-Z0-9]{25,90}$`),
	"LTC": regexp.MustCompile(`^[LM3][a-km-zA-HJ-NP-Z1-9]{26,33}$`),
	"ETH": regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`),
	"SOL": regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`),
}

var txHashPatterns = map[string]*regexp.Regexp{
	"BTC": regexp.MustCompile(`^[a-fA-F0-9]{64}$`),
	"LTC": regexp.MustCompile(`^[a-fA-F0-9]{64}$`),
	"ETH": regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`),
	"SOL": regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{87,88}$`),
}

// DefaultConfirmations is the per-asset confirmation depth at which a
// transaction is considered final. EVM assets wait for reorg safety; UTXO
// chains and Solana settle on inclusion.
var DefaultConfirmations = map[string]int{
	"BTC":      1,
	"LTC":      1,
	"SOL":      1,
	"ETH":      12,
	"USDT-SOL": 1,
	"USDC-SOL": 1,
	"USDT-ETH": 12,
	"USDC-ETH": 12,
}

// RequiredConfirmations returns the finality depth for an asset, defaulting
// to 1 for unknown assets.
func RequiredConfirmations(asset string) int {
	if n, ok := DefaultConfirmations[strings.ToUpper(asset)]; ok {
		return n
	}
	return 1
}

// MinAmounts is the smallest payout amount accepted per asset.
var MinAmounts = map[string]decimal.Decimal{
	"BTC":      decimal.RequireFromString("0.000001"),
	"ETH":      decimal.RequireFromString("0.0001"),
	"LTC":      decimal.RequireFromString("0.0006"),
	"SOL":      decimal.RequireFromString("0.001"),
	"USDT-SOL": decimal.RequireFromString("0.1"),
	"USDT-ETH": decimal.RequireFromString("0.1"),
	"USDC-SOL": decimal.RequireFromString("0.1"),
	"USDC-ETH": decimal.RequireFromString("0.1"),
}

// MaxAmounts caps single payouts per asset.
var MaxAmounts = map[string]decimal.Decimal{
	"BTC":      decimal.RequireFromString("10"),
	"ETH":      decimal.RequireFromString("100"),
	"LTC":      decimal.RequireFromString("1000"),
	"SOL":      decimal.RequireFromString("5000"),
	"USDT-SOL": decimal.RequireFromString("500000"),
	"USDT-ETH": decimal.RequireFromString("500000"),
	"USDC-SOL": decimal.RequireFromString("500000"),
	"USDC-ETH": decimal.RequireFromString("500000"),
}

// BaseAsset strips a token suffix: "USDT-ETH" settles on the ETH chain.
func BaseAsset(asset string) string {
	if i := strings.IndexByte(asset, '-'); i >= 0 {
		return asset[i+1:]
	}
	return asset
}

// ValidAddress reports whether address matches the format of the asset's
// underlying chain. Unknown assets never validate.
func ValidAddress(asset, address string) bool {
	pattern, ok := addressPatterns[BaseAsset(strings.ToUpper(asset))]
	if !ok {
		return false
	}
	return pattern.MatchString(strings.TrimSpace(address))
}

// ValidTxHash reports whether txHash matches the format of the asset's
// underlying chain.
func ValidTxHash(asset, txHash string) bool {
	pattern, ok := txHashPatterns[BaseAsset(strings.ToUpper(asset))]
	if !ok {
		return false
	}
	return pattern.MatchString(strings.TrimSpace(txHash))
}

// Supported reports whether the asset has a known chain mapping.
func Supported(asset string) bool {
	_, ok := addressPatterns[BaseAsset(strings.ToUpper(asset))]
	return ok
}
