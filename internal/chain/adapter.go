// Package chain is the boundary to the blockchain world. The ledger never
// talks to a node directly; it goes through an Adapter that reports address
// balances, broadcasts transactions and reports confirmation counts.
package chain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable means the adapter backend could not be reached or
	// returned a server error. Retryable.
	ErrUnavailable = errors.New("chain adapter unavailable")

	// ErrTimeout means the call exceeded its deadline. The outcome is
	// ambiguous: a broadcast may have succeeded on-chain. Callers must
	// retry or re-query, never treat this as a definite failure.
	ErrTimeout = errors.New("chain adapter timeout")

	// ErrAddressInvalid means an address failed format validation.
	ErrAddressInvalid = errors.New("address format invalid")

	// ErrTxNotFound means the transaction hash is unknown to the chain.
	ErrTxNotFound = errors.New("transaction not found")
)

// BalanceResult is the on-chain balance of an address.
type BalanceResult struct {
	Confirmed   decimal.Decimal `json:"confirmed"`
	Unconfirmed decimal.Decimal `json:"unconfirmed"`
}

// Total is confirmed plus unconfirmed balance.
func (b BalanceResult) Total() decimal.Decimal {
	return b.Confirmed.Add(b.Unconfirmed)
}

// TxStatus reports the chain's view of a broadcast transaction.
type TxStatus struct {
	TxHash        string `json:"tx_hash"`
	Confirmations int    `json:"confirmations"`
	Failed        bool   `json:"failed"`
}

// Adapter reports balances and broadcasts transactions for the supported
// assets. Implementations must honor the context deadline and return
// ErrTimeout / ErrUnavailable so callers can distinguish ambiguous outcomes
// from definite failures.
type Adapter interface {
	GetBalance(ctx context.Context, asset, address string) (BalanceResult, error)
	SendTransaction(ctx context.Context, asset, fromAddress, toAddress string, amount decimal.Decimal, signingRef string) (string, error)
	GetTransaction(ctx context.Context, asset, txHash string) (TxStatus, error)
}
