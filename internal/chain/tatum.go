package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const tatumBaseURL = "https://api.tatum.io/v3"

// blockchainEndpoints maps asset codes to Tatum's v3 path segments.
var blockchainEndpoints = map[string]string{
	"BTC":      "bitcoin",
	"ETH":      "ethereum",
	"LTC":      "litecoin",
	"SOL":      "solana",
	"USDT-ETH": "ethereum/erc20",
	"USDC-ETH": "ethereum/erc20",
	"USDT-SOL": "solana/spl",
	"USDC-SOL": "solana/spl",
}

// TokenContracts maps token asset codes to their on-chain contract address.
var TokenContracts = map[string]string{
	"USDT-ETH": "0xdac17f958d2ee523a2206206994597c13d831ec7",
	"USDC-ETH": "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
	"USDT-SOL": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
	"USDC-SOL": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
}

// TatumClient implements Adapter against the Tatum gateway API.
type TatumClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTatumClient creates a Tatum-backed chain adapter. timeout bounds every
// request; zero means 30 seconds.
func NewTatumClient(apiKey string, timeout time.Duration, logger *zap.Logger) *TatumClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TatumClient{
		baseURL:    tatumBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// SetBaseURL overrides the API base URL, for tests.
func (c *TatumClient) SetBaseURL(u string) { c.baseURL = u }

// GetBalance reports the on-chain balance of an address. UTXO chains report
// confirmed and pending separately; account-model chains report a single
// confirmed figure.
func (c *TatumClient) GetBalance(ctx context.Context, asset, address string) (BalanceResult, error) {
	endpoint, ok := blockchainEndpoints[asset]
	if !ok {
		return BalanceResult{}, fmt.Errorf("unsupported asset %q", asset)
	}

	switch asset {
	case "BTC", "LTC":
		var resp struct {
			Incoming        decimal.Decimal `json:"incoming"`
			Outgoing        decimal.Decimal `json:"outgoing"`
			IncomingPending decimal.Decimal `json:"incomingPending"`
			OutgoingPending decimal.Decimal `json:"outgoingPending"`
		}
		path := fmt.Sprintf("/%s/address/balance/%s", endpoint, url.PathEscape(address))
		if err := c.get(ctx, path, nil, &resp); err != nil {
			return BalanceResult{}, err
		}
		confirmed := resp.Incoming.Sub(resp.Outgoing)
		unconfirmed := resp.IncomingPending.Sub(resp.OutgoingPending)
		if confirmed.IsNegative() {
			confirmed = decimal.Zero
		}
		if unconfirmed.IsNegative() {
			unconfirmed = decimal.Zero
		}
		return BalanceResult{Confirmed: confirmed, Unconfirmed: unconfirmed}, nil

	case "ETH", "SOL":
		var resp struct {
			Balance decimal.Decimal `json:"balance"`
		}
		path := fmt.Sprintf("/%s/account/balance/%s", endpoint, url.PathEscape(address))
		if err := c.get(ctx, path, nil, &resp); err != nil {
			return BalanceResult{}, err
		}
		return BalanceResult{Confirmed: resp.Balance, Unconfirmed: decimal.Zero}, nil

	default:
		// token balances are queried by contract
		contract := TokenContracts[asset]
		var resp struct {
			Balance decimal.Decimal `json:"balance"`
		}
		path := fmt.Sprintf("/blockchain/token/balance/%s/%s/%s",
			chainName(asset), url.PathEscape(contract), url.PathEscape(address))
		if err := c.get(ctx, path, nil, &resp); err != nil {
			return BalanceResult{}, err
		}
		return BalanceResult{Confirmed: resp.Balance, Unconfirmed: decimal.Zero}, nil
	}
}

// SendTransaction broadcasts a payment and returns the transaction hash.
// signingRef identifies the key material held by the gateway; raw keys never
// pass through this service.
func (c *TatumClient) SendTransaction(ctx context.Context, asset, fromAddress, toAddress string, amount decimal.Decimal, signingRef string) (string, error) {
	endpoint, ok := blockchainEndpoints[asset]
	if !ok {
		return "", fmt.Errorf("unsupported asset %q", asset)
	}

	body := map[string]interface{}{
		"fromAddress": fromAddress,
		"to":          toAddress,
		"amount":      amount.String(),
		"signatureId": signingRef,
	}
	if contract, ok := TokenContracts[asset]; ok {
		body["contractAddress"] = contract
	}

	var resp struct {
		TxID string `json:"txId"`
	}
	if err := c.post(ctx, fmt.Sprintf("/%s/transaction", endpoint), body, &resp); err != nil {
		return "", err
	}
	if resp.TxID == "" {
		return "", ErrUnavailable
	}
	c.logger.Info("transaction broadcast",
		zap.String("asset", asset),
		zap.String("tx_hash", resp.TxID),
	)
	return resp.TxID, nil
}

// GetTransaction reports confirmation progress for a broadcast transaction.
func (c *TatumClient) GetTransaction(ctx context.Context, asset, txHash string) (TxStatus, error) {
	endpoint, ok := blockchainEndpoints[BaseAsset(asset)]
	if !ok {
		return TxStatus{}, fmt.Errorf("unsupported asset %q", asset)
	}

	var resp struct {
		Confirmations int   `json:"confirmations"`
		BlockNumber   int64 `json:"blockNumber"`
		Status        bool  `json:"status"`
	}
	path := fmt.Sprintf("/%s/transaction/%s", endpoint, url.PathEscape(txHash))
	err := c.get(ctx, path, nil, &resp)
	if err != nil {
		return TxStatus{}, err
	}

	confirmations := resp.Confirmations
	if confirmations == 0 && resp.BlockNumber > 0 {
		// account chains report inclusion, not a running count
		confirmations = 1
	}
	return TxStatus{
		TxHash:        txHash,
		Confirmations: confirmations,
		Failed:        false,
	}, nil
}

func (c *TatumClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *TatumClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *TatumClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrTxNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: gateway returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("gateway rejected request (%d): %s", resp.StatusCode, apiErr.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func chainName(asset string) string {
	switch BaseAsset(asset) {
	case "ETH":
		return "ETH"
	case "SOL":
		return "SOL"
	default:
		return BaseAsset(asset)
	}
}
