// Package exchange contains the boundary to the outside trading world:
// a Solana JSON-RPC client for on-chain reads and the execution backend
// that turns trade intents into realized fills.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/copy-trader/internal/ledger"
	"github.com/copy-trader/internal/logging"
	"github.com/copy-trader/internal/ratelimit"
	"github.com/go-resty/resty/v2"
)

// splTokenProgramID is the SPL token program that owns all token accounts.
const splTokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// RPCClient speaks Solana JSON-RPC over HTTP. It serves the ledger's
// wholesale balance refresh and the executor's signature status checks.
type RPCClient struct {
	client *resty.Client
	logger *logging.Logger
	gate   *ratelimit.Gate
}

// NewRPCClient creates a JSON-RPC client for the given endpoint.
func NewRPCClient(endpoint string, logger *logging.Logger) (*RPCClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("RPC endpoint cannot be empty")
	}

	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &RPCClient{client: client, logger: logger}, nil
}

// SetCreditGate installs a provider credit limiter. Every RPC call then
// waits for budget before going out. Nil leaves the client ungated.
func (c *RPCClient) SetCreditGate(gate *ratelimit.Gate) {
	c.gate = gate
}

// acquire waits for credit budget when a gate is installed.
func (c *RPCClient) acquire(ctx context.Context, method string, priority ratelimit.Priority) error {
	if c.gate == nil {
		return nil
	}
	return c.gate.Acquire(ctx, method, priority)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request and decodes the result field.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	var envelope rpcResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(&rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}).
		SetResult(&envelope).
		Post("")
	if err != nil {
		return fmt.Errorf("rpc %s failed: %w", method, err)
	}
	if resp.IsError() {
		return fmt.Errorf("rpc %s returned HTTP %d", method, resp.StatusCode())
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc %s error %d: %s", method, envelope.Error.Code, envelope.Error.Message)
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("rpc %s: failed to decode result: %w", method, err)
		}
	}

	return nil
}

// GetBalance returns the wallet's SOL balance in lamports.
func (c *RPCClient) GetBalance(ctx context.Context, address string) (int64, error) {
	var result struct {
		Value int64 `json:"value"`
	}

	// Balance reads serve reconciliation, so they yield to trade-path
	// status checks under credit pressure.
	if err := c.acquire(ctx, ratelimit.MethodGetBalance, ratelimit.PriorityLow); err != nil {
		return 0, err
	}

	if err := c.call(ctx, ratelimit.MethodGetBalance, []interface{}{address}, &result); err != nil {
		return 0, err
	}

	return result.Value, nil
}

// GetTokenAccounts returns the wallet's SPL token holdings in raw units.
func (c *RPCClient) GetTokenAccounts(ctx context.Context, address string) ([]ledger.TokenPosition, error) {
	params := []interface{}{
		address,
		map[string]string{"programId": splTokenProgramID},
		map[string]string{"encoding": "jsonParsed"},
	}

	var result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals int32  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}

	if err := c.acquire(ctx, ratelimit.MethodGetTokenAccountsByOwner, ratelimit.PriorityLow); err != nil {
		return nil, err
	}

	if err := c.call(ctx, ratelimit.MethodGetTokenAccountsByOwner, params, &result); err != nil {
		return nil, err
	}

	positions := make([]ledger.TokenPosition, 0, len(result.Value))
	for _, entry := range result.Value {
		info := entry.Account.Data.Parsed.Info

		amount, err := strconv.ParseInt(info.TokenAmount.Amount, 10, 64)
		if err != nil {
			c.logger.WithFields(map[string]interface{}{
				"mint":   info.Mint,
				"amount": info.TokenAmount.Amount,
			}).Warn("Skipping token account with unparseable amount")
			continue
		}
		if amount == 0 {
			continue
		}

		positions = append(positions, ledger.TokenPosition{
			TokenAddress: info.Mint,
			Balance:      amount,
			Decimals:     info.TokenAmount.Decimals,
		})
	}

	return positions, nil
}

// WalletBalances reads the SOL balance and token holdings in one pass.
// Implements the ledger's balance source.
func (c *RPCClient) WalletBalances(ctx context.Context, address string) (int64, []ledger.TokenPosition, error) {
	sol, err := c.GetBalance(ctx, address)
	if err != nil {
		return 0, nil, err
	}

	tokens, err := c.GetTokenAccounts(ctx, address)
	if err != nil {
		return 0, nil, err
	}

	return sol, tokens, nil
}

// TransactionStatus resolves the on-chain status of a submitted
// signature. Unknown means the cluster has no record of it.
func (c *RPCClient) TransactionStatus(ctx context.Context, signature string) (TxStatus, error) {
	params := []interface{}{
		[]string{signature},
		map[string]bool{"searchTransactionHistory": true},
	}

	var result struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}

	if err := c.acquire(ctx, ratelimit.MethodGetSignatureStatuses, ratelimit.PriorityHigh); err != nil {
		return StatusUnknown, err
	}

	if err := c.call(ctx, ratelimit.MethodGetSignatureStatuses, params, &result); err != nil {
		return StatusUnknown, err
	}

	if len(result.Value) == 0 || result.Value[0] == nil {
		return StatusUnknown, nil
	}

	entry := result.Value[0]
	if len(entry.Err) > 0 && string(entry.Err) != "null" {
		return StatusFailed, nil
	}

	switch entry.ConfirmationStatus {
	case "confirmed", "finalized":
		return StatusConfirmed, nil
	default:
		return StatusPending, nil
	}
}
