package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/copy-trader/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcStub answers Solana JSON-RPC calls with canned results per method.
func rpcStub(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, ok := results[req.Method]
		if !ok {
			t.Fatalf("unexpected RPC method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, result)
	}))
}

func newTestRPC(t *testing.T, server *httptest.Server) *RPCClient {
	t.Helper()
	c, err := NewRPCClient(server.URL, logging.NewLogger("error", "console"))
	require.NoError(t, err)
	return c
}

func TestGetBalance(t *testing.T) {
	server := rpcStub(t, map[string]string{
		"getBalance": `{"context":{"slot":100},"value":2500000000}`,
	})
	defer server.Close()

	balance, err := newTestRPC(t, server).GetBalance(context.Background(), "wallet")
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000_000), balance)
}

func TestGetTokenAccounts(t *testing.T) {
	server := rpcStub(t, map[string]string{
		"getTokenAccountsByOwner": `{"value":[
			{"account":{"data":{"parsed":{"info":{"mint":"MintA","tokenAmount":{"amount":"12345","decimals":6}}}}}},
			{"account":{"data":{"parsed":{"info":{"mint":"MintZero","tokenAmount":{"amount":"0","decimals":6}}}}}},
			{"account":{"data":{"parsed":{"info":{"mint":"MintBad","tokenAmount":{"amount":"not-a-number","decimals":6}}}}}}
		]}`,
	})
	defer server.Close()

	positions, err := newTestRPC(t, server).GetTokenAccounts(context.Background(), "wallet")
	require.NoError(t, err)

	// Zero balances and unparseable rows are dropped, not fatal.
	require.Len(t, positions, 1)
	assert.Equal(t, "MintA", positions[0].TokenAddress)
	assert.Equal(t, int64(12345), positions[0].Balance)
	assert.Equal(t, int32(6), positions[0].Decimals)
}

func TestWalletBalances(t *testing.T) {
	server := rpcStub(t, map[string]string{
		"getBalance":              `{"value":1000000000}`,
		"getTokenAccountsByOwner": `{"value":[]}`,
	})
	defer server.Close()

	sol, tokens, err := newTestRPC(t, server).WalletBalances(context.Background(), "wallet")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), sol)
	assert.Empty(t, tokens)
}

func TestTransactionStatus(t *testing.T) {
	cases := []struct {
		name   string
		value  string
		expect TxStatus
	}{
		{"unknown signature", `{"value":[null]}`, StatusUnknown},
		{"processed", `{"value":[{"confirmationStatus":"processed","err":null}]}`, StatusPending},
		{"confirmed", `{"value":[{"confirmationStatus":"confirmed","err":null}]}`, StatusConfirmed},
		{"finalized", `{"value":[{"confirmationStatus":"finalized","err":null}]}`, StatusConfirmed},
		{"failed on chain", `{"value":[{"confirmationStatus":"confirmed","err":{"InstructionError":[0,"Custom"]}}]}`, StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := rpcStub(t, map[string]string{"getSignatureStatuses": tc.value})
			defer server.Close()

			status, err := newTestRPC(t, server).TransactionStatus(context.Background(), "sig")
			require.NoError(t, err)
			assert.Equal(t, tc.expect, status)
		})
	}
}

func TestRPCErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`)
	}))
	defer server.Close()

	_, err := newTestRPC(t, server).GetBalance(context.Background(), "wallet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid params")
}
