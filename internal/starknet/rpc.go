// Package starknet is a thin client for the Starknet JSON-RPC API plus
// the token, amount and account types the wallet tools work with.
// Transaction signing lives behind the Signer interface.
package starknet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/starkbot/internal/httpkit"
)

const levelTrace = slog.Level(-8)

// RPC error codes from the Starknet JSON-RPC API that callers
// act on.
const (
	CodeContractNotFound = 20
	CodeTxnHashNotFound  = 29
	CodeContractError    = 40
)

// RPCError is a JSON-RPC 2.0 error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("starknet rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("starknet rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client talks to a Starknet node over HTTP JSON-RPC.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	nextID     atomic.Int64

	decimalsMu sync.RWMutex
	decimals   map[string]int // token address → decimals
}

// NewClient creates a client for the node at url.
func NewClient(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        url,
		httpClient: httpkit.NewClient(httpkit.WithRetry(2, 500*time.Millisecond), httpkit.WithLogger(logger)),
		logger:     logger.With("component", "starknet"),
		decimals:   make(map[string]int),
	}
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}

	var resp rpcResponse
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodPost, c.url, nil, req, &resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	c.logger.Log(ctx, levelTrace, "starknet rpc", "method", method, "result", string(resp.Result))

	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// ChainID returns the chain identifier as a hex felt
// (0x534e5f5345504f4c4941 is SN_SEPOLIA).
func (c *Client) ChainID(ctx context.Context) (string, error) {
	var id string
	if err := c.call(ctx, "starknet_chainId", []any{}, &id); err != nil {
		return "", err
	}
	return id, nil
}

// FunctionCall is a read-only contract call.
type FunctionCall struct {
	ContractAddress string
	Entrypoint      string
	Calldata        []string
}

// Call runs a view function against the latest block and returns the
// raw result felts.
func (c *Client) Call(ctx context.Context, fc FunctionCall) ([]string, error) {
	calldata := fc.Calldata
	if calldata == nil {
		calldata = []string{}
	}
	params := map[string]any{
		"request": map[string]any{
			"contract_address":     fc.ContractAddress,
			"entry_point_selector": Selector(fc.Entrypoint),
			"calldata":             calldata,
		},
		"block_id": "latest",
	}

	var result []string
	if err := c.call(ctx, "starknet_call", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Receipt is the subset of a transaction receipt the wallet reports on.
type Receipt struct {
	TransactionHash string `json:"transaction_hash"`
	ExecutionStatus string `json:"execution_status"` // SUCCEEDED, REVERTED
	FinalityStatus  string `json:"finality_status"`  // ACCEPTED_ON_L2, ACCEPTED_ON_L1
	RevertReason    string `json:"revert_reason,omitempty"`
}

// Accepted reports whether the transaction reached L2 or L1 finality.
func (r *Receipt) Accepted() bool {
	return r.FinalityStatus == "ACCEPTED_ON_L2" || r.FinalityStatus == "ACCEPTED_ON_L1"
}

// TransactionReceipt fetches the receipt for hash.
func (c *Client) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	var r Receipt
	if err := c.call(ctx, "starknet_getTransactionReceipt", map[string]any{"transaction_hash": hash}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ErrReverted is returned by WaitForTransaction for reverted transactions.
var ErrReverted = errors.New("transaction reverted")

// WaitForTransaction polls until hash is accepted, reverted, or ctx ends.
// A hash the node does not know yet is polled again.
func (c *Client) WaitForTransaction(ctx context.Context, hash string, interval time.Duration) (*Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := c.TransactionReceipt(ctx, hash)
		var rpcErr *RPCError
		switch {
		case err == nil && r.ExecutionStatus == "REVERTED":
			return r, fmt.Errorf("%s: %w: %s", hash, ErrReverted, r.RevertReason)
		case err == nil && r.Accepted():
			return r, nil
		case err != nil && !(errors.As(err, &rpcErr) && rpcErr.Code == CodeTxnHashNotFound):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}
