// Package avnu executes token swaps through the AVNU aggregator: quote,
// build the calls, then sign and submit them through a starknet.Signer.
package avnu

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/starkbot/internal/httpkit"
	"github.com/nugget/starkbot/internal/starknet"
)

// Client is a minimal AVNU REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for baseURL (for example
// https://sepolia.api.avnu.fi).
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(),
		logger:     logger.With("component", "avnu"),
	}
}

// Quote is one priced route returned by the aggregator.
type Quote struct {
	QuoteID          string  `json:"quoteId"`
	SellTokenAddress string  `json:"sellTokenAddress"`
	SellAmount       string  `json:"sellAmount"` // hex
	BuyTokenAddress  string  `json:"buyTokenAddress"`
	BuyAmount        string  `json:"buyAmount"` // hex
	BuyAmountInUSD   float64 `json:"buyAmountInUsd"`
}

// BuyAmountInt parses BuyAmount.
func (q *Quote) BuyAmountInt() (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(q.BuyAmount, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid buyAmount %q", q.BuyAmount)
	}
	return v, nil
}

// QuoteRequest selects a route.
type QuoteRequest struct {
	SellToken string
	BuyToken  string
	Amount    *big.Int // sell amount in base units
	Taker     string
}

// Quotes returns the best routes for r, best first.
func (c *Client) Quotes(ctx context.Context, r QuoteRequest) ([]Quote, error) {
	q := url.Values{}
	q.Set("sellTokenAddress", r.SellToken)
	q.Set("buyTokenAddress", r.BuyToken)
	q.Set("sellAmount", "0x"+r.Amount.Text(16))
	if r.Taker != "" {
		q.Set("takerAddress", r.Taker)
	}
	q.Set("size", "1")

	var quotes []Quote
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/swap/v2/quotes?"+q.Encode(), nil, nil, &quotes); err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}
	return quotes, nil
}

type buildRequest struct {
	QuoteID        string  `json:"quoteId"`
	TakerAddress   string  `json:"takerAddress"`
	Slippage       float64 `json:"slippage"`
	IncludeApprove bool    `json:"includeApprove"`
}

type buildResponse struct {
	ChainID string `json:"chainId"`
	Calls   []struct {
		ContractAddress string   `json:"contractAddress"`
		Entrypoint      string   `json:"entrypoint"`
		Calldata        []string `json:"calldata"`
	} `json:"calls"`
}

// Build returns the calls (approve plus swap) that execute quoteID for
// taker with the given slippage tolerance (0.01 is 1%).
func (c *Client) Build(ctx context.Context, quoteID, taker string, slippage float64) ([]starknet.Invocation, error) {
	req := buildRequest{QuoteID: quoteID, TakerAddress: taker, Slippage: slippage, IncludeApprove: true}

	var resp buildResponse
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/swap/v2/build", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("build swap: %w", err)
	}
	if len(resp.Calls) == 0 {
		return nil, fmt.Errorf("build swap: no calls returned")
	}

	calls := make([]starknet.Invocation, len(resp.Calls))
	for i, c := range resp.Calls {
		calls[i] = starknet.Invocation{ContractAddress: c.ContractAddress, Entrypoint: c.Entrypoint, Calldata: c.Calldata}
	}
	return calls, nil
}
