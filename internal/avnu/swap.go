package avnu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/nugget/starkbot/internal/httpkit"
	"github.com/nugget/starkbot/internal/starknet"
)

// SwapConfig bounds the retry policy.
type SwapConfig struct {
	Slippage    float64 // first attempt tolerance
	MaxSlippage float64 // ceiling for relaxed retries
	MaxAttempts int
	Backoff     time.Duration // first retry delay, doubled per retry
}

// Result describes an executed swap.
type Result struct {
	TransactionHash string
	BuyAmount       *big.Int // quoted amount, before slippage
	Slippage        float64  // tolerance used by the successful attempt
	Attempts        int
}

// Swapper runs quote, build and execute with bounded retries. Each retry
// re-quotes and relaxes the slippage tolerance toward MaxSlippage.
type Swapper struct {
	client *Client
	signer starknet.Signer
	cfg    SwapConfig
	logger *slog.Logger
}

// NewSwapper creates a Swapper. Zero config fields take defaults.
func NewSwapper(client *Client, signer starknet.Signer, cfg SwapConfig, logger *slog.Logger) *Swapper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Slippage <= 0 {
		cfg.Slippage = 0.01
	}
	if cfg.MaxSlippage < cfg.Slippage {
		cfg.MaxSlippage = cfg.Slippage
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Swapper{client: client, signer: signer, cfg: cfg, logger: logger.With("component", "swap")}
}

// maxBackoff caps the delay between attempts.
const maxBackoff = 15 * time.Second

// slippageFor returns the tolerance for a zero-based attempt, stepping
// linearly from Slippage to MaxSlippage across the attempts.
func (s *Swapper) slippageFor(attempt int) float64 {
	if s.cfg.MaxAttempts <= 1 {
		return s.cfg.Slippage
	}
	step := (s.cfg.MaxSlippage - s.cfg.Slippage) / float64(s.cfg.MaxAttempts-1)
	return math.Min(s.cfg.Slippage+step*float64(attempt), s.cfg.MaxSlippage)
}

func (s *Swapper) backoffFor(attempt int) time.Duration {
	if attempt > 16 {
		return maxBackoff
	}
	d := s.cfg.Backoff << (attempt - 1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Swap sells amount of sell for buy from account.
func (s *Swapper) Swap(ctx context.Context, account starknet.Account, sell, buy starknet.Token, amount *big.Int) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.backoffFor(attempt)
			s.logger.Warn("swap attempt failed, retrying",
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("swap: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		res, err := s.attempt(ctx, account, sell, buy, amount, s.slippageFor(attempt))
		if err == nil {
			res.Attempts = attempt + 1
			s.logger.Info("swap executed",
				"sell", sell.Symbol,
				"buy", buy.Symbol,
				"tx", res.TransactionHash,
				"attempts", res.Attempts,
				"slippage", res.Slippage,
			)
			return res, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("swap failed after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

func (s *Swapper) attempt(ctx context.Context, account starknet.Account, sell, buy starknet.Token, amount *big.Int, slippage float64) (*Result, error) {
	quotes, err := s.client.Quotes(ctx, QuoteRequest{
		SellToken: sell.Address,
		BuyToken:  buy.Address,
		Amount:    amount,
		Taker:     account.Address,
	})
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, errNoRoute
	}
	best := quotes[0]

	buyAmount, err := best.BuyAmountInt()
	if err != nil {
		return nil, err
	}

	calls, err := s.client.Build(ctx, best.QuoteID, account.Address, slippage)
	if err != nil {
		return nil, err
	}

	hash, err := s.signer.Execute(ctx, account, calls)
	if err != nil {
		return nil, fmt.Errorf("execute swap: %w", err)
	}
	return &Result{TransactionHash: hash, BuyAmount: buyAmount, Slippage: slippage}, nil
}

var errNoRoute = errors.New("no swap route available for this pair and amount")

// retryable reports whether a failed attempt may succeed on retry.
// Client errors other than rate limiting and missing routes are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errNoRoute) {
		return false
	}
	var se *httpkit.StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}
