package starknet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
)

// Token is an ERC-20 contract known by symbol.
type Token struct {
	Symbol   string
	Address  string
	Decimals int
}

// Well-known tokens on Starknet Sepolia (the same addresses are used on
// mainnet).
var (
	ETH  = Token{Symbol: "ETH", Address: "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7", Decimals: 18}
	STRK = Token{Symbol: "STRK", Address: "0x04718f5a0fc34cc1af16a1cdee98ffb20c31f5cd61d6ab07201858f4287c938d", Decimals: 18}
)

var knownTokens = map[string]Token{"eth": ETH, "strk": STRK}

// ResolveToken accepts a symbol (ETH, STRK) or a contract address. For
// an unknown address the returned Token has Decimals -1 and Symbol
// "TOKEN"; Balance looks decimals up on chain.
func ResolveToken(s string) (Token, error) {
	if t, ok := knownTokens[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	if ValidAddress(s) {
		norm := NormalizeAddress(s)
		for _, t := range knownTokens {
			if NormalizeAddress(t.Address) == norm {
				return t, nil
			}
		}
		return Token{Symbol: "TOKEN", Address: s, Decimals: -1}, nil
	}
	return Token{}, fmt.Errorf("invalid asset %q: use ETH, STRK or a token contract address", s)
}

// Decimals returns a token's decimals, reading them from the contract
// once and caching the result.
func (c *Client) Decimals(ctx context.Context, t Token) (int, error) {
	if t.Decimals >= 0 {
		return t.Decimals, nil
	}
	key := NormalizeAddress(t.Address)

	c.decimalsMu.RLock()
	d, ok := c.decimals[key]
	c.decimalsMu.RUnlock()
	if ok {
		return d, nil
	}

	res, err := c.Call(ctx, FunctionCall{ContractAddress: t.Address, Entrypoint: "decimals"})
	if err != nil {
		return 0, fmt.Errorf("read decimals: %w", err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("read decimals: empty result")
	}
	v, err := parseFelt(res[0])
	if err != nil {
		return 0, fmt.Errorf("read decimals: %w", err)
	}
	if !v.IsInt64() || v.Int64() > 77 {
		return 0, fmt.Errorf("read decimals: implausible value %s", v)
	}
	d = int(v.Int64())

	c.decimalsMu.Lock()
	c.decimals[key] = d
	c.decimalsMu.Unlock()
	return d, nil
}

// Balance returns owner's balance of t in base units along with the
// token's decimals.
func (c *Client) Balance(ctx context.Context, t Token, owner string) (*big.Int, int, error) {
	res, err := c.Call(ctx, FunctionCall{
		ContractAddress: t.Address,
		Entrypoint:      "balanceOf",
		Calldata:        []string{owner},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("read balance: %w", err)
	}

	var bal *big.Int
	switch len(res) {
	case 0:
		return nil, 0, fmt.Errorf("read balance: empty result")
	case 1:
		bal, err = parseFelt(res[0])
	default:
		bal, err = JoinUint256(res[0], res[1])
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read balance: %w", err)
	}

	dec, err := c.Decimals(ctx, t)
	if err != nil {
		return nil, 0, err
	}
	return bal, dec, nil
}

// TransferCall builds an ERC-20 transfer of amount base units to
// recipient.
func TransferCall(t Token, recipient string, amount *big.Int) Invocation {
	low, high := SplitUint256(amount)
	return Invocation{
		ContractAddress: t.Address,
		Entrypoint:      "transfer",
		Calldata:        []string{recipient, low, high},
	}
}
