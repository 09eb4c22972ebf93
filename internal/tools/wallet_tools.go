package tools

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/nugget/starkbot/internal/avnu"
	"github.com/nugget/starkbot/internal/starknet"
	"github.com/nugget/starkbot/internal/wallet"
)

// Replies the model relays to the user verbatim.
const (
	msgNoAccount    = "Account does not exist, you need to create one first."
	msgFixedAccount = "The account is set in the env and cannot be changed."
	msgNoGenerated  = "No generated account found. Generate a new account first, fund it, then deploy it."
	msgBadAddress   = "Error: Invalid address format"
	msgBadAsset     = "Error: Invalid asset. Please use 'ETH', 'STRK' or a valid token contract address"
)

// Wallet is the session account manager the wallet tools drive.
type Wallet interface {
	Account(ctx context.Context, sessionKey string) (starknet.Account, error)
	Generate(ctx context.Context, sessionKey string) (*starknet.GeneratedAccount, error)
	Deploy(ctx context.Context, sessionKey string) (*starknet.Deployment, error)
	Transfer(ctx context.Context, sessionKey string, token starknet.Token, recipient string, amount *big.Int) (string, error)
	Balance(ctx context.Context, token starknet.Token, owner string) (*big.Int, int, error)
	Decimals(ctx context.Context, token starknet.Token) (int, error)
}

// Swapper executes token swaps for an account.
type Swapper interface {
	Swap(ctx context.Context, account starknet.Account, sell, buy starknet.Token, amount *big.Int) (*avnu.Result, error)
}

// WalletConfig holds the links shown in wallet replies.
type WalletConfig struct {
	ExplorerURL string
	FaucetURL   string
}

type walletTools struct {
	wallet  Wallet
	swapper Swapper
	cfg     WalletConfig
}

// RegisterWalletTools adds the account, balance, transfer and swap
// tools. swapper may be nil, in which case swap is not offered.
func RegisterWalletTools(r *Registry, w Wallet, swapper Swapper, cfg WalletConfig) {
	cfg.ExplorerURL = strings.TrimRight(cfg.ExplorerURL, "/")
	wt := &walletTools{wallet: w, swapper: swapper, cfg: cfg}

	r.Register(&Tool{
		Name:        "check_balance",
		Description: "Check token balance for an address on Starknet Sepolia testnet. Supports ETH, STRK, or any token contract address.",
		Parameters: Object(map[string]any{
			"address": String("The Starknet address to check"),
			"asset":   String("The asset to check (ETH, STRK, or token contract address)"),
		}, "address", "asset"),
		Handler: wt.handleCheckBalance,
	})

	r.Register(&Tool{
		Name:        "send_eth",
		Description: "Send ETH to an address on Starknet Sepolia testnet",
		Parameters: Object(map[string]any{
			"recipientAddress": String("The recipient's Starknet address"),
			"amountInEth":      String("The amount of ETH to send"),
		}, "recipientAddress", "amountInEth"),
		Handler: wt.handleSendETH,
	})

	r.Register(&Tool{
		Name:        "send_token",
		Description: "Send ETH or STRK tokens to an address on Starknet Sepolia testnet",
		Parameters: Object(map[string]any{
			"token":            String("The token to send (ETH, STRK, or token contract address)"),
			"recipientAddress": String("The recipient's Starknet address"),
			"amount":           String("The amount of tokens to send"),
		}, "token", "recipientAddress", "amount"),
		Handler: wt.handleSendToken,
	})

	r.Register(&Tool{
		Name:        "generate_starknet_account",
		Description: "Generates a new Starknet account address. If one already exists, it will overwrite it. This is the first step in account creation. After this the user needs to fund the address and when it is funded we need to deploy the account.",
		Handler:     wt.handleGenerate,
	})

	r.Register(&Tool{
		Name:        "deploy_starknet_account",
		Description: "Deploys the Starknet account / wallet. If wallet already exists, it will overwrite it. This is the last step in account creation.",
		Handler:     wt.handleDeploy,
	})

	r.Register(&Tool{
		Name:        "get_starknet_account",
		Description: "Get the address of the current Starknet account",
		Handler:     wt.handleGetAccount,
	})

	if swapper != nil {
		r.Register(&Tool{
			Name:        "swap",
			Description: "Swap tokens on Starknet",
			Parameters: Object(map[string]any{
				"tokenInAddress":  String("The address of the token to swap from (or ETH / STRK)"),
				"tokenOutAddress": String("The address of the token to swap to (or ETH / STRK)"),
				"amountIn":        String("The amount of tokens to swap"),
			}, "tokenInAddress", "tokenOutAddress", "amountIn"),
			Handler: wt.handleSwap,
		})
	}
}

func (wt *walletTools) txReply(hash string) string {
	return fmt.Sprintf("Transaction submitted to Sepolia. Hash: %s\nView on Starkscan: %s/tx/%s", hash, wt.cfg.ExplorerURL, hash)
}

func (wt *walletTools) handleCheckBalance(ctx context.Context, args map[string]any) (string, error) {
	address, _ := args["address"].(string)
	asset, _ := args["asset"].(string)

	if !starknet.ValidAddress(address) {
		return msgBadAddress, nil
	}
	token, err := starknet.ResolveToken(asset)
	if err != nil {
		return msgBadAsset, nil
	}

	bal, decimals, err := wt.wallet.Balance(ctx, token, address)
	if err != nil {
		return fmt.Sprintf("Error checking balance: %v", err), nil
	}
	return fmt.Sprintf("Balance for %s: %s %s\nView on Starkscan: %s/contract/%s",
		address, starknet.FormatAmount(bal, decimals), token.Symbol, wt.cfg.ExplorerURL, token.Address), nil
}

func (wt *walletTools) handleSendETH(ctx context.Context, args map[string]any) (string, error) {
	recipient, _ := args["recipientAddress"].(string)
	amount, _ := args["amountInEth"].(string)
	return wt.send(ctx, starknet.ETH, recipient, amount)
}

func (wt *walletTools) handleSendToken(ctx context.Context, args map[string]any) (string, error) {
	asset, _ := args["token"].(string)
	recipient, _ := args["recipientAddress"].(string)
	amount, _ := args["amount"].(string)

	token, err := starknet.ResolveToken(asset)
	if err != nil {
		return msgBadAsset, nil
	}
	return wt.send(ctx, token, recipient, amount)
}

// send checks the session account before anything else so a missing
// account never reaches the chain.
func (wt *walletTools) send(ctx context.Context, token starknet.Token, recipient, amount string) (string, error) {
	sessionKey := SessionKeyFromContext(ctx)
	if _, err := wt.wallet.Account(ctx, sessionKey); err != nil {
		if errors.Is(err, wallet.ErrNoAccount) {
			return msgNoAccount, nil
		}
		return "", err
	}

	label := token.Symbol
	if label == "TOKEN" {
		label = token.Address
	}
	if !starknet.ValidAddress(recipient) {
		return fmt.Sprintf("Error sending %s: invalid recipient address %q", label, recipient), nil
	}
	decimals, err := wt.wallet.Decimals(ctx, token)
	if err != nil {
		return fmt.Sprintf("Error sending %s: %v", label, err), nil
	}
	base, err := starknet.ParseAmount(amount, decimals)
	if err != nil {
		return fmt.Sprintf("Error sending %s: %v", label, err), nil
	}

	hash, err := wt.wallet.Transfer(ctx, sessionKey, token, recipient, base)
	if err != nil {
		return fmt.Sprintf("Error sending %s: %v", label, err), nil
	}
	return wt.txReply(hash), nil
}

func (wt *walletTools) handleGenerate(ctx context.Context, _ map[string]any) (string, error) {
	acct, err := wt.wallet.Generate(ctx, SessionKeyFromContext(ctx))
	if errors.Is(err, wallet.ErrFixedAccount) {
		return msgFixedAccount, nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Here is the new account address: %s . Please send some funds to it using the faucet: %s . Let me know when you're done and I will deploy the account.",
		acct.Address, wt.cfg.FaucetURL), nil
}

func (wt *walletTools) handleDeploy(ctx context.Context, _ map[string]any) (string, error) {
	dep, err := wt.wallet.Deploy(ctx, SessionKeyFromContext(ctx))
	switch {
	case errors.Is(err, wallet.ErrFixedAccount):
		return msgFixedAccount, nil
	case errors.Is(err, wallet.ErrNoGeneratedAccount):
		return msgNoGenerated, nil
	case err != nil:
		return "", err
	}
	return fmt.Sprintf("Account deployed. Address: %s", dep.Address), nil
}

func (wt *walletTools) handleGetAccount(ctx context.Context, _ map[string]any) (string, error) {
	acct, err := wt.wallet.Account(ctx, SessionKeyFromContext(ctx))
	if errors.Is(err, wallet.ErrNoAccount) {
		return msgNoAccount, nil
	}
	if err != nil {
		return "", err
	}
	return acct.Address, nil
}

func (wt *walletTools) handleSwap(ctx context.Context, args map[string]any) (string, error) {
	in, _ := args["tokenInAddress"].(string)
	out, _ := args["tokenOutAddress"].(string)
	amount, _ := args["amountIn"].(string)

	acct, err := wt.wallet.Account(ctx, SessionKeyFromContext(ctx))
	if errors.Is(err, wallet.ErrNoAccount) {
		return msgNoAccount, nil
	}
	if err != nil {
		return "", err
	}

	reply, err := wt.swap(ctx, acct, in, out, amount)
	if err != nil {
		return fmt.Sprintf("Failed to execute swap: %v. Please try again with a different amount or check your balance.", err), nil
	}
	return reply, nil
}

func (wt *walletTools) swap(ctx context.Context, acct starknet.Account, in, out, amount string) (string, error) {
	sell, err := starknet.ResolveToken(in)
	if err != nil {
		return "", err
	}
	buy, err := starknet.ResolveToken(out)
	if err != nil {
		return "", err
	}
	sellDecimals, err := wt.wallet.Decimals(ctx, sell)
	if err != nil {
		return "", err
	}
	buyDecimals, err := wt.wallet.Decimals(ctx, buy)
	if err != nil {
		return "", err
	}
	base, err := starknet.ParseAmount(amount, sellDecimals)
	if err != nil {
		return "", err
	}

	res, err := wt.swapper.Swap(ctx, acct, sell, buy, base)
	if err != nil {
		return "", err
	}

	symbol := buy.Symbol
	if symbol == "TOKEN" {
		symbol = strings.ToUpper(out)
	}
	return fmt.Sprintf("✅ Swap executed successfully! You will receive %s %s. Transaction hash: %s",
		starknet.FormatAmount(res.BuyAmount, buyDecimals), symbol, res.TransactionHash), nil
}
