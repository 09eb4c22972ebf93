package starknet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/NethermindEth/starknet.go/account"
	"github.com/NethermindEth/starknet.go/contracts"
	"github.com/NethermindEth/starknet.go/curve"
	"github.com/NethermindEth/starknet.go/rpc"
	"github.com/NethermindEth/starknet.go/utils"
)

var (
	_ Signer = (*NativeSigner)(nil)
	_ Signer = UnavailableSigner{}
)

// feeMultiplier scales the node's fee estimate when building
// transactions.
const feeMultiplier = 1.5

// cairoVersion is the Cairo version of the account contracts the
// signer deploys and drives.
const cairoVersion = 2

// NativeSigner signs in-process with starknet.go. Generated accounts
// use the OpenZeppelin class with the public key as both salt and sole
// constructor argument.
type NativeSigner struct {
	provider  *rpc.Provider
	classHash *felt.Felt
	logger    *slog.Logger
}

// NewNativeSigner connects a signer to the node at rpcURL. An empty
// classHash selects OZAccountClassHash.
func NewNativeSigner(rpcURL, classHash string, logger *slog.Logger) (*NativeSigner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if classHash == "" {
		classHash = OZAccountClassHash
	}
	ch, err := toFelt(classHash)
	if err != nil {
		return nil, fmt.Errorf("account class hash: %w", err)
	}
	provider, err := rpc.NewProvider(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connect signer to %s: %w", rpcURL, err)
	}
	return &NativeSigner{
		provider:  provider,
		classHash: ch,
		logger:    logger.With("component", "signer"),
	}, nil
}

// GenerateAccount creates a random key pair and its counterfactual
// address. Nothing is sent to the chain.
func (s *NativeSigner) GenerateAccount(_ context.Context) (*GeneratedAccount, error) {
	_, pub, priv := account.GetRandomKeys()
	addr := s.precompute(pub)
	s.logger.Debug("generated account", "address", addr.String())
	return &GeneratedAccount{
		PrivateKey: priv.String(),
		PublicKey:  pub.String(),
		Address:    NormalizeAddress(addr.String()),
	}, nil
}

// DeployAccount submits the deploy-account transaction for the account
// controlled by privateKey. The address must already hold enough ETH
// or STRK to pay the fee.
func (s *NativeSigner) DeployAccount(ctx context.Context, privateKey string) (*Deployment, error) {
	ks, pub, err := keystoreFor(privateKey)
	if err != nil {
		return nil, err
	}
	acc, err := account.NewAccount(s.provider, s.precompute(pub), pub.String(), ks, cairoVersion)
	if err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}
	tx, addr, err := acc.BuildAndEstimateDeployAccountTxn(ctx, pub, s.classHash, []*felt.Felt{pub}, feeMultiplier)
	if err != nil {
		return nil, fmt.Errorf("build deploy transaction: %w", err)
	}
	resp, err := acc.SendTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("send deploy transaction: %w", err)
	}
	s.logger.Info("deploy submitted", "address", addr.String(), "tx", resp.TransactionHash.String())
	return &Deployment{
		TransactionHash: resp.TransactionHash.String(),
		Address:         NormalizeAddress(addr.String()),
	}, nil
}

// Execute signs calls with the account's key and submits them as one
// invoke transaction.
func (s *NativeSigner) Execute(ctx context.Context, a Account, calls []Invocation) (string, error) {
	ks, pub, err := keystoreFor(a.PrivateKey)
	if err != nil {
		return "", err
	}
	addr, err := toFelt(a.Address)
	if err != nil {
		return "", fmt.Errorf("account address: %w", err)
	}
	fcalls, err := invokeCalls(calls)
	if err != nil {
		return "", err
	}
	acc, err := account.NewAccount(s.provider, addr, pub.String(), ks, cairoVersion)
	if err != nil {
		return "", fmt.Errorf("open account: %w", err)
	}
	resp, err := acc.BuildAndSendInvokeTxn(ctx, fcalls, feeMultiplier)
	if err != nil {
		return "", fmt.Errorf("send invoke transaction: %w", err)
	}
	return resp.TransactionHash.String(), nil
}

func (s *NativeSigner) precompute(pub *felt.Felt) *felt.Felt {
	return contracts.PrecomputeAddress(&felt.Zero, pub, s.classHash, []*felt.Felt{pub})
}

// keystoreFor derives the public key for privateKey and returns a
// keystore holding the pair.
func keystoreFor(privateKey string) (*account.MemKeystore, *felt.Felt, error) {
	priv, err := parseFelt(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("private key: %w", err)
	}
	if priv.Sign() == 0 {
		return nil, nil, errors.New("private key: zero is not a valid key")
	}
	x, _, err := curve.Curve.PrivateToPoint(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("derive public key: %w", err)
	}
	pub := utils.BigIntToFelt(x)
	return account.SetNewMemKeystore(pub.String(), priv), pub, nil
}

func invokeCalls(calls []Invocation) ([]rpc.InvokeFunctionCall, error) {
	out := make([]rpc.InvokeFunctionCall, 0, len(calls))
	for i, c := range calls {
		addr, err := toFelt(c.ContractAddress)
		if err != nil {
			return nil, fmt.Errorf("call %d contract address: %w", i, err)
		}
		data := make([]*felt.Felt, 0, len(c.Calldata))
		for j, d := range c.Calldata {
			f, err := toFelt(d)
			if err != nil {
				return nil, fmt.Errorf("call %d calldata[%d]: %w", i, j, err)
			}
			data = append(data, f)
		}
		out = append(out, rpc.InvokeFunctionCall{
			ContractAddress: addr,
			FunctionName:    c.Entrypoint,
			CallData:        data,
		})
	}
	return out, nil
}

var feltPrime, _ = new(big.Int).SetString("800000000000011000000000000000000000000000000000000000000000001", 16)

// toFelt parses a hex field element.
func toFelt(s string) (*felt.Felt, error) {
	v, err := parseFelt(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() < 0 || v.Cmp(feltPrime) >= 0 {
		return nil, fmt.Errorf("%q is outside the field", s)
	}
	return utils.BigIntToFelt(v), nil
}

// UnavailableSigner stands in when no signer could be set up. Wallet
// operations fail with ErrSignerUnavailable; everything else keeps
// working.
type UnavailableSigner struct {
	Reason error
}

// ErrSignerUnavailable is returned by UnavailableSigner.
var ErrSignerUnavailable = errors.New("wallet signing is not available")

func (u UnavailableSigner) err() error {
	if u.Reason == nil {
		return ErrSignerUnavailable
	}
	return fmt.Errorf("%w: %v", ErrSignerUnavailable, u.Reason)
}

// GenerateAccount implements Signer.
func (u UnavailableSigner) GenerateAccount(context.Context) (*GeneratedAccount, error) {
	return nil, u.err()
}

// DeployAccount implements Signer.
func (u UnavailableSigner) DeployAccount(context.Context, string) (*Deployment, error) {
	return nil, u.err()
}

// Execute implements Signer.
func (u UnavailableSigner) Execute(context.Context, Account, []Invocation) (string, error) {
	return "", u.err()
}
