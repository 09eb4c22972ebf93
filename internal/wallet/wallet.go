// Package wallet manages the Starknet account that belongs to each chat
// session: generation, deployment, lookup and transfers.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/nugget/starkbot/internal/starknet"
	"github.com/nugget/starkbot/internal/storage"
)

var (
	// ErrNoAccount means the session has no deployed account.
	ErrNoAccount = errors.New("account does not exist")
	// ErrFixedAccount means a configured account overrides session
	// accounts and cannot be replaced.
	ErrFixedAccount = errors.New("account is fixed by configuration")
	// ErrNoGeneratedAccount means Deploy was called before Generate.
	ErrNoGeneratedAccount = errors.New("no generated account to deploy")
)

// Storage key suffixes, prefixed with "<sessionKey>:".
const (
	keyPrivateKey          = "privateKey"
	keyAccountAddress      = "accountAddress"
	keyGeneratedPrivateKey = "generatedAccountPrivateKey"
	keyGeneratedAddress    = "generatedAccountAddress"
)

// Chain is the subset of the node client the wallet reads from.
type Chain interface {
	Balance(ctx context.Context, t starknet.Token, owner string) (*big.Int, int, error)
	Decimals(ctx context.Context, t starknet.Token) (int, error)
	WaitForTransaction(ctx context.Context, hash string, interval time.Duration) (*starknet.Receipt, error)
}

// Config tunes a Manager.
type Config struct {
	// Fixed, when set, is returned for every session and makes Generate
	// and Deploy fail with ErrFixedAccount.
	Fixed *starknet.Account
	// DeployPoll is the receipt polling interval while waiting for a
	// deployment to be accepted.
	DeployPoll time.Duration
	// DeployTimeout bounds that wait. Zero means no bound beyond ctx.
	DeployTimeout time.Duration
}

// Manager owns session-scoped credentials. It never reads one session's
// keys on behalf of another.
type Manager struct {
	kv     storage.KV
	signer starknet.Signer
	chain  Chain
	cfg    Config
	logger *slog.Logger
}

// NewManager creates a wallet manager.
func NewManager(kv storage.KV, signer starknet.Signer, chain Chain, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeployPoll <= 0 {
		cfg.DeployPoll = 3 * time.Second
	}
	return &Manager{
		kv:     kv,
		signer: signer,
		chain:  chain,
		cfg:    cfg,
		logger: logger.With("component", "wallet"),
	}
}

func key(sessionKey, suffix string) string {
	return sessionKey + ":" + suffix
}

// Fixed reports whether a configured account is in use.
func (m *Manager) Fixed() bool {
	return m.cfg.Fixed != nil
}

// Account returns the session's deployed account, or ErrNoAccount.
func (m *Manager) Account(ctx context.Context, sessionKey string) (starknet.Account, error) {
	if m.cfg.Fixed != nil {
		return *m.cfg.Fixed, nil
	}
	addr, err := m.kv.Read(ctx, key(sessionKey, keyAccountAddress))
	if err != nil {
		return starknet.Account{}, fmt.Errorf("read account address: %w", err)
	}
	pk, err := m.kv.Read(ctx, key(sessionKey, keyPrivateKey))
	if err != nil {
		return starknet.Account{}, fmt.Errorf("read private key: %w", err)
	}
	if addr == "" || pk == "" {
		return starknet.Account{}, ErrNoAccount
	}
	return starknet.Account{Address: addr, PrivateKey: pk}, nil
}

// PendingAddress returns the address of a generated but not yet
// deployed account, or "" if there is none.
func (m *Manager) PendingAddress(ctx context.Context, sessionKey string) (string, error) {
	if m.cfg.Fixed != nil {
		return "", nil
	}
	return m.kv.Read(ctx, key(sessionKey, keyGeneratedAddress))
}

// Generate creates a new key pair for the session, replacing any
// previously generated one. The account must be funded and then
// deployed with Deploy.
func (m *Manager) Generate(ctx context.Context, sessionKey string) (*starknet.GeneratedAccount, error) {
	if m.cfg.Fixed != nil {
		return nil, ErrFixedAccount
	}
	acct, err := m.signer.GenerateAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate account: %w", err)
	}
	if err := m.kv.Save(ctx, key(sessionKey, keyGeneratedPrivateKey), acct.PrivateKey); err != nil {
		return nil, fmt.Errorf("save generated key: %w", err)
	}
	if err := m.kv.Save(ctx, key(sessionKey, keyGeneratedAddress), acct.Address); err != nil {
		return nil, fmt.Errorf("save generated address: %w", err)
	}
	m.logger.Info("account generated", "session", sessionKey, "address", acct.Address)
	return acct, nil
}

// Deploy deploys the session's generated account, waits for the
// deployment to be accepted, and makes it the session's account.
func (m *Manager) Deploy(ctx context.Context, sessionKey string) (*starknet.Deployment, error) {
	if m.cfg.Fixed != nil {
		return nil, ErrFixedAccount
	}
	pk, err := m.kv.Read(ctx, key(sessionKey, keyGeneratedPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("read generated key: %w", err)
	}
	if pk == "" {
		return nil, ErrNoGeneratedAccount
	}

	dep, err := m.signer.DeployAccount(ctx, pk)
	if err != nil {
		return nil, fmt.Errorf("deploy account: %w", err)
	}
	m.logger.Info("account deployment submitted",
		"session", sessionKey, "address", dep.Address, "tx", dep.TransactionHash)

	waitCtx := ctx
	if m.cfg.DeployTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.cfg.DeployTimeout)
		defer cancel()
	}
	if _, err := m.chain.WaitForTransaction(waitCtx, dep.TransactionHash, m.cfg.DeployPoll); err != nil {
		return nil, fmt.Errorf("wait for deployment: %w", err)
	}

	if err := m.kv.Save(ctx, key(sessionKey, keyPrivateKey), pk); err != nil {
		return nil, fmt.Errorf("save private key: %w", err)
	}
	if err := m.kv.Save(ctx, key(sessionKey, keyAccountAddress), dep.Address); err != nil {
		return nil, fmt.Errorf("save account address: %w", err)
	}
	if err := m.kv.Delete(ctx, key(sessionKey, keyGeneratedAddress)); err != nil {
		m.logger.Warn("failed to clear pending address", "session", sessionKey, "error", err)
	}
	return dep, nil
}

// Transfer sends amount base units of token from the session's account
// to recipient and returns the transaction hash.
func (m *Manager) Transfer(ctx context.Context, sessionKey string, token starknet.Token, recipient string, amount *big.Int) (string, error) {
	acct, err := m.Account(ctx, sessionKey)
	if err != nil {
		return "", err
	}
	hash, err := m.signer.Execute(ctx, acct, []starknet.Invocation{
		starknet.TransferCall(token, recipient, amount),
	})
	if err != nil {
		return "", fmt.Errorf("transfer %s: %w", token.Symbol, err)
	}
	m.logger.Info("transfer submitted",
		"session", sessionKey, "token", token.Symbol, "to", recipient, "tx", hash)
	return hash, nil
}

// Balance returns owner's balance of token and the token's decimals.
func (m *Manager) Balance(ctx context.Context, token starknet.Token, owner string) (*big.Int, int, error) {
	return m.chain.Balance(ctx, token, owner)
}

// Decimals returns the number of decimals of token.
func (m *Manager) Decimals(ctx context.Context, token starknet.Token) (int, error) {
	return m.chain.Decimals(ctx, token)
}
