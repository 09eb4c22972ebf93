package starknet

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// OZAccountClassHash is the OpenZeppelin account class used for newly
// generated accounts.
const OZAccountClassHash = "0x061dac032f228abef9c6626f995015233097ae253a7f72d68552db02f2971b8f"

// Account is a deployed account and the key that controls it.
type Account struct {
	Address    string
	PrivateKey string
}

// GeneratedAccount is a fresh key pair and the counterfactual address
// the account contract will be deployed at.
type GeneratedAccount struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
	Address    string `json:"address"`
}

// Deployment is the result of submitting a deploy-account transaction.
type Deployment struct {
	TransactionHash string `json:"transaction_hash"`
	Address         string `json:"contract_address"`
}

// Invocation is one contract call inside an invoke transaction.
type Invocation struct {
	ContractAddress string   `json:"contract_address"`
	Entrypoint      string   `json:"entrypoint"`
	Calldata        []string `json:"calldata"`
}

// Signer holds the Stark-curve cryptography: key generation, account
// deployment and signing of invoke transactions.
type Signer interface {
	GenerateAccount(ctx context.Context) (*GeneratedAccount, error)
	DeployAccount(ctx context.Context, privateKey string) (*Deployment, error)
	// Execute signs and submits calls from account and returns the
	// transaction hash.
	Execute(ctx context.Context, account Account, calls []Invocation) (string, error)
}

type sidecarRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type sidecarResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type sidecarResult struct {
	result json.RawMessage
	err    error
}

// SidecarSigner delegates signing to a helper process that speaks
// newline-delimited JSON-RPC 2.0 on stdin/stdout. Requests are
// correlated by ID, so concurrent calls are safe.
type SidecarSigner struct {
	command string
	args    []string
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID  atomic.Int64
	mu      sync.Mutex // protects pending and stdin writes
	pending map[int64]chan sidecarResult

	done    chan struct{} // closed when the read loop exits
	waitErr chan error
}

// NewSidecarSigner creates a signer for command. Call Start to launch it.
func NewSidecarSigner(command string, args []string, logger *slog.Logger) *SidecarSigner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SidecarSigner{
		command: command,
		args:    args,
		logger:  logger.With("component", "signer"),
		pending: make(map[int64]chan sidecarResult),
		done:    make(chan struct{}),
		waitErr: make(chan error, 1),
	}
}

// Start launches the sidecar. Must be called exactly once.
func (s *SidecarSigner) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start signer %s: %w", s.command, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.reader = bufio.NewReaderSize(stdout, 1<<20)

	go s.drainStderr(stderr)
	go s.readLoop()
	go func() {
		err := cmd.Wait()
		if err != nil {
			s.logger.Error("signer exited with error", "error", err)
		}
		s.waitErr <- err
	}()

	s.logger.Info("signer started", "command", s.command, "pid", cmd.Process.Pid)
	return nil
}

// Close stops the sidecar, killing it if it does not exit promptly.
func (s *SidecarSigner) Close() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	s.stdin.Close()

	select {
	case err := <-s.waitErr:
		return err
	case <-time.After(5 * time.Second):
		s.logger.Warn("signer did not exit, killing", "pid", s.cmd.Process.Pid)
		_ = s.cmd.Process.Kill()
		<-s.waitErr
		return nil
	}
}

// GenerateAccount implements Signer.
func (s *SidecarSigner) GenerateAccount(ctx context.Context) (*GeneratedAccount, error) {
	var out GeneratedAccount
	if err := s.call(ctx, "generateAccount", map[string]any{"class_hash": OZAccountClassHash}, &out); err != nil {
		return nil, err
	}
	if !ValidAddress(out.Address) || out.PrivateKey == "" {
		return nil, errors.New("generateAccount: signer returned an incomplete account")
	}
	out.Address = NormalizeAddress(out.Address)
	return &out, nil
}

// DeployAccount implements Signer.
func (s *SidecarSigner) DeployAccount(ctx context.Context, privateKey string) (*Deployment, error) {
	var out Deployment
	err := s.call(ctx, "deployAccount", map[string]any{
		"private_key": privateKey,
		"class_hash":  OZAccountClassHash,
	}, &out)
	if err != nil {
		return nil, err
	}
	out.Address = NormalizeAddress(out.Address)
	return &out, nil
}

// Execute implements Signer.
func (s *SidecarSigner) Execute(ctx context.Context, account Account, calls []Invocation) (string, error) {
	var out struct {
		TransactionHash string `json:"transaction_hash"`
	}
	err := s.call(ctx, "execute", map[string]any{
		"address":     account.Address,
		"private_key": account.PrivateKey,
		"calls":       calls,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.TransactionHash == "" {
		return "", errors.New("execute: signer returned no transaction hash")
	}
	return out.TransactionHash, nil
}

func (s *SidecarSigner) call(ctx context.Context, method string, params, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := s.nextID.Add(1)
	ch := make(chan sidecarResult, 1)

	data, err := json.Marshal(sidecarRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", method, err)
	}

	s.mu.Lock()
	s.pending[id] = ch
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		delete(s.pending, id)
		s.mu.Unlock()
		return fmt.Errorf("%s: write to signer: %w", method, err)
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%s: %w", method, res.err)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(res.result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	case <-s.done:
		return fmt.Errorf("%s: signer exited", method)
	}
}

func (s *SidecarSigner) readLoop() {
	defer close(s.done)

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Error("signer read error", "error", err)
			}
			s.mu.Lock()
			for id, ch := range s.pending {
				ch <- sidecarResult{err: errors.New("signer exited")}
				delete(s.pending, id)
			}
			s.mu.Unlock()
			return
		}

		var resp sidecarResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
			s.logger.Debug("signer non-response line", "line", string(line))
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[*resp.ID]
		delete(s.pending, *resp.ID)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("signer response for unknown id", "id", *resp.ID)
			continue
		}

		if resp.Error != nil {
			ch <- sidecarResult{err: resp.Error}
		} else {
			ch <- sidecarResult{result: resp.Result}
		}
	}
}

func (s *SidecarSigner) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("signer stderr", "line", scanner.Text())
	}
}
