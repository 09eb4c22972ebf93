package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/starkbot/internal/agent"
	"github.com/nugget/starkbot/internal/avnu"
	"github.com/nugget/starkbot/internal/config"
	"github.com/nugget/starkbot/internal/database"
	"github.com/nugget/starkbot/internal/llm"
	"github.com/nugget/starkbot/internal/memory"
	"github.com/nugget/starkbot/internal/news"
	"github.com/nugget/starkbot/internal/scheduler"
	"github.com/nugget/starkbot/internal/starknet"
	"github.com/nugget/starkbot/internal/storage"
	"github.com/nugget/starkbot/internal/tools"
	"github.com/nugget/starkbot/internal/usage"
	"github.com/nugget/starkbot/internal/wallet"
)

// deployTimeout bounds the wait for an account deployment receipt.
const deployTimeout = 5 * time.Minute

// app holds the components shared by serve and ask. Transports attach
// to it through router.
type app struct {
	logger    *slog.Logger
	chain     *starknet.Client
	llm       llm.Client
	usage     *usage.Store // nil when not persistent
	loop      *agent.Loop
	registry  *tools.Registry
	wallet    *wallet.Manager
	scheduler *scheduler.Scheduler
	router    *scheduler.Router

	closers []func() error
}

// newApp wires storage, model gateway, chain client, signer, tools,
// agent loop and scheduler. With persistent false every store lives in
// memory and nothing touches the data directory.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, persistent bool) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var (
		kv       storage.KV
		mem      memory.Store
		jobStore *scheduler.Store
	)
	if persistent {
		dbPath := filepath.Join(cfg.DataDir, "starkbot.db")
		db, err := database.Open(dbPath)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, db.Close)
		logger.Info("database opened", "path", dbPath)

		if kv, err = storage.NewSQLiteKV(db); err != nil {
			return a, fmt.Errorf("open credential store: %w", err)
		}
		if mem, err = memory.NewSQLiteStore(db, logger); err != nil {
			return a, fmt.Errorf("open conversation store: %w", err)
		}
		if jobStore, err = scheduler.NewStore(db); err != nil {
			return a, fmt.Errorf("open job store: %w", err)
		}
		if a.usage, err = usage.NewStore(db); err != nil {
			return a, fmt.Errorf("open usage store: %w", err)
		}
	} else {
		kv = storage.NewMemoryKV()
		mem = memory.NewMemoryStore()
	}

	if cfg.Storage.Passphrase != "" {
		sealed, err := storage.NewSealed(ctx, kv, cfg.Storage.Passphrase)
		if err != nil {
			return a, fmt.Errorf("unseal credential store: %w", err)
		}
		kv = sealed
		logger.Info("credential store encrypted at rest")
	} else if persistent {
		logger.Warn("storage.passphrase not set, private keys are stored in plain text")
	}

	signer := a.newSigner(ctx, cfg.Starknet, logger)

	a.chain = starknet.NewClient(cfg.Starknet.RPCURL, logger)

	wcfg := wallet.Config{DeployTimeout: deployTimeout}
	if cfg.Starknet.FixedAccount() {
		wcfg.Fixed = &starknet.Account{
			Address:    starknet.NormalizeAddress(cfg.Starknet.AccountAddress),
			PrivateKey: cfg.Starknet.PrivateKey,
		}
		logger.Info("using fixed account from config", "address", wcfg.Fixed.Address)
	}
	a.wallet = wallet.NewManager(kv, signer, a.chain, wcfg, logger)

	swapper := avnu.NewSwapper(avnu.NewClient(cfg.AVNU.BaseURL, logger), signer, avnu.SwapConfig{
		Slippage:    cfg.AVNU.Slippage,
		MaxSlippage: cfg.AVNU.MaxSlippage,
		MaxAttempts: cfg.AVNU.MaxAttempts,
		Backoff:     cfg.AVNU.RetryBackoff,
	}, logger)

	fetcher, err := news.NewFetcher(news.Config{
		Feeds:       cfg.News.Feeds,
		CacheTTL:    cfg.News.CacheTTL,
		MaxArticles: cfg.News.MaxArticles,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("create news fetcher: %w", err)
	}
	a.closers = append(a.closers, func() error { fetcher.Close(); return nil })

	a.registry = tools.NewRegistry()
	tools.RegisterWalletTools(a.registry, a.wallet, swapper, tools.WalletConfig{
		ExplorerURL: cfg.Starknet.ExplorerURL,
		FaucetURL:   cfg.Starknet.FaucetURL,
	})
	tools.RegisterNewsTools(a.registry, fetcher)

	persona, err := loadPersona(cfg.Agent.PersonaFile)
	if err != nil {
		return a, err
	}

	loopCfg := agent.Config{
		Model:         cfg.Models.Default,
		Persona:       persona,
		MaxIterations: cfg.Agent.MaxIterations,
		TurnTimeout:   cfg.Agent.TurnTimeout,
		HistoryLimit:  cfg.Agent.HistoryLimit,
	}
	if a.usage != nil {
		loopCfg.Usage = a.usage
	}
	a.llm = newLLMClient(cfg, logger)
	a.loop = agent.NewLoop(logger, mem, a.llm, a.registry, loopCfg)

	a.router = scheduler.NewRouter(scheduler.NotifierFunc(func(_ context.Context, sessionKey, _ string) error {
		logger.Warn("no transport for background reply", "session", sessionKey)
		return nil
	}))
	a.scheduler = scheduler.New(logger, jobStore, a.runBackground, a.router, scheduler.Config{
		TurnTimeout: cfg.Agent.TurnTimeout,
	})
	a.closers = append(a.closers, func() error { a.scheduler.Close(); return nil })
	tools.RegisterBackgroundTools(a.registry, a.scheduler)

	logger.Info("agent ready",
		"model", cfg.Models.Default,
		"tools", strings.Join(a.registry.Names(), ","),
		"persistent", persistent,
	)
	return a, nil
}

// ask runs one user turn and returns the reply text.
func (a *app) ask(ctx context.Context, sessionKey, message string) (string, error) {
	resp, err := a.loop.Run(ctx, &agent.Request{SessionKey: sessionKey, Message: message, Source: "cli"})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// runBackground is the scheduler's turn function. The directive is
// submitted as if the user had sent it.
func (a *app) runBackground(ctx context.Context, sessionKey, directive string) (string, error) {
	resp, err := a.loop.Run(ctx, &agent.Request{SessionKey: sessionKey, Message: directive, Source: "scheduler"})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

// newLLMClient builds the model gateway. Model names starting with
// "claude" go to Anthropic; everything else goes to the OpenAI-compatible
// endpoint, or to Anthropic when that is the only provider.
func newLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	var anthropicClient, openaiClient llm.Client
	if cfg.Anthropic.APIKey != "" {
		anthropicClient = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger,
			llm.WithAnthropicMaxTokens(cfg.Models.MaxTokens),
			llm.WithAnthropicTemperature(cfg.Models.Temperature),
		)
	}
	if cfg.OpenAI.APIKey != "" || strings.Contains(cfg.OpenAI.BaseURL, "localhost") {
		openaiClient = llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.Models.Temperature, logger)
	}

	fallback := openaiClient
	if fallback == nil {
		fallback = anthropicClient
	}
	multi := llm.NewMultiClient(fallback)
	if anthropicClient != nil {
		multi.AddProvider("anthropic", anthropicClient)
		multi.AddPrefix("claude", "anthropic")
	}
	if openaiClient != nil {
		multi.AddProvider("openai", openaiClient)
	}
	logger.Info("model gateway initialized",
		"default_model", cfg.Models.Default,
		"anthropic", anthropicClient != nil,
		"openai", openaiClient != nil,
	)
	return multi
}

// loadPersona reads the persona override. An empty path selects the
// built-in persona.
func loadPersona(path string) (string, error) {
	if path == "" {
		return agent.DefaultPersona, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona: %w", err)
	}
	persona := strings.TrimSpace(string(data))
	if persona == "" {
		return agent.DefaultPersona, nil
	}
	return persona, nil
}

// newSigner starts the sidecar signer when one is configured and the
// in-process signer otherwise. A signer that cannot be set up is logged
// and replaced with one that refuses wallet operations, so the agent
// still answers questions and reads balances.
func (a *app) newSigner(ctx context.Context, cfg config.StarknetConfig, logger *slog.Logger) starknet.Signer {
	if cfg.Signer.Command != "" {
		sc := starknet.NewSidecarSigner(cfg.Signer.Command, cfg.Signer.Args, logger)
		if err := sc.Start(ctx); err != nil {
			logger.Warn("signer sidecar unavailable, wallet operations disabled", "command", cfg.Signer.Command, "error", err)
			return starknet.UnavailableSigner{Reason: err}
		}
		a.closers = append(a.closers, sc.Close)
		return sc
	}
	ns, err := starknet.NewNativeSigner(cfg.RPCURL, cfg.Signer.ClassHash, logger)
	if err != nil {
		logger.Warn("signer unavailable, wallet operations disabled", "error", err)
		return starknet.UnavailableSigner{Reason: err}
	}
	return ns
}
