package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/starkbot/internal/api"
	"github.com/nugget/starkbot/internal/buildinfo"
	"github.com/nugget/starkbot/internal/connwatch"
	"github.com/nugget/starkbot/internal/telegram"
)

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 10 * time.Second

// runServe is the primary operating mode: it wires the app, attaches
// the configured transports, restores persisted background jobs and
// blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The Telegram bridge finishes its in-flight turns
//  4. The scheduler, signer and database are closed
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, configuredLevel(cfg), cfg.LogFormat)
	logger.Info("starting Starkbot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"telegram", cfg.Telegram.Token != "",
		"fixed_account", cfg.Starknet.FixedAccount(),
	)

	if cfg.Telegram.Token == "" && cfg.Listen.Port == 0 {
		return errNothingToServe
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	monitor := connwatch.NewMonitor(connwatch.DefaultConfig(), logger)
	defer monitor.Stop()
	monitor.Watch("starknet", func(ctx context.Context) error {
		_, err := a.chain.ChainID(ctx)
		return err
	})
	monitor.Watch("model", a.llm.Ping)

	var wg sync.WaitGroup

	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram.Token)
		if err != nil {
			return err
		}
		bridge := telegram.NewBridge(bot, telegram.BridgeConfig{
			Runner:       a.loop,
			Accounts:     a.wallet,
			Background:   a.scheduler,
			Logger:       logger,
			RateLimit:    cfg.Telegram.RateLimit,
			AllowedChats: cfg.Telegram.AllowedChats,
		})
		a.router.Handle(telegram.SessionPrefix, bridge)

		wg.Add(1)
		go func() {
			defer wg.Done()
			bridge.Start(ctx)
		}()
	} else {
		logger.Info("telegram bridge disabled (no token configured)")
	}

	serverErr := make(chan error, 1)
	var server *api.Server
	if cfg.Listen.Port > 0 {
		outbox := api.NewOutbox()
		a.router.Handle(api.SessionPrefix, outbox)

		server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, a.scheduler, outbox, logger)
		server.AddStats("memory", a.loop.MemoryStats)
		server.AddStats("scheduler", a.scheduler.Stats)
		server.AddStats("services", monitor.Stats)
		if a.usage != nil {
			server.AddStats("usage_24h", a.usage.Stats)
			server.SetUsage(a.usage)
		}

		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	} else {
		logger.Info("HTTP API disabled (listen.port is 0)")
	}

	// Restore after transports are registered so the first firings can
	// reach their users.
	n, err := a.scheduler.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore background jobs", "error", err)
	} else if n > 0 {
		logger.Info("background jobs restored", "count", n)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
		cancel()
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", "error", err)
		}
		shutdownCancel()
	}
	wg.Wait()

	logger.Info("Starkbot stopped")
	return runErr
}
