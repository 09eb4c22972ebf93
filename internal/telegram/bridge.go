// Package telegram connects the agent to a Telegram bot. Each chat is
// its own session.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/nugget/starkbot/internal/agent"
	"github.com/nugget/starkbot/internal/starknet"
	"github.com/nugget/starkbot/internal/wallet"
)

// SessionPrefix starts every Telegram session key.
const SessionPrefix = "telegram-"

// handleTimeout bounds how long a single inbound message may be
// processed (agent loop + response send).
const handleTimeout = 5 * time.Minute

// rateWindow is the sliding window for per-chat rate limiting.
const rateWindow = time.Minute

// typingInterval re-sends the typing action before Telegram expires it.
const typingInterval = 4 * time.Second

const apologyText = "Sorry, something went wrong while handling your message. Please try again."

// AgentRunner abstracts the agent loop for testability. The real
// implementation is *agent.Loop.
type AgentRunner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// Accounts looks up the wallet address shown by /address.
type Accounts interface {
	Account(ctx context.Context, sessionKey string) (starknet.Account, error)
	PendingAddress(ctx context.Context, sessionKey string) (string, error)
}

// Background stops a chat's background action for /stop.
type Background interface {
	Stop(ctx context.Context, sessionKey string) (string, error)
}

// botAPI is the subset of *tgbotapi.BotAPI the bridge uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	StopReceivingUpdates()
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Runner       AgentRunner
	Accounts     Accounts   // optional; disables /address when nil
	Background   Background // optional; disables /stop when nil
	Logger       *slog.Logger
	RateLimit    int     // per chat per minute; 0 = unlimited
	AllowedChats []int64 // empty allows every chat
}

// Bridge receives Telegram updates, routes them through the agent loop,
// and sends responses back to the chat.
type Bridge struct {
	bot        botAPI
	runner     AgentRunner
	accounts   Accounts
	background Background
	logger     *slog.Logger
	rateLimit  int
	allowed    map[int64]bool

	mu        sync.Mutex
	chatTimes map[int64][]time.Time
	queues    map[int64][]*tgbotapi.Message // present while a chat's worker runs
	wg        sync.WaitGroup
}

// NewBot connects to the Bot API with token.
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	return bot, nil
}

// NewBridge creates a Telegram bridge over bot.
func NewBridge(bot botAPI, cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]bool, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		allowed[id] = true
	}
	return &Bridge{
		bot:        bot,
		runner:     cfg.Runner,
		accounts:   cfg.Accounts,
		background: cfg.Background,
		logger:     logger.With("component", "telegram"),
		rateLimit:  cfg.RateLimit,
		allowed:    allowed,
		chatTimes:  make(map[int64][]time.Time),
		queues:     make(map[int64][]*tgbotapi.Message),
	}
}

// SessionKey returns the session key for a chat.
func SessionKey(chatID int64) string {
	return SessionPrefix + strconv.FormatInt(chatID, 10)
}

// ChatID parses a session key produced by SessionKey.
func ChatID(sessionKey string) (int64, bool) {
	rest, ok := strings.CutPrefix(sessionKey, SessionPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil
}

// Start long-polls for updates until ctx is cancelled. Chats are
// handled concurrently; messages within one chat are handled one at a
// time in the order they arrived.
func (b *Bridge) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.bot.GetUpdatesChan(u)
	b.logger.Info("telegram bridge started")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.bot.StopReceivingUpdates()
			b.logger.Info("telegram bridge shutting down")
			return
		case upd, ok := <-updates:
			if !ok {
				b.logger.Info("telegram update channel closed, bridge stopping")
				return
			}
			msg := upd.Message
			if msg == nil || msg.Chat == nil || msg.Text == "" {
				continue
			}
			if len(b.allowed) > 0 && !b.allowed[msg.Chat.ID] {
				b.logger.Warn("telegram message from unlisted chat", "chat_id", msg.Chat.ID)
				continue
			}
			if !b.allowChat(msg.Chat.ID) {
				b.logger.Warn("telegram message rate-limited", "chat_id", msg.Chat.ID)
				continue
			}

			b.enqueue(ctx, msg)
		}
	}
}

// enqueue adds msg to its chat's queue and starts a worker for the chat
// if none is running.
func (b *Bridge) enqueue(ctx context.Context, msg *tgbotapi.Message) {
	id := msg.Chat.ID
	b.mu.Lock()
	q, running := b.queues[id]
	b.queues[id] = append(q, msg)
	b.mu.Unlock()
	if running {
		return
	}
	b.wg.Add(1)
	go b.drain(ctx, id)
}

// drain handles a chat's queued messages until the queue is empty.
// Messages still queued at shutdown are dropped.
func (b *Bridge) drain(ctx context.Context, chatID int64) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		q := b.queues[chatID]
		if len(q) == 0 || ctx.Err() != nil {
			if len(q) > 0 {
				b.logger.Info("dropping queued telegram messages", "chat_id", chatID, "count", len(q))
			}
			delete(b.queues, chatID)
			b.mu.Unlock()
			return
		}
		msg := q[0]
		b.queues[chatID] = q[1:]
		b.mu.Unlock()

		b.handleMessage(ctx, msg)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	chatID := msg.Chat.ID
	key := SessionKey(chatID)

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			name := "there"
			if msg.From != nil && msg.From.FirstName != "" {
				name = msg.From.FirstName
			}
			b.sendText(chatID, fmt.Sprintf("Hello %s!", name))
			return
		case "address":
			if b.accounts != nil {
				b.sendAddress(ctx, chatID, key)
				return
			}
		case "stop":
			if b.background != nil {
				ack, err := b.background.Stop(ctx, key)
				if err != nil {
					b.logger.Error("telegram stop failed", "session", key, "error", err)
					ack = apologyText
				}
				b.sendText(chatID, ack)
				return
			}
		}
	}

	b.logger.Info("telegram message received",
		"chat_id", chatID,
		"session", key,
		"message_len", len(msg.Text),
	)

	typingCtx, stopTyping := context.WithCancel(ctx)
	go b.keepTyping(typingCtx, chatID)

	resp, err := b.runner.Run(ctx, &agent.Request{SessionKey: key, Message: msg.Text, Source: "telegram"})
	stopTyping()

	if err != nil {
		b.logger.Error("telegram agent run failed", "session", key, "error", err)
		b.sendText(chatID, apologyText)
		return
	}
	if resp.Content == "" {
		return
	}
	if err := b.send(chatID, resp.Content); err != nil {
		b.logger.Error("telegram reply send failed", "session", key, "error", err)
	}
}

// Notify sends a background reply to the chat behind sessionKey.
func (b *Bridge) Notify(_ context.Context, sessionKey, text string) error {
	chatID, ok := ChatID(sessionKey)
	if !ok {
		return fmt.Errorf("not a telegram session: %s", sessionKey)
	}
	return b.send(chatID, text)
}

// send delivers Markdown text as Telegram HTML, falling back to plain
// text when the rendered HTML is rejected.
func (b *Bridge) send(chatID int64, text string) error {
	rendered, err := renderHTML(text)
	if err == nil && rendered != "" {
		var sendErr error
		for _, chunk := range split(rendered, maxMessageLen) {
			m := tgbotapi.NewMessage(chatID, chunk)
			m.ParseMode = tgbotapi.ModeHTML
			m.DisableWebPagePreview = true
			if _, sendErr = b.bot.Send(m); sendErr != nil {
				break
			}
		}
		if sendErr == nil {
			return nil
		}
		b.logger.Warn("telegram HTML send failed, retrying as plain text", "chat_id", chatID, "error", sendErr)
	}

	var errs []error
	for _, chunk := range split(text, maxMessageLen) {
		if _, err := b.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) sendText(chatID int64, text string) {
	if _, err := b.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

// sendAddress replies with the chat's account address and a QR code
// for funding it. A generated but undeployed account is shown with a
// reminder to deploy it.
func (b *Bridge) sendAddress(ctx context.Context, chatID int64, key string) {
	address, caption := "", ""
	if acct, err := b.accounts.Account(ctx, key); err == nil {
		address, caption = acct.Address, "Your account address:\n"+acct.Address
	} else if errors.Is(err, wallet.ErrNoAccount) {
		pending, perr := b.accounts.PendingAddress(ctx, key)
		if perr != nil {
			b.logger.Error("telegram pending address lookup failed", "session", key, "error", perr)
		}
		if pending != "" {
			address = pending
			caption = "Your account is not deployed yet. Fund this address, then ask me to deploy it:\n" + pending
		}
	} else {
		b.logger.Error("telegram account lookup failed", "session", key, "error", err)
		b.sendText(chatID, apologyText)
		return
	}

	if address == "" {
		b.sendText(chatID, "Account does not exist, you need to create one first.")
		return
	}

	png, err := qrcode.Encode(address, qrcode.Medium, 256)
	if err != nil {
		b.logger.Warn("telegram QR encode failed", "error", err)
		b.sendText(chatID, caption)
		return
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "address.png", Bytes: png})
	photo.Caption = caption
	if _, err := b.bot.Send(photo); err != nil {
		b.logger.Warn("telegram photo send failed", "chat_id", chatID, "error", err)
		b.sendText(chatID, caption)
	}
}

// keepTyping shows the typing indicator until ctx is done.
func (b *Bridge) keepTyping(ctx context.Context, chatID int64) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		if _, err := b.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
			b.logger.Debug("telegram typing indicator failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// allowChat checks whether the chat is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowChat(chatID int64) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	timestamps := b.chatTimes[chatID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= b.rateLimit {
		b.chatTimes[chatID] = valid
		return false
	}
	b.chatTimes[chatID] = append(valid, now)
	return true
}
