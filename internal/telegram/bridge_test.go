package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nugget/starkbot/internal/agent"
	"github.com/nugget/starkbot/internal/starknet"
	"github.com/nugget/starkbot/internal/wallet"
)

type fakeBot struct {
	mu       sync.Mutex
	updates  chan tgbotapi.Update
	sent     []tgbotapi.Chattable
	failHTML bool
	stopped  bool
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok && f.failHTML && m.ParseMode == tgbotapi.ModeHTML {
		return tgbotapi.Message{}, errors.New("Bad Request: can't parse entities")
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeBot) messages() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.sent...)
}

func (f *fakeBot) texts() []string {
	var out []string
	for _, c := range f.messages() {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

type testRunner struct {
	mu      sync.Mutex
	lastReq *agent.Request
	resp    *agent.Response
	err     error
}

func (r *testRunner) Run(_ context.Context, req *agent.Request) (*agent.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastReq = req
	return r.resp, r.err
}

type fakeAccounts struct {
	account starknet.Account
	pending string
}

func (a *fakeAccounts) Account(context.Context, string) (starknet.Account, error) {
	if a.account.Address == "" {
		return starknet.Account{}, wallet.ErrNoAccount
	}
	return a.account, nil
}

func (a *fakeAccounts) PendingAddress(context.Context, string) (string, error) {
	return a.pending, nil
}

type fakeBackground struct{ stopped []string }

func (b *fakeBackground) Stop(_ context.Context, key string) (string, error) {
	b.stopped = append(b.stopped, key)
	return "Stopped.", nil
}

func textMessage(chatID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: chatID},
		From: &tgbotapi.User{FirstName: "Ada"},
	}
}

func command(chatID int64, cmd string) *tgbotapi.Message {
	m := textMessage(chatID, cmd)
	m.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	return m
}

func TestSessionKey(t *testing.T) {
	key := SessionKey(-100123)
	if key != "telegram--100123" {
		t.Errorf("SessionKey = %q", key)
	}
	id, ok := ChatID(key)
	if !ok || id != -100123 {
		t.Errorf("ChatID = %d, %v", id, ok)
	}
	if _, ok := ChatID("api-1"); ok {
		t.Error("ChatID accepted a non-telegram key")
	}
}

func TestHandleMessage_RunsAgent(t *testing.T) {
	bot := newFakeBot()
	runner := &testRunner{resp: &agent.Response{Content: "Your balance is **1.5 ETH**"}}
	b := NewBridge(bot, BridgeConfig{Runner: runner})

	b.handleMessage(context.Background(), textMessage(42, "what's my balance?"))

	if runner.lastReq == nil || runner.lastReq.SessionKey != "telegram-42" || runner.lastReq.Message != "what's my balance?" {
		t.Fatalf("request = %+v", runner.lastReq)
	}
	msgs := bot.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	m := msgs[0].(tgbotapi.MessageConfig)
	if m.ParseMode != tgbotapi.ModeHTML || m.Text != "Your balance is <b>1.5 ETH</b>" {
		t.Errorf("message = %q (mode %q)", m.Text, m.ParseMode)
	}
}

func TestHandleMessage_PlainTextFallback(t *testing.T) {
	bot := newFakeBot()
	bot.failHTML = true
	b := NewBridge(bot, BridgeConfig{Runner: &testRunner{resp: &agent.Response{Content: "**hi**"}}})

	b.handleMessage(context.Background(), textMessage(1, "hello"))

	if got := bot.texts(); len(got) != 1 || got[0] != "**hi**" {
		t.Errorf("texts = %q", got)
	}
}

func TestHandleMessage_AgentErrorApologizes(t *testing.T) {
	bot := newFakeBot()
	b := NewBridge(bot, BridgeConfig{Runner: &testRunner{err: errors.New("model down")}})

	b.handleMessage(context.Background(), textMessage(1, "hello"))

	if got := bot.texts(); len(got) != 1 || got[0] != apologyText {
		t.Errorf("texts = %q", got)
	}
}

func TestCommands(t *testing.T) {
	bot := newFakeBot()
	runner := &testRunner{resp: &agent.Response{Content: "unused"}}
	bg := &fakeBackground{}
	b := NewBridge(bot, BridgeConfig{Runner: runner, Background: bg})

	b.handleMessage(context.Background(), command(7, "/start"))
	b.handleMessage(context.Background(), command(7, "/stop"))

	if got := bot.texts(); len(got) != 2 || got[0] != "Hello Ada!" || got[1] != "Stopped." {
		t.Errorf("texts = %q", got)
	}
	if len(bg.stopped) != 1 || bg.stopped[0] != "telegram-7" {
		t.Errorf("stopped = %v", bg.stopped)
	}
	if runner.lastReq != nil {
		t.Errorf("commands reached the agent: %+v", runner.lastReq)
	}
}

func TestAddressCommand(t *testing.T) {
	tests := []struct {
		name      string
		accounts  *fakeAccounts
		wantPhoto string
		wantText  string
	}{
		{
			name:      "deployed",
			accounts:  &fakeAccounts{account: starknet.Account{Address: "0xabc"}},
			wantPhoto: "Your account address:\n0xabc",
		},
		{
			name:      "pending",
			accounts:  &fakeAccounts{pending: "0xdef"},
			wantPhoto: "Your account is not deployed yet",
		},
		{
			name:     "none",
			accounts: &fakeAccounts{},
			wantText: "Account does not exist, you need to create one first.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot := newFakeBot()
			b := NewBridge(bot, BridgeConfig{Runner: &testRunner{}, Accounts: tt.accounts})
			b.handleMessage(context.Background(), command(9, "/address"))

			msgs := bot.messages()
			if len(msgs) != 1 {
				t.Fatalf("sent %d messages, want 1", len(msgs))
			}
			switch m := msgs[0].(type) {
			case tgbotapi.PhotoConfig:
				if tt.wantPhoto == "" || !strings.HasPrefix(m.Caption, tt.wantPhoto) {
					t.Errorf("photo caption = %q, want prefix %q", m.Caption, tt.wantPhoto)
				}
			case tgbotapi.MessageConfig:
				if m.Text != tt.wantText {
					t.Errorf("text = %q, want %q", m.Text, tt.wantText)
				}
			default:
				t.Fatalf("unexpected chattable %T", m)
			}
		})
	}
}

func TestNotify(t *testing.T) {
	bot := newFakeBot()
	b := NewBridge(bot, BridgeConfig{Runner: &testRunner{}})

	if err := b.Notify(context.Background(), "telegram-5", "tick"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	m := bot.messages()[0].(tgbotapi.MessageConfig)
	if m.ChatID != 5 || m.Text != "tick" {
		t.Errorf("message = %+v", m)
	}
	if err := b.Notify(context.Background(), "api-5", "tick"); err == nil {
		t.Error("Notify accepted a non-telegram session")
	}
}

func TestAllowChat_RateLimit(t *testing.T) {
	b := NewBridge(newFakeBot(), BridgeConfig{RateLimit: 2})
	for i := 0; i < 2; i++ {
		if !b.allowChat(1) {
			t.Fatalf("message %d rate-limited", i+1)
		}
	}
	if b.allowChat(1) {
		t.Error("third message in window allowed")
	}
	if !b.allowChat(2) {
		t.Error("other chat rate-limited")
	}
}

func TestStart_FiltersAndStops(t *testing.T) {
	bot := newFakeBot()
	runner := &testRunner{resp: &agent.Response{Content: "ok"}}
	b := NewBridge(bot, BridgeConfig{Runner: runner, AllowedChats: []int64{1}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()

	bot.updates <- tgbotapi.Update{Message: textMessage(2, "blocked")}
	bot.updates <- tgbotapi.Update{Message: textMessage(1, "hello")}

	deadline := time.Now().Add(2 * time.Second)
	for len(bot.texts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := bot.texts(); len(got) != 1 || got[0] != "ok" {
		t.Errorf("texts = %q", got)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.lastReq.SessionKey != "telegram-1" {
		t.Errorf("session = %q", runner.lastReq.SessionKey)
	}
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if !bot.stopped {
		t.Error("StopReceivingUpdates not called")
	}
}

// orderRunner records the order messages reach the agent. A message
// with text "first" waits for gate.
type orderRunner struct {
	mu   sync.Mutex
	seen []string
	gate chan struct{}
}

func (r *orderRunner) Run(_ context.Context, req *agent.Request) (*agent.Response, error) {
	if req.Message == "first" {
		<-r.gate
	}
	r.mu.Lock()
	r.seen = append(r.seen, req.SessionKey+":"+req.Message)
	r.mu.Unlock()
	return &agent.Response{Content: "ok"}, nil
}

func (r *orderRunner) waitFor(t *testing.T, cond func([]string) bool) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		seen := append([]string(nil), r.seen...)
		r.mu.Unlock()
		if cond(seen) {
			return seen
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("timed out; seen = %q", r.seen)
	return nil
}

func TestStart_KeepsChatOrder(t *testing.T) {
	bot := newFakeBot()
	runner := &orderRunner{gate: make(chan struct{})}
	b := NewBridge(bot, BridgeConfig{Runner: runner})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	bot.updates <- tgbotapi.Update{Message: textMessage(1, "first")}
	bot.updates <- tgbotapi.Update{Message: textMessage(1, "second")}
	bot.updates <- tgbotapi.Update{Message: textMessage(2, "other")}

	// Chat 2 is not held up by chat 1's slow message.
	seen := runner.waitFor(t, func(s []string) bool { return len(s) == 1 })
	if seen[0] != "telegram-2:other" {
		t.Fatalf("seen = %q, want chat 2 handled while chat 1 waits", seen)
	}

	close(runner.gate)
	seen = runner.waitFor(t, func(s []string) bool { return len(s) == 3 })
	if seen[1] != "telegram-1:first" || seen[2] != "telegram-1:second" {
		t.Errorf("seen = %q, want chat 1 messages in arrival order", seen)
	}
}
