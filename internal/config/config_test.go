package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: debug\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, "telegram:\n  token: ${STARKBOT_TEST_TOKEN}\n")
	t.Setenv("STARKBOT_TEST_TOKEN", "123:abc")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q, want %q", cfg.Telegram.Token, "123:abc")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	path := writeConfig(t, "starknet:\n  rpc_url: ${STARKBOT_TEST_RPC}\n")
	envPath := filepath.Join(filepath.Dir(path), ".env")
	os.WriteFile(envPath, []byte("STARKBOT_TEST_RPC=http://rpc.test\n"), 0600)
	t.Cleanup(func() { os.Unsetenv("STARKBOT_TEST_RPC") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Starknet.RPCURL != "http://rpc.test" {
		t.Errorf("rpc_url = %q, want value from .env", cfg.Starknet.RPCURL)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: info\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Agent.MaxIterations != DefaultMaxIterations {
		t.Errorf("max_iterations = %d, want %d", cfg.Agent.MaxIterations, DefaultMaxIterations)
	}
	if cfg.Agent.TurnTimeout != 5*time.Minute {
		t.Errorf("turn_timeout = %v, want 5m", cfg.Agent.TurnTimeout)
	}
	if cfg.AVNU.Slippage != 0.01 {
		t.Errorf("slippage = %v, want 0.01", cfg.AVNU.Slippage)
	}
	if len(cfg.News.Feeds) != len(DefaultFeeds) {
		t.Errorf("feeds = %d, want %d", len(cfg.News.Feeds), len(DefaultFeeds))
	}
	if cfg.Starknet.ExplorerURL != DefaultExplorerURL {
		t.Errorf("explorer_url = %q", cfg.Starknet.ExplorerURL)
	}
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, "agent:\n  turn_timeout: 90s\nnews:\n  cache_ttl: 1m\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.TurnTimeout != 90*time.Second {
		t.Errorf("turn_timeout = %v, want 90s", cfg.Agent.TurnTimeout)
	}
	if cfg.News.CacheTTL != time.Minute {
		t.Errorf("cache_ttl = %v, want 1m", cfg.News.CacheTTL)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{
			Anthropic: AnthropicConfig{APIKey: "sk-ant"},
			Starknet:  StarknetConfig{RPCURL: "http://rpc"},
		}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"no provider", func(c *Config) { c.Anthropic.APIKey = "" }, "no model provider"},
		{"no rpc", func(c *Config) { c.Starknet.RPCURL = "" }, "rpc_url"},
		{"half account", func(c *Config) { c.Starknet.AccountAddress = "0x1" }, "set together"},
		{"slippage", func(c *Config) { c.AVNU.Slippage = 0.5 }, "slippage"},
		{"port", func(c *Config) { c.Listen.Port = 70000 }, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFixedAccount(t *testing.T) {
	s := StarknetConfig{AccountAddress: "0x1"}
	if s.FixedAccount() {
		t.Error("FixedAccount() with only address should be false")
	}
	s.PrivateKey = "0x2"
	if !s.FixedAccount() {
		t.Error("FixedAccount() with address and key should be true")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogAttrs(t *testing.T) {
	a := ReplaceLogAttrs(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: ReplaceLogAttrs}))
	logger.Info("account loaded", "address", "0xabc", "private_key", "0xdeadbeef", "token", "ETH")
	out := buf.String()
	if strings.Contains(out, "0xdeadbeef") || !strings.Contains(out, "private_key=[redacted]") {
		t.Errorf("log = %q, want private key masked", out)
	}
	if !strings.Contains(out, "address=0xabc") || !strings.Contains(out, "token=ETH") {
		t.Errorf("log = %q, want other attributes intact", out)
	}
}

func TestParseLogLevelErrorListsNames(t *testing.T) {
	_, err := ParseLogLevel("loud")
	if err == nil || !strings.Contains(err.Error(), "trace, debug, info, warn, error") {
		t.Errorf("err = %v, want the valid level names", err)
	}
}
