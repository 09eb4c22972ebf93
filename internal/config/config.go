// Package config handles Starkbot configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default Sepolia endpoints and token addresses.
const (
	DefaultExplorerURL   = "https://sepolia.starkscan.co"
	DefaultAVNUURL       = "https://sepolia.api.avnu.fi"
	DefaultFaucetURL     = "https://starknet-faucet.vercel.app"
	DefaultModel         = "claude-sonnet-4-20250514"
	DefaultMaxIterations = 10
)

// DefaultFeeds are the RSS sources read by the news tool.
var DefaultFeeds = []string{
	"https://cryptoslate.com/feed/",
	"https://www.newsbtc.com/feed/",
	"https://cryptopotato.com/feed/",
	"https://cryptodaily.co.uk/feed/",
}

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/starkbot/config.yaml,
// /etc/starkbot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "starkbot", "config.yaml"))
	}

	return append(paths, "/etc/starkbot/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Starkbot configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	DataDir   string          `yaml:"data_dir"`
	Listen    ListenConfig    `yaml:"listen"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Agent     AgentConfig     `yaml:"agent"`
	Starknet  StarknetConfig  `yaml:"starknet"`
	AVNU      AVNUConfig      `yaml:"avnu"`
	News      NewsConfig      `yaml:"news"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ListenConfig defines the HTTP API server. Port 0 disables it.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// TelegramConfig defines the bot transport. An empty token disables it.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// RateLimit is the maximum messages per chat per minute. Zero
	// disables limiting.
	RateLimit int `yaml:"rate_limit"`
	// AllowedChats restricts the bot to these chat IDs. Empty allows all.
	AllowedChats []int64 `yaml:"allowed_chats"`
}

// ModelsConfig selects the model used for every turn.
type ModelsConfig struct {
	Default     string  `yaml:"default"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines an OpenAI-compatible chat completions endpoint.
// BaseURL may point at Ollama or any other compatible server.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AgentConfig bounds the decision loop.
type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`
	// HistoryLimit caps how many stored messages are sent to the model.
	HistoryLimit int    `yaml:"history_limit"`
	PersonaFile  string `yaml:"persona_file"`
}

// StarknetConfig defines the chain connection and the optional fixed
// account. When AccountAddress and PrivateKey are both set, every session
// uses that account and generation is refused.
type StarknetConfig struct {
	RPCURL         string       `yaml:"rpc_url"`
	ExplorerURL    string       `yaml:"explorer_url"`
	FaucetURL      string       `yaml:"faucet_url"`
	AccountAddress string       `yaml:"account_address"`
	PrivateKey     string       `yaml:"private_key"`
	Signer         SignerConfig `yaml:"signer"`
}

// FixedAccount reports whether a config-provided account overrides
// per-session accounts.
func (s StarknetConfig) FixedAccount() bool {
	return s.AccountAddress != "" && s.PrivateKey != ""
}

// SignerConfig selects how transactions are signed. By default signing
// runs in-process against the configured RPC node. Setting Command
// hands the Stark-curve work to a sidecar process instead.
type SignerConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	ClassHash string   `yaml:"account_class_hash"`
}

// AVNUConfig defines the swap aggregator.
type AVNUConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Slippage     float64       `yaml:"slippage"`
	MaxSlippage  float64       `yaml:"max_slippage"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// NewsConfig defines the RSS sources for the news tool.
type NewsConfig struct {
	Feeds       []string      `yaml:"feeds"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	MaxArticles int           `yaml:"max_articles"`
}

// StorageConfig defines credential storage. A non-empty passphrase
// encrypts stored values at rest.
type StorageConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// Load reads configuration from a YAML file. A .env file next to the
// config (or in the working directory) is loaded into the environment
// first so ${VAR} references can resolve against it.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// loadDotEnv loads the first existing file. Variables already present in
// the environment win.
func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// Default returns a configuration built from defaults and the
// environment alone, for running without a config file.
func Default() *Config {
	loadDotEnv(".env")
	cfg := &Config{
		Telegram:  TelegramConfig{Token: os.Getenv("TELEGRAM_BOT_TOKEN")},
		Anthropic: AnthropicConfig{APIKey: os.Getenv("ANTHROPIC_API_KEY")},
		OpenAI:    OpenAIConfig{APIKey: os.Getenv("OPENAI_API_KEY")},
		Starknet: StarknetConfig{
			RPCURL:         os.Getenv("STARKNET_RPC_URL"),
			AccountAddress: os.Getenv("STARKNET_ACCOUNT_ADDRESS"),
			PrivateKey:     os.Getenv("STARKNET_PRIVATE_KEY"),
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Models.Default == "" {
		c.Models.Default = DefaultModel
	}
	if c.Models.MaxTokens == 0 {
		c.Models.MaxTokens = 4096
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.Agent.TurnTimeout == 0 {
		c.Agent.TurnTimeout = 5 * time.Minute
	}
	if c.Agent.HistoryLimit == 0 {
		c.Agent.HistoryLimit = 100
	}
	if c.Starknet.ExplorerURL == "" {
		c.Starknet.ExplorerURL = DefaultExplorerURL
	}
	if c.Starknet.FaucetURL == "" {
		c.Starknet.FaucetURL = DefaultFaucetURL
	}
	if c.AVNU.BaseURL == "" {
		c.AVNU.BaseURL = DefaultAVNUURL
	}
	if c.AVNU.Slippage == 0 {
		c.AVNU.Slippage = 0.01
	}
	if c.AVNU.MaxSlippage == 0 {
		c.AVNU.MaxSlippage = 0.05
	}
	if c.AVNU.MaxAttempts == 0 {
		c.AVNU.MaxAttempts = 5
	}
	if c.AVNU.RetryBackoff == 0 {
		c.AVNU.RetryBackoff = time.Second
	}
	if len(c.News.Feeds) == 0 {
		c.News.Feeds = append([]string(nil), DefaultFeeds...)
	}
	if c.News.CacheTTL == 0 {
		c.News.CacheTTL = 10 * time.Minute
	}
	if c.News.MaxArticles == 0 {
		c.News.MaxArticles = 20
	}
}

// Validate reports configuration that cannot work. It collects every
// problem rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Anthropic.APIKey == "" && c.OpenAI.APIKey == "" && !strings.Contains(c.OpenAI.BaseURL, "localhost") {
		errs = append(errs, errors.New("no model provider configured: set anthropic.api_key or openai.api_key"))
	}
	if c.Starknet.RPCURL == "" {
		errs = append(errs, errors.New("starknet.rpc_url is required"))
	}
	if (c.Starknet.AccountAddress == "") != (c.Starknet.PrivateKey == "") {
		errs = append(errs, errors.New("starknet.account_address and starknet.private_key must be set together"))
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations))
	}
	if c.AVNU.Slippage <= 0 || c.AVNU.Slippage > c.AVNU.MaxSlippage {
		errs = append(errs, fmt.Errorf("avnu.slippage %.4f must be in (0, max_slippage %.4f]", c.AVNU.Slippage, c.AVNU.MaxSlippage))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	return errors.Join(errs...)
}
