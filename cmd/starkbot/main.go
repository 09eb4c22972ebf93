// Starkbot is a conversational Starknet wallet agent.
//
// It talks to users over Telegram and an HTTP API, manages one Starknet
// account per conversation, and can repeat a task in the background on
// a fixed interval. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	starkbot serve              Start the Telegram bridge and HTTP API
//	starkbot init [dir]         Initialize a working directory with defaults
//	starkbot ask <question>     Ask a single question (for testing)
//	starkbot version            Print version and build information
//	starkbot version -o json    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/starkbot/internal/buildinfo"
	"github.com/nugget/starkbot/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. It returns nil on clean shutdown and a
// non-nil error for any failure; main prints the error and exits.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "starkbot",
		Short:         "Starkbot - conversational Starknet wallet agent",
		Long:          "Starkbot manages a Starknet account per conversation and answers over Telegram and an HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: auto-discover)")

	root.AddCommand(
		newServeCmd(stdout, &configPath),
		newAskCmd(stdout, stderr, &configPath),
		newInitCmd(stdout),
		newVersionCmd(stdout),
	)
	return root
}

func newServeCmd(stdout io.Writer, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Telegram bridge and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdout, *configPath)
		},
	}
}

func newAskCmd(stdout, stderr io.Writer, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question (for testing)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), stdout, stderr, *configPath, strings.Join(args, " "))
		},
	}
}

func newInitCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a working directory with defaults (default: .)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(stdout, dir)
		},
	}
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	var outputFmt string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runVersion(stdout, outputFmt)
		},
	}
	cmd.Flags().StringVarP(&outputFmt, "output", "o", "text", "output format: text or json")
	return cmd
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "text", "":
	default:
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "platform", "uptime"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runAsk boots the agent with in-memory stores, processes a single
// question and prints the reply to stdout. Logs go to stderr so the
// reply can be piped.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, question string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, configuredLevel(cfg), cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath)

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	reply, err := a.ask(ctx, "cli-ask", question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogAttrs,
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLevel returns the level from cfg, already checked by
// Validate.
func configuredLevel(cfg *config.Config) slog.Level {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// loadConfig locates, parses and validates the configuration. With no
// explicit path and no file in the search paths it falls back to
// defaults and the environment. The returned path is "(environment)"
// in that case.
func loadConfig(explicit string) (*config.Config, string, error) {
	var cfg *config.Config
	cfgPath, err := config.FindConfig(explicit)
	switch {
	case err == nil:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	case explicit == "":
		cfg, cfgPath = config.Default(), "(environment)"
	default:
		return nil, "", err
	}

	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// errNothingToServe is returned by serve when neither transport is
// configured.
var errNothingToServe = errors.New("nothing to serve: set telegram.token or listen.port")
