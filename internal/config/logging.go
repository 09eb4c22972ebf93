package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and enables wire-level
// logging of node RPC and model payloads. Those payloads contain wallet
// addresses, calldata and prompts, so trace is for local debugging only.
const LevelTrace = slog.Level(-8)

// logLevels lists the accepted log_level values, lowest first. The
// first name of each level is the canonical one.
var logLevels = []struct {
	names []string
	level slog.Level
}{
	{[]string{"trace"}, LevelTrace},
	{[]string{"debug"}, slog.LevelDebug},
	{[]string{"info", ""}, slog.LevelInfo},
	{[]string{"warn", "warning"}, slog.LevelWarn},
	{[]string{"error"}, slog.LevelError},
}

// LogLevelNames returns the canonical level names, lowest first.
func LogLevelNames() []string {
	out := make([]string, len(logLevels))
	for i, l := range logLevels {
		out[i] = l.names[0]
	}
	return out
}

// ParseLogLevel converts a case-insensitive level name to an
// [slog.Level]. An empty string means info. Surrounding whitespace is
// ignored.
func ParseLogLevel(s string) (slog.Level, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for _, l := range logLevels {
		for _, name := range l.names {
			if name == want {
				return l.level, nil
			}
		}
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: %s)", s, strings.Join(LogLevelNames(), ", "))
}

// redactedAttrs are attribute keys whose values never reach the log.
var redactedAttrs = map[string]bool{
	"private_key": true,
	"api_key":     true,
	"passphrase":  true,
	"bot_token":   true,
}

// ReplaceLogAttrs is the [slog.HandlerOptions.ReplaceAttr] used by every
// Starkbot handler. It renders [LevelTrace] as "TRACE" and masks the
// values of credential attributes such as private_key.
func ReplaceLogAttrs(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.LevelKey:
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	case redactedAttrs[a.Key]:
		a.Value = slog.StringValue("[redacted]")
	}
	return a
}
