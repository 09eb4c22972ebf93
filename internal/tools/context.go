package tools

import "context"

type contextKey string

const sessionKeyKey contextKey = "session_key"

// WithSessionKey adds the session key to the context.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyKey, key)
}

// SessionKeyFromContext extracts the session key from the context.
// Returns "" if not set.
func SessionKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(sessionKeyKey).(string)
	return key
}
