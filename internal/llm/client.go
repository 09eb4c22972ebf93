// Package llm provides the model gateway: a provider-neutral chat
// interface with Anthropic and OpenAI-compatible implementations.
package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends the conversation and tool definitions and returns the
	// model's reply, which may request tool calls.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
