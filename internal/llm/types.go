package llm

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single chat message as sent to a provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool results
}

// ToolCall is a tool invocation requested by the model. ID is assigned
// by the provider and must be echoed back on the matching tool result.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at provider boundaries (anthropic.go, openai.go).
type ChatResponse struct {
	Model   string
	Message Message

	// StopReason is the provider's reason for ending the reply
	// (end_turn, tool_use, stop, length, ...).
	StopReason string

	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}
