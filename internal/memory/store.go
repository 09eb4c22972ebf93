// Package memory provides the conversation store: an append-only,
// per-session message history.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Store persists ordered conversation history keyed by session.
// Implementations must be safe for concurrent use; ordering within one
// session is the order of Append calls.
type Store interface {
	// Append adds messages to the end of a session's history, creating
	// the session on first use. Messages are stored atomically.
	Append(ctx context.Context, sessionKey string, msgs ...Message) error

	// Messages returns a session's full history, oldest first. An
	// unknown session has an empty history.
	Messages(ctx context.Context, sessionKey string) ([]Message, error)

	// Stats returns summary counters for health reporting.
	Stats() map[string]any
}

// Message is one entry in a session's history.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"` // user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool only
	Timestamp  time.Time  `json:"timestamp"`
}

// ToolCall is a tool invocation recorded on an assistant message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// stamp fills in the ID and timestamp on messages that lack them.
func stamp(msgs []Message) []Message {
	now := time.Now().UTC()
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				id = uuid.New()
			}
			m.ID = id.String()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		out[i] = m
	}
	return out
}

// Window returns at most limit of the most recent messages. The window
// always starts at a user message so it never opens with tool results
// whose assistant request was cut off. A limit of zero or less returns
// everything.
func Window(msgs []Message, limit int) []Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	start := len(msgs) - limit
	for i := start; i < len(msgs); i++ {
		if msgs[i].Role == RoleUser {
			return msgs[i:]
		}
	}
	// No user message inside the window; widen back to the nearest one.
	for i := start - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i:]
		}
	}
	return msgs[start:]
}

// Repair drops tool exchanges that cannot be replayed to a model: an
// assistant tool request not followed by a result for every call, and
// tool results that answer no preceding request. Everything else is
// returned in order. msgs is not modified.
func Repair(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role == RoleTool {
			continue // orphaned result
		}
		if m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
			out = append(out, m)
			continue
		}

		end := i + 1
		for end < len(msgs) && msgs[end].Role == RoleTool {
			end++
		}
		want := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			want[tc.ID] = false
		}
		var results []Message
		for _, r := range msgs[i+1 : end] {
			if answered, ok := want[r.ToolCallID]; ok && !answered {
				want[r.ToolCallID] = true
				results = append(results, r)
			}
		}
		if len(results) == len(want) {
			out = append(out, m)
			out = append(out, results...)
		}
		i = end - 1
	}
	return out
}

// MemoryStore is an in-process Store. History is lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Message)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, sessionKey string, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamped := stamp(msgs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey] = append(s.sessions[sessionKey], stamped...)
	return nil
}

// Messages implements Store. The returned slice is a copy.
func (s *MemoryStore) Messages(ctx context.Context, sessionKey string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.sessions[sessionKey]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, msgs := range s.sessions {
		total += len(msgs)
	}
	return map[string]any{
		"backend":  "memory",
		"sessions": len(s.sessions),
		"messages": total,
	}
}
