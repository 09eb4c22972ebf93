package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestConvertToAnthropic_SystemExtracted(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are a wallet assistant."},
		{Role: RoleUser, Content: "Hello!"},
		{Role: RoleAssistant, Content: "Hi there!"},
		{Role: RoleUser, Content: "What is my balance?"},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are a wallet assistant." {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != "user" || result[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", result[0].Role, result[1].Role)
	}
}

func TestConvertToAnthropic_MergesToolResults(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "balance and news"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "toolu_1", Name: "check_balance", Arguments: map[string]any{"token": "ETH"}},
			{ID: "toolu_2", Name: "get_news"},
		}},
		{Role: RoleTool, ToolCallID: "toolu_1", Content: "1 ETH"},
		{Role: RoleTool, ToolCallID: "toolu_2", Content: "[]"},
	}

	result, _ := convertToAnthropic(messages)

	// user, assistant(tool_use x2), user(tool_result x2)
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}
	if len(result[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want 2", len(result[1].Content))
	}
	if len(result[2].Content) != 2 {
		t.Fatalf("tool result blocks = %d, want 2", len(result[2].Content))
	}
	first := result[2].Content[0].OfToolResult
	if first == nil || first.ToolUseID != "toolu_1" {
		t.Errorf("first tool result = %+v, want toolu_1", first)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":        "send_eth",
			"description": "Send ETH",
			"parameters": map[string]any{
				"type":       "object",
				"properties": map[string]any{"to": map[string]any{"type": "string"}},
				"required":   []string{"to"},
			},
		},
	}}

	result := convertToolsToAnthropic(tools)
	if len(result) != 1 || result[0].OfTool == nil {
		t.Fatalf("expected one tool, got %+v", result)
	}
	if result[0].OfTool.Name != "send_eth" {
		t.Errorf("name = %q", result[0].OfTool.Name)
	}
	if got := result[0].OfTool.InputSchema.Required; len(got) != 1 || got[0] != "to" {
		t.Errorf("required = %v", got)
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "sk-test" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_9", "name": "check_balance", "input": {"token": "STRK"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("sk-test", nil, WithAnthropicBaseURL(srv.URL))
	resp, err := c.Chat(context.Background(), "claude-test", []Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleUser, Content: "how much STRK?"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotBody["model"] != "claude-test" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if _, ok := gotBody["system"]; !ok {
		t.Error("request missing system prompt")
	}

	if resp.Message.Content != "Checking." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Name != "check_balance" || tc.Arguments["token"] != "STRK" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.StopReason != "tool_use" || resp.InputTokens != 12 || resp.OutputTokens != 7 {
		t.Errorf("metadata = %+v", resp)
	}
}

func TestConvertFromAnthropic_MalformedToolInput(t *testing.T) {
	var msg anthropic.Message
	raw := `{
		"id": "msg_2",
		"type": "message",
		"role": "assistant",
		"model": "claude-test",
		"content": [
			{"type": "tool_use", "id": "toolu_3", "name": "send_eth", "input": "to 0xabc"}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 1, "output_tokens": 1}
	}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	out := convertFromAnthropic(&msg, logger)

	if len(out.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(out.Message.ToolCalls))
	}
	if args := out.Message.ToolCalls[0].Arguments; len(args) != 0 {
		t.Errorf("arguments = %v, want empty", args)
	}
	if !strings.Contains(logs.String(), "level=WARN") || !strings.Contains(logs.String(), "tool=send_eth") {
		t.Errorf("log = %q, want a warning naming the tool", logs.String())
	}
}

func TestAnthropicClientImplementsInterface(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
}
