package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/starkbot/internal/httpkit"
)

// OpenAIClient talks to any OpenAI-compatible /chat/completions endpoint:
// OpenAI itself, Ollama's /v1 API, or a gateway in front of either.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOpenAIClient creates a client for baseURL (for example
// https://api.openai.com/v1). An empty apiKey sends no Authorization
// header, which local servers accept.
func NewOpenAIClient(baseURL, apiKey string, temperature float64, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		temperature: temperature,
		httpClient:  httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger)),
		logger:      logger.With("provider", "openai"),
	}
}

type openaiRequest struct {
	Model       string           `json:"model"`
	Messages    []openaiMessage  `json:"messages"`
	Tools       []map[string]any `json:"tools,omitempty"`
	Temperature float64          `json:"temperature"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON-encoded object
	} `json:"function"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) header() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openaiRequest{
		Model:       model,
		Messages:    convertToOpenAI(messages),
		Tools:       tools,
		Temperature: c.temperature,
	}

	if c.logger.Enabled(ctx, LevelTrace) {
		if raw, err := json.Marshal(req); err == nil {
			c.logger.Log(ctx, LevelTrace, "openai request", "body", string(raw))
		}
	}

	start := time.Now()
	var resp openaiResponse
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/chat/completions", c.header(), req, &resp); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}

	out, err := convertFromOpenAI(&resp)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	out.Duration = time.Since(start)

	c.logger.Debug("openai response",
		"model", out.Model,
		"stop_reason", out.StopReason,
		"tool_calls", len(out.Message.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"duration", out.Duration,
	)
	return out, nil
}

// Ping lists models to confirm the endpoint answers.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/models", c.header(), nil, nil); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

func convertToOpenAI(messages []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		om := openaiMessage{Role: m.Role, Content: &content, ToolCallID: m.ToolCallID}
		if len(m.ToolCalls) > 0 {
			if content == "" {
				om.Content = nil
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				call := openaiToolCall{ID: tc.ID, Type: "function"}
				call.Function.Name = tc.Name
				call.Function.Arguments = string(args)
				om.ToolCalls = append(om.ToolCalls, call)
			}
		}
		out = append(out, om)
	}
	return out
}

func convertFromOpenAI(resp *openaiResponse) (*ChatResponse, error) {
	choice := resp.Choices[0]
	msg := Message{Role: RoleAssistant}
	if choice.Message.Content != nil {
		msg.Content = *choice.Message.Content
	}

	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("tool call %s: arguments are not a JSON object: %w", tc.Function.Name, err)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	return &ChatResponse{
		Model:        resp.Model,
		Message:      msg,
		StopReason:   choice.FinishReason,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
