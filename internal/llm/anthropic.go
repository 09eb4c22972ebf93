package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/starkbot/internal/httpkit"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// AnthropicClient talks to the Anthropic Messages API through the
// official SDK.
type AnthropicClient struct {
	client      anthropic.Client
	maxTokens   int64
	temperature float64
	logger      *slog.Logger
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*anthropicSettings)

type anthropicSettings struct {
	baseURL     string
	maxTokens   int64
	temperature float64
}

// WithAnthropicBaseURL points the client at a different endpoint.
func WithAnthropicBaseURL(u string) AnthropicOption {
	return func(s *anthropicSettings) { s.baseURL = u }
}

// WithAnthropicMaxTokens sets the per-reply output token limit.
func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(s *anthropicSettings) { s.maxTokens = int64(n) }
}

// WithAnthropicTemperature sets the sampling temperature.
func WithAnthropicTemperature(t float64) AnthropicOption {
	return func(s *anthropicSettings) { s.temperature = t }
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...AnthropicOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	s := anthropicSettings{maxTokens: 4096}
	for _, o := range opts {
		o(&s)
	}

	// Replies can take a long time before the first header arrives; the
	// caller's context bounds the request instead of a client timeout.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0))),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}

	return &AnthropicClient{
		client:      anthropic.NewClient(reqOpts...),
		maxTokens:   s.maxTokens,
		temperature: s.temperature,
		logger:      logger.With("provider", "anthropic"),
	}
}

// Chat sends a Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	msgs, system := convertToAnthropic(messages)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   c.maxTokens,
		Messages:    msgs,
		Temperature: anthropic.Float(c.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if apiTools := convertToolsToAnthropic(tools); len(apiTools) > 0 {
		params.Tools = apiTools
	}

	if c.logger.Enabled(ctx, LevelTrace) {
		if raw, err := json.Marshal(params); err == nil {
			c.logger.Log(ctx, LevelTrace, "anthropic request", "body", string(raw))
		}
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	out := convertFromAnthropic(resp, c.logger)
	out.Duration = time.Since(start)

	c.logger.Debug("anthropic response",
		"model", out.Model,
		"stop_reason", out.StopReason,
		"tool_calls", len(out.Message.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"duration", out.Duration,
	)
	return out, nil
}

// Ping lists models to confirm the key and endpoint work.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// convertToAnthropic converts internal messages to SDK message params.
// System messages are pulled out into the system prompt. Consecutive tool
// results are merged into a single user turn, which the API requires when
// an assistant turn requested several tools at once.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var systemParts []string
	var result []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			result = append(result, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, msg := range messages {
		if msg.Role != RoleTool {
			flush()
		}

		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Name, i)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, args, tc.Name))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}

		case RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))

		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flush()

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic converts OpenAI-format tool definitions, as
// produced by the tool registry, to SDK tool params.
func convertToolsToAnthropic(tools []map[string]any) []anthropic.ToolUnionParam {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)

		schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		if params, ok := fn["parameters"].(map[string]any); ok {
			if props, ok := params["properties"]; ok {
				schema.Properties = props
			}
			schema.Required = stringList(params["required"])
		}

		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        name,
				Description: anthropic.String(desc),
				InputSchema: schema,
			},
		})
	}
	return result
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, s := range list {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// convertFromAnthropic converts an SDK response to the internal format.
// Tool input that is not a JSON object is logged and replaced with no
// arguments, so schema validation reports what is missing.
func convertFromAnthropic(resp *anthropic.Message, logger *slog.Logger) *ChatResponse {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					logger.Warn("discarding malformed tool input",
						"tool", block.Name, "id", block.ID, "error", err)
					args = map[string]any{}
				}
			}
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	return &ChatResponse{
		Model: string(resp.Model),
		Message: Message{
			Role:      RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		StopReason:   string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
}
