// Package agent implements the core agent loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/starkbot/internal/llm"
	"github.com/nugget/starkbot/internal/memory"
	"github.com/nugget/starkbot/internal/tools"
	"github.com/nugget/starkbot/internal/usage"
)

// ErrMaxIterations is returned when a turn keeps requesting tools past
// the configured iteration cap.
var ErrMaxIterations = errors.New("max iterations exceeded")

// DefaultMaxIterations bounds model invocations per turn.
const DefaultMaxIterations = 10

// Executor runs tools on behalf of the loop. *tools.Registry satisfies it.
type Executor interface {
	List() []map[string]any
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// UsageRecorder persists per-turn token usage. *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config tunes a Loop.
type Config struct {
	Model         string
	Persona       string        // system directive; DefaultPersona when empty
	MaxIterations int           // model invocations per turn
	TurnTimeout   time.Duration // zero disables the per-turn deadline
	HistoryLimit  int           // messages sent to the model; zero sends all
	Usage         UsageRecorder // optional
}

// Request represents an incoming agent request.
type Request struct {
	SessionKey string `json:"session_key"`
	Message    string `json:"message"`
	Source     string `json:"source,omitempty"` // telegram, api, scheduler, cli
}

// Response represents the agent's response.
type Response struct {
	RequestID    string        `json:"request_id"`
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	Iterations   int           `json:"iterations"`
	ToolCalls    int           `json:"tool_calls"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
}

// Loop is the core agent execution loop. Turns for the same session are
// serialized; turns for different sessions run in parallel.
type Loop struct {
	logger *slog.Logger
	memory memory.Store
	llm    llm.Client
	tools  Executor
	cfg    Config

	lanesMu sync.Mutex
	lanes   map[string]chan struct{}
}

// NewLoop creates a new agent loop.
func NewLoop(logger *slog.Logger, mem memory.Store, client llm.Client, exec Executor, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Persona == "" {
		cfg.Persona = DefaultPersona
	}
	return &Loop{
		logger: logger.With("component", "agent"),
		memory: mem,
		llm:    client,
		tools:  exec,
		cfg:    cfg,
		lanes:  make(map[string]chan struct{}),
	}
}

// MemoryStats returns current memory statistics.
func (l *Loop) MemoryStats() map[string]any {
	return l.memory.Stats()
}

// lane returns the session's one-slot semaphore, creating it on first use.
func (l *Loop) lane(sessionKey string) chan struct{} {
	l.lanesMu.Lock()
	defer l.lanesMu.Unlock()
	lane, ok := l.lanes[sessionKey]
	if !ok {
		lane = make(chan struct{}, 1)
		l.lanes[sessionKey] = lane
	}
	return lane
}

func (l *Loop) acquire(ctx context.Context, sessionKey string) (release func(), err error) {
	lane := l.lane(sessionKey)
	select {
	case lane <- struct{}{}:
		return func() { <-lane }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for session %s: %w", sessionKey, ctx.Err())
	}
}

// Run executes one turn: the message is appended to the session
// history, then the model and the requested tools alternate until the
// model produces a reply without tool calls.
//
// Tool failures never end the turn; they are handed back to the model
// as text. Model and storage failures end it with an error, leaving the
// history as it was after the last successful append.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	if req.SessionKey == "" {
		return nil, errors.New("session key is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is empty")
	}

	release, err := l.acquire(ctx, req.SessionKey)
	if err != nil {
		return nil, err
	}
	defer release()

	if l.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.TurnTimeout)
		defer cancel()
	}

	start := time.Now()
	resp := &Response{RequestID: newID(), Model: l.cfg.Model}
	log := l.logger.With("session", req.SessionKey, "request_id", resp.RequestID)
	log.Info("agent turn started", "source", req.Source, "message_len", len(req.Message))

	if err := l.memory.Append(ctx, req.SessionKey, memory.Message{Role: memory.RoleUser, Content: req.Message}); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}

	history, err := l.memory.Messages(ctx, req.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history = memory.Repair(memory.Window(history, l.cfg.HistoryLimit))
	log.Debug("loaded history", "count", len(history))

	// Writes after this point outlive the turn deadline so a stored tool
	// request is never left without its results.
	storeCtx := context.WithoutCancel(ctx)

	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: l.cfg.Persona})
	for _, m := range history {
		msgs = append(msgs, toLLM(m))
	}

	toolDefs := l.tools.List()
	nudged := false

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		resp.Iterations = iter + 1
		if err := ctx.Err(); err != nil {
			log.Warn("turn ended before model call", "iter", iter, "error", err)
			return nil, fmt.Errorf("model call: %w", err)
		}

		log.Debug("calling model", "iter", iter, "model", l.cfg.Model, "messages", len(msgs))
		out, err := l.llm.Chat(ctx, l.cfg.Model, msgs, toolDefs)
		if err != nil {
			log.Error("model call failed", "iter", iter, "error", err)
			return nil, fmt.Errorf("model call: %w", err)
		}
		resp.InputTokens += out.InputTokens
		resp.OutputTokens += out.OutputTokens
		if out.Model != "" {
			resp.Model = out.Model
		}

		reply := out.Message
		if len(reply.ToolCalls) == 0 {
			if strings.TrimSpace(reply.Content) == "" && !nudged {
				// The nudge is sent to the model only; it is not history.
				nudged = true
				log.Warn("empty model response, nudging", "iter", iter)
				msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: emptyResponseNudge})
				continue
			}
			if err := l.memory.Append(storeCtx, req.SessionKey, memory.Message{Role: memory.RoleAssistant, Content: reply.Content}); err != nil {
				return nil, fmt.Errorf("store reply: %w", err)
			}
			resp.Content = reply.Content
			resp.Duration = time.Since(start)
			log.Info("agent turn completed",
				"iterations", resp.Iterations,
				"tool_calls", resp.ToolCalls,
				"input_tokens", resp.InputTokens,
				"output_tokens", resp.OutputTokens,
				"duration", resp.Duration.Round(time.Millisecond),
			)
			l.recordUsage(ctx, log, req, resp, usage.OutcomeOK)
			return resp, nil
		}

		for i := range reply.ToolCalls {
			if reply.ToolCalls[i].ID == "" {
				reply.ToolCalls[i].ID = "call_" + newID()
			}
		}
		reply.Role = llm.RoleAssistant

		results := l.executeTools(tools.WithSessionKey(ctx, req.SessionKey), log.With("iter", iter), reply.ToolCalls)
		resp.ToolCalls += len(results)

		// The request and its results are stored in one append.
		stored := make([]memory.Message, 0, len(results)+1)
		stored = append(stored, fromLLM(reply))
		for _, r := range results {
			stored = append(stored, fromLLM(r))
		}
		if err := l.memory.Append(storeCtx, req.SessionKey, stored...); err != nil {
			return nil, fmt.Errorf("store tool exchange: %w", err)
		}
		msgs = append(msgs, reply)
		msgs = append(msgs, results...)
	}

	log.Warn("max iterations reached", "max", l.cfg.MaxIterations, "tool_calls", resp.ToolCalls)
	resp.Duration = time.Since(start)
	l.recordUsage(ctx, log, req, resp, usage.OutcomeMaxIterations)
	return nil, fmt.Errorf("%w after %d iterations", ErrMaxIterations, l.cfg.MaxIterations)
}

// recordUsage stores the turn's token counts. Failures are logged and
// never fail the turn.
func (l *Loop) recordUsage(ctx context.Context, log *slog.Logger, req *Request, resp *Response, outcome string) {
	if l.cfg.Usage == nil {
		return
	}
	err := l.cfg.Usage.Record(context.WithoutCancel(ctx), usage.Record{
		RequestID:    resp.RequestID,
		SessionKey:   req.SessionKey,
		Source:       req.Source,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Iterations:   resp.Iterations,
		ToolCalls:    resp.ToolCalls,
		Outcome:      outcome,
		Duration:     resp.Duration,
	})
	if err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}

// executeTools runs every call concurrently. The returned tool messages
// are in the order the calls were requested, and every call gets
// exactly one.
func (l *Loop) executeTools(ctx context.Context, log *slog.Logger, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started := time.Now()
			content, err := l.tools.Execute(ctx, call.Name, call.Arguments)
			if err != nil {
				log.Warn("tool failed", "tool", call.Name, "error", err,
					"duration", time.Since(started).Round(time.Millisecond))
				content = "Error: " + err.Error()
			} else {
				log.Debug("tool executed", "tool", call.Name, "result_len", len(content),
					"duration", time.Since(started).Round(time.Millisecond))
			}
			results[i] = llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID}
		}()
	}
	wg.Wait()
	return results
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func toLLM(m memory.Message) llm.Message {
	out := llm.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}

func fromLLM(m llm.Message) memory.Message {
	out := memory.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, memory.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}
