// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes a tool with validated arguments. The session key is
// available through SessionKeyFromContext.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools. It is normally populated at startup
// and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry, replacing any tool with the
// same name. A tool without parameters gets an empty object schema.
// The parameter schema is compiled once here; Register panics if it is
// not a valid JSON Schema.
func (r *Registry) Register(t *Tool) {
	if t.Parameters == nil {
		t.Parameters = Object(nil)
	}
	sch, err := compileSchema(t.Name, t.Parameters)
	if err != nil {
		panic(fmt.Sprintf("tools: register %s: %v", t.Name, err))
	}
	r.mu.Lock()
	r.tools[t.Name] = t
	r.schemas[t.Name] = sch
	r.mu.Unlock()
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// List returns all tools for the LLM in function-calling format, sorted
// by name so the prompt is stable across calls.
func (r *Registry) List() []map[string]any {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name. Unknown tools yield *ErrToolUnavailable,
// arguments that do not match the schema yield *ErrInvalidArguments,
// and a panicking handler is reported as an error.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string, err error) {
	r.mu.RLock()
	tool, sch := r.tools[name], r.schemas[name]
	r.mu.RUnlock()
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validate(tool, sch, args); err != nil {
		return "", err
	}

	defer func() {
		if p := recover(); p != nil {
			result, err = "", fmt.Errorf("tool %s panicked: %v", name, p)
		}
	}()
	return tool.Handler(ctx, args)
}
