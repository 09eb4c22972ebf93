package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echo " + name,
		Parameters: Object(map[string]any{
			"text":  String("text to echo"),
			"times": map[string]any{"type": "integer"},
		}, "text"),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("zeta"))
	r.Register(echoTool("alpha"))
	r.Register(&Tool{Name: "bare", Handler: func(context.Context, map[string]any) (string, error) { return "", nil }})

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d tools, want 3", len(list))
	}
	var names []string
	for _, entry := range list {
		if entry["type"] != "function" {
			t.Errorf("type = %v, want function", entry["type"])
		}
		fn := entry["function"].(map[string]any)
		names = append(names, fn["name"].(string))
	}
	if strings.Join(names, ",") != "alpha,bare,zeta" {
		t.Errorf("names = %v", names)
	}

	bare := r.Get("bare")
	if bare.Parameters["type"] != "object" {
		t.Errorf("default parameters = %v", bare.Parameters)
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil)

	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "nope" {
		t.Errorf("ToolName = %q", unavailable.ToolName)
	}
	if err.Error() != `tool "nope" is not available` {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestRegistry_ExecuteValidation(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{name: "ok", args: map[string]any{"text": "hi"}},
		{name: "ok with integer", args: map[string]any{"text": "hi", "times": float64(3)}},
		{name: "extra args accepted", args: map[string]any{"text": "hi", "other": 1}},
		{name: "int accepted as integer", args: map[string]any{"text": "hi", "times": 2}},
		{name: "missing required", args: map[string]any{}, wantErr: "text"},
		{name: "null required", args: map[string]any{"text": nil}, wantErr: "/text"},
		{name: "wrong type", args: map[string]any{"text": 12.0}, wantErr: "/text"},
		{name: "fractional integer", args: map[string]any{"text": "hi", "times": 1.5}, wantErr: "/times"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Execute(context.Background(), "echo", tt.args)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != "hi" {
					t.Errorf("result = %q", got)
				}
				return
			}
			var invalid *ErrInvalidArguments
			if !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want *ErrInvalidArguments", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_RegisterRejectsInvalidSchema(t *testing.T) {
	defer func() {
		if p := recover(); p == nil {
			t.Fatal("Register accepted a schema with an unknown type")
		}
	}()
	r := NewRegistry()
	r.Register(&Tool{
		Name:       "broken",
		Parameters: map[string]any{"type": "objekt"},
		Handler:    func(context.Context, map[string]any) (string, error) { return "", nil },
	})
}

func TestRegistry_ExecuteValidatesNestedSchema(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name: "tag",
		Parameters: Object(map[string]any{
			"tags": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": 1,
			},
		}, "tags"),
		Handler: func(context.Context, map[string]any) (string, error) { return "ok", nil },
	})

	if got, err := r.Execute(context.Background(), "tag", map[string]any{"tags": []string{"a", "b"}}); err != nil || got != "ok" {
		t.Fatalf("typed slice: got %q, %v", got, err)
	}
	_, err := r.Execute(context.Background(), "tag", map[string]any{"tags": []any{"a", 3.0}})
	var invalid *ErrInvalidArguments
	if !errors.As(err, &invalid) || !strings.Contains(invalid.Reason, "/tags/1") {
		t.Fatalf("err = %v, want *ErrInvalidArguments at /tags/1", err)
	}
	if _, err := r.Execute(context.Background(), "tag", map[string]any{"tags": []any{}}); !errors.As(err, &invalid) {
		t.Fatalf("empty array: err = %v, want *ErrInvalidArguments", err)
	}
}

func TestRegistry_ExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name: "boom",
		Handler: func(context.Context, map[string]any) (string, error) {
			panic("kaboom")
		},
	})

	got, err := r.Execute(context.Background(), "boom", nil)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err = %v, want panic message", err)
	}
	if got != "" {
		t.Errorf("result = %q, want empty", got)
	}
}

func TestSessionKeyContext(t *testing.T) {
	if got := SessionKeyFromContext(context.Background()); got != "" {
		t.Errorf("empty context key = %q", got)
	}
	ctx := WithSessionKey(context.Background(), "telegram-42")
	if got := SessionKeyFromContext(ctx); got != "telegram-42" {
		t.Errorf("key = %q", got)
	}
}
