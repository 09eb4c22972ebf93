package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. The agent reports it to the model as
// a tool result and keeps going.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrInvalidArguments is returned when a tool call's arguments do not
// match the tool's declared parameters.
type ErrInvalidArguments struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, e.Reason)
}
