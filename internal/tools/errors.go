package tools

import "fmt"

// ErrToolUnavailable reports a call to a tool that is not registered.
// Dispatch turns it into an "Error: unknown tool" result so the model can
// recover on the next iteration.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
