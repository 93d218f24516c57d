package llm

import (
	"context"
	"fmt"
)

// Provider is the interface that every backend adapter implements.
type Provider interface {
	// ID is the registry key for this backend (e.g. "anthropic").
	ID() string

	// DefaultModel is used when the caller does not pick a model.
	DefaultModel() string

	// Complete sends the conversation and tool declarations to the
	// backend and returns either a final reply or a batch of tool
	// calls. Failures are returned as *TransportError.
	Complete(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*Response, error)
}

// TransportError reports a failed backend call. It is turn-fatal and
// never retried inside the core.
type TransportError struct {
	Provider string
	Model    string
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(provider, model string, err error) error {
	return &TransportError{Provider: provider, Model: model, Err: err}
}

// callIDs synthesizes tool call IDs for backends that do not assign
// them. The counter is scoped to a single response, so the same response
// always yields the same IDs.
type callIDs struct {
	provider string
	next     int
}

func (c *callIDs) id(existing string) string {
	if existing != "" {
		return existing
	}
	id := fmt.Sprintf("call_%s_%d", c.provider, c.next)
	c.next++
	return id
}
