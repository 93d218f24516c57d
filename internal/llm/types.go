// Package llm defines the canonical message protocol and the provider
// adapters that translate it to each backend's wire format.
package llm

import (
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Canonical message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one element of a canonical conversation. An empty Content
// is treated as null.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool only
	Name       string     `json:"name,omitempty"`         // tool only: the tool this result answers
}

// ToolCall is a model's request to invoke a named tool. Arguments is the
// raw serialized JSON object exactly as the backend produced it; the loop
// never interprets it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec declares a tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Response is the unified result of one completion call. If ToolCalls is
// non-empty the response is a tool request, even when Content also
// carries text; otherwise Content is the final reply.
type Response struct {
	Content   string
	ToolCalls []ToolCall

	// Message is the assistant message to append to the conversation.
	Message Message

	Model        string
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the model asked for tool invocations.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// UserMessage builds a canonical user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds a canonical assistant text message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// SystemMessage builds a canonical system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// ToolResultMessage builds the tool message answering call.
func ToolResultMessage(call ToolCall, result string) Message {
	return Message{
		Role:       RoleTool,
		Content:    result,
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}

// newResponse assembles a Response from translated content and tool calls.
func newResponse(model, content string, calls []ToolCall, in, out int) *Response {
	msg := Message{Role: RoleAssistant, Content: content}
	if len(calls) > 0 {
		msg.ToolCalls = calls
	}
	return &Response{
		Content:      content,
		ToolCalls:    calls,
		Message:      msg,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
	}
}
