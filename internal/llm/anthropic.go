package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicDefaultModel     = "claude-sonnet-4-20250514"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	BaseURL   string
}

// anthropicMessages is the subset of the SDK client the adapter uses.
type anthropicMessages interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicClient adapts the Anthropic Messages API.
type AnthropicClient struct {
	messages  anthropicMessages
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a new Anthropic adapter.
func NewAnthropicClient(cfg AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = anthropicDefaultMaxTokens
	}

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// The SDK retries by default; retry policy lives outside the core.
	opts = append(opts, option.WithMaxRetries(0))
	client := anthropic.NewClient(opts...)

	return &AnthropicClient{
		messages:  &client.Messages,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    logger.With("provider", "anthropic"),
	}
}

// ID implements Provider.
func (c *AnthropicClient) ID() string { return "anthropic" }

// DefaultModel implements Provider.
func (c *AnthropicClient) DefaultModel() string { return c.model }

// Complete implements Provider.
func (c *AnthropicClient) Complete(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*Response, error) {
	if model == "" {
		model = c.model
	}

	anthropicMsgs, systemPrompt := convertToAnthropic(messages)
	anthropicTools := convertToolsToAnthropic(tools)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(anthropicMsgs),
		"tools", len(anthropicTools),
		"system_len", len(systemPrompt),
	)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  anthropicMsgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(anthropicTools) > 0 {
		params.Tools = anthropicTools
	}

	if c.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(params); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))
		}
	}

	msg, err := c.messages.New(ctx, params)
	if err != nil {
		c.logger.Error("API error", "model", model, "error", err)
		return nil, transportError(c.ID(), model, err)
	}

	resp := convertFromAnthropic(msg, model)

	c.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Content)

	return resp, nil
}

// convertToAnthropic converts canonical messages to Anthropic format.
// System messages are lifted into a separate system prompt, and
// consecutive tool results are merged into one user message because
// Anthropic requires every tool_result for a tool_use turn to arrive
// together.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var systemParts []string
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		result = append(result, anthropic.NewUserMessage(pendingResults...))
		pendingResults = nil
	}

	for _, msg := range messages {
		if msg.Role != RoleTool {
			flushResults()
		}

		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, parseArguments(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, strings.HasPrefix(msg.Content, "Error")))

		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic converts tool specs to Anthropic tool
// declarations.
func convertToolsToAnthropic(tools []ToolSpec) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}

	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		} else {
			schema.Properties = map[string]any{}
		}
		if req := filterRequired(t.Parameters["required"], asMap(schema.Properties)); len(req) > 0 {
			schema.Required = req
		}

		tool := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to canonical form.
func convertFromAnthropic(msg *anthropic.Message, requested string) *Response {
	var content strings.Builder
	var toolCalls []ToolCall
	ids := callIDs{provider: "anthropic"}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := "{}"
			if raw, err := json.Marshal(block.Input); err == nil && len(raw) > 0 && string(raw) != "null" {
				args = string(raw)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        ids.id(block.ID),
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	model := string(msg.Model)
	if model == "" {
		model = requested
	}
	return newResponse(model, content.String(), toolCalls,
		int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens))
}

// parseArguments decodes raw tool arguments for backends that want a
// structured object. Unparseable text is preserved under "_raw" so the
// history can still be replayed.
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

var _ Provider = (*AnthropicClient)(nil)

// String implements fmt.Stringer for log output.
func (c *AnthropicClient) String() string {
	return fmt.Sprintf("anthropic(%s)", c.model)
}
