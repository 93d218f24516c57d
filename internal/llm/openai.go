package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

const openaiDefaultModel = "gpt-4o-mini"

// OpenAIConfig configures the OpenAI adapter. BaseURL points the adapter
// at any OpenAI-compatible endpoint; ProviderID lets several such
// endpoints be registered side by side.
type OpenAIConfig struct {
	ProviderID string
	APIKey     string
	Model      string
	BaseURL    string
}

type openaiCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClient adapts the OpenAI Chat Completions API.
type OpenAIClient struct {
	id          string
	completions openaiCompletions
	model       string
	logger      *slog.Logger
}

// NewOpenAIClient creates a new OpenAI adapter.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = openaiDefaultModel
	}

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, option.WithMaxRetries(0))
	client := openai.NewClient(opts...)

	return &OpenAIClient{
		id:          cfg.ProviderID,
		completions: &client.Chat.Completions,
		model:       cfg.Model,
		logger:      logger.With("provider", cfg.ProviderID),
	}
}

// ID implements Provider.
func (c *OpenAIClient) ID() string { return c.id }

// DefaultModel implements Provider.
func (c *OpenAIClient) DefaultModel() string { return c.model }

// Complete implements Provider.
func (c *OpenAIClient) Complete(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*Response, error) {
	if model == "" {
		model = c.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: convertToOpenAI(messages),
	}
	if t := convertToolsToOpenAI(tools); len(t) > 0 {
		params.Tools = t
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)
	if c.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(params); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))
		}
	}

	completion, err := c.completions.New(ctx, params)
	if err != nil {
		c.logger.Error("API error", "model", model, "error", err)
		return nil, transportError(c.id, model, err)
	}
	if len(completion.Choices) == 0 {
		return nil, transportError(c.id, model, errors.New("response contained no choices"))
	}

	resp := convertFromOpenAI(completion, model, c.id)

	c.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Content)

	return resp, nil
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))

		case RoleUser:
			result = append(result, openai.UserMessage(msg.Content))

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: param.NewOpt(msg.Content),
				}
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case RoleTool:
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return result
}

func convertToolsToOpenAI(tools []ToolSpec) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		fn := openai.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: openai.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		result = append(result, openai.ChatCompletionToolParam{Function: fn})
	}
	return result
}

func convertFromOpenAI(completion *openai.ChatCompletion, requested, providerID string) *Response {
	choice := completion.Choices[0]
	ids := callIDs{provider: providerID}

	var calls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{
			ID:        ids.id(tc.ID),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	model := completion.Model
	if model == "" {
		model = requested
	}
	return newResponse(model, choice.Message.Content, calls,
		int(completion.Usage.PromptTokens), int(completion.Usage.CompletionTokens))
}

var _ Provider = (*OpenAIClient)(nil)
