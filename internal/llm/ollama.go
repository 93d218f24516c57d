package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/parley/internal/httpkit"
)

const (
	ollamaDefaultURL   = "http://localhost:11434"
	ollamaDefaultModel = "qwen2.5:7b"
)

// OllamaConfig configures the Ollama adapter.
type OllamaConfig struct {
	URL   string
	Model string
}

// OllamaClient adapts the Ollama /api/chat endpoint. Ollama never assigns
// tool call IDs and returns arguments as an object, so both are
// normalized here.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama adapter.
func NewOllamaClient(cfg OllamaConfig, logger *slog.Logger) *OllamaClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = ollamaDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		model:   cfg.Model,
		// Large local models with tools need time.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     logger.With("provider", "ollama"),
	}
}

// ollamaMessage is the /api/chat message shape.
type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// ID implements Provider.
func (c *OllamaClient) ID() string { return "ollama" }

// DefaultModel implements Provider.
func (c *OllamaClient) DefaultModel() string { return c.model }

// Complete implements Provider.
func (c *OllamaClient) Complete(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*Response, error) {
	if model == "" {
		model = c.model
	}

	req := ollamaChatRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Tools:    convertToolsToOllama(tools),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"bytes", len(body),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("request failed", "model", model, "error", err)
		return nil, transportError(c.ID(), model, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "model", model, "status", resp.StatusCode, "body", msg)
		return nil, transportError(c.ID(), model, fmt.Errorf("API error %d: %s", resp.StatusCode, msg))
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, transportError(c.ID(), model, fmt.Errorf("decode response: %w", err))
	}

	calls := chatResp.Message.ToolCalls
	content := chatResp.Message.Content
	if len(calls) == 0 && content != "" {
		// Many local models emit tool calls as JSON text instead of
		// using the native field.
		if parsed := parseTextToolCalls(content, tools); len(parsed) > 0 {
			calls = parsed
			content = ""
		}
	}

	result, err := convertFromOllama(chatResp.Model, model, content, calls,
		chatResp.PromptEvalCount, chatResp.EvalCount)
	if err != nil {
		return nil, transportError(c.ID(), model, err)
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Content)

	return result, nil
}

func convertToOllama(messages []Message) []ollamaMessage {
	result := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		om := ollamaMessage{Role: msg.Role, Content: msg.Content}
		switch msg.Role {
		case RoleAssistant:
			for _, tc := range msg.ToolCalls {
				var call ollamaToolCall
				call.Function.Name = tc.Name
				call.Function.Arguments = parseArguments(tc.Arguments)
				om.ToolCalls = append(om.ToolCalls, call)
			}
		case RoleTool:
			om.ToolName = msg.Name
		}
		result = append(result, om)
	}
	return result
}

func convertToolsToOllama(tools []ToolSpec) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	result := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

func convertFromOllama(respModel, requested, content string, calls []ollamaToolCall, in, out int) (*Response, error) {
	ids := callIDs{provider: "ollama"}
	var toolCalls []ToolCall
	for _, tc := range calls {
		args := "{}"
		if len(tc.Function.Arguments) > 0 {
			raw, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				return nil, fmt.Errorf("marshal arguments for %s: %w", tc.Function.Name, err)
			}
			args = string(raw)
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        ids.id(""),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	model := respModel
	if model == "" {
		model = requested
	}
	return newResponse(model, content, toolCalls, in, out), nil
}

// parseTextToolCalls extracts tool calls that a model wrote into its text
// content. It accepts a single {"name","arguments"} object, an array of
// them, or either wrapped in <tool_call> tags. Only names of declared
// tools are accepted so ordinary JSON answers are not mistaken for calls.
func parseTextToolCalls(content string, tools []ToolSpec) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" || len(tools) == 0 {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var parsed []textCall
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		parsed = []textCall{single}
	}

	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		known[t.Name] = true
	}

	var calls []ollamaToolCall
	for _, p := range parsed {
		if !known[p.Name] {
			return nil
		}
		var call ollamaToolCall
		call.Function.Name = p.Name
		call.Function.Arguments = p.Arguments
		calls = append(calls, call)
	}
	return calls
}

var _ Provider = (*OllamaClient)(nil)
