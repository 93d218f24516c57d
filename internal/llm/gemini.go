package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.0-flash"

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey string
	Model  string
}

type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient adapts the Gemini generateContent API. Gemini accepts only
// an OpenAPI subset of JSON Schema, so tool parameters are sanitized, and
// it frequently omits function call IDs, so those are synthesized.
type GeminiClient struct {
	models geminiModels
	model  string
	logger *slog.Logger
}

// NewGeminiClient creates a new Gemini adapter.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = geminiDefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiClient{
		models: client.Models,
		model:  cfg.Model,
		logger: logger.With("provider", "gemini"),
	}, nil
}

// ID implements Provider.
func (c *GeminiClient) ID() string { return "gemini" }

// DefaultModel implements Provider.
func (c *GeminiClient) DefaultModel() string { return c.model }

// Complete implements Provider.
func (c *GeminiClient) Complete(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*Response, error) {
	if model == "" {
		model = c.model
	}

	contents, systemPrompt := convertToGemini(messages)
	config := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	decls, err := convertToolsToGemini(tools)
	if err != nil {
		return nil, transportError(c.ID(), model, err)
	}
	if len(decls) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	c.logger.Debug("preparing request",
		"model", model,
		"contents", len(contents),
		"tools", len(decls),
		"system_len", len(systemPrompt),
	)
	if c.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(contents); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))
		}
	}

	resp, err := c.models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		c.logger.Error("API error", "model", model, "error", err)
		return nil, transportError(c.ID(), model, err)
	}

	result, err := convertFromGemini(resp, model)
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

// convertToGemini converts canonical messages to Gemini contents.
// Consecutive tool results become one user content holding one
// FunctionResponse part per result.
func convertToGemini(messages []Message) ([]*genai.Content, string) {
	var systemParts []string
	var contents []*genai.Content
	var pending *genai.Content

	flush := func() {
		if pending != nil {
			contents = append(contents, pending)
			pending = nil
		}
	}

	for _, msg := range messages {
		if msg.Role != RoleTool {
			flush()
		}

		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})

		case RoleAssistant:
			content := &genai.Content{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: parseArguments(tc.Arguments),
					},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}

		case RoleTool:
			if pending == nil {
				pending = &genai.Content{Role: "user"}
			}
			pending.Parts = append(pending.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.Name,
					Response: toolResponse(msg.Content),
				},
			})
		}
	}
	flush()

	return contents, strings.Join(systemParts, "\n\n")
}

// toolResponse wraps a tool result for FunctionResponse, which requires a
// JSON object. Results that already are objects pass through.
func toolResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	if strings.HasPrefix(content, "Error") {
		return map[string]any{"error": content}
	}
	return map[string]any{"output": content}
}

func convertToolsToGemini(tools []ToolSpec) ([]*genai.FunctionDeclaration, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decl := &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
		}
		if props, _ := t.Parameters["properties"].(map[string]any); len(props) > 0 {
			schema, err := geminiSchema(t.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
			decl.Parameters = schema
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

// geminiSchema sanitizes a JSON Schema and decodes it into the Gemini
// Schema type.
func geminiSchema(params map[string]any) (*genai.Schema, error) {
	clean := SanitizeSchema(params)
	upperCaseTypes(clean)

	raw, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var schema genai.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return &schema, nil
}

func convertFromGemini(resp *genai.GenerateContentResponse, requested string) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("response contained no candidates")
	}

	var content strings.Builder
	var calls []ToolCall
	ids := callIDs{provider: "gemini"}

	if cand := resp.Candidates[0]; cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				content.WriteString(part.Text)
			}
			if fc := part.FunctionCall; fc != nil {
				args := "{}"
				if len(fc.Args) > 0 {
					raw, err := json.Marshal(fc.Args)
					if err != nil {
						return nil, fmt.Errorf("marshal arguments for %s: %w", fc.Name, err)
					}
					args = string(raw)
				}
				calls = append(calls, ToolCall{
					ID:        ids.id(fc.ID),
					Name:      fc.Name,
					Arguments: args,
				})
			}
		}
	}

	var in, out int
	if u := resp.UsageMetadata; u != nil {
		in, out = int(u.PromptTokenCount), int(u.CandidatesTokenCount)
	}
	return newResponse(requested, content.String(), calls, in, out), nil
}

var _ Provider = (*GeminiClient)(nil)
