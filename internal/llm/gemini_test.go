package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeGemini struct {
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
	err      error
}

func (f *fakeGemini) GenerateContent(_ context.Context, _ string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.contents = contents
	f.config = config
	return f.resp, f.err
}

func TestConvertToGemini_MergesToolResults(t *testing.T) {
	msgs := []Message{
		SystemMessage("sys"),
		UserMessage("two lookups"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "call_gemini_0", Name: "a", Arguments: `{"x":1}`},
			{ID: "call_gemini_1", Name: "b", Arguments: `{}`},
		}},
		{Role: RoleTool, ToolCallID: "call_gemini_0", Name: "a", Content: `{"v":1}`},
		{Role: RoleTool, ToolCallID: "call_gemini_1", Name: "b", Content: "plain"},
		AssistantMessage("done"),
	}

	contents, system := convertToGemini(msgs)
	assert.Equal(t, "sys", system)
	require.Len(t, contents, 4)

	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	assert.Equal(t, map[string]any{"x": float64(1)}, contents[1].Parts[0].FunctionCall.Args)

	results := contents[2]
	assert.Equal(t, "user", results.Role)
	require.Len(t, results.Parts, 2)
	assert.Equal(t, "a", results.Parts[0].FunctionResponse.Name)
	assert.Equal(t, "call_gemini_0", results.Parts[0].FunctionResponse.ID)
	assert.Equal(t, map[string]any{"v": float64(1)}, results.Parts[0].FunctionResponse.Response)
	assert.Equal(t, map[string]any{"output": "plain"}, results.Parts[1].FunctionResponse.Response)
}

func TestToolResponse_Errors(t *testing.T) {
	assert.Equal(t, map[string]any{"error": "Error: unknown tool \"x\""}, toolResponse(`Error: unknown tool "x"`))
}

func TestConvertToolsToGemini_SanitizesSchema(t *testing.T) {
	tools := []ToolSpec{
		{
			Name: "remember_fact",
			Parameters: map[string]any{
				"$schema":              "http://json-schema.org/draft-07/schema#",
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"key":  map[string]any{"type": "string", "default": "x"},
					"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []any{"key", "missing"},
			},
		},
		{Name: "list_all"},
	}

	decls, err := convertToolsToGemini(tools)
	require.NoError(t, err)
	require.Len(t, decls, 2)

	schema := decls[0].Parameters
	require.NotNil(t, schema)
	assert.Equal(t, genai.TypeObject, schema.Type)
	assert.Equal(t, []string{"key"}, schema.Required)
	require.Contains(t, schema.Properties, "tags")
	assert.Equal(t, genai.TypeArray, schema.Properties["tags"].Type)
	assert.Equal(t, genai.TypeString, schema.Properties["tags"].Items.Type)

	assert.Nil(t, decls[1].Parameters, "tools without properties declare no parameters")
}

func TestConvertToolsToGemini_NullableAndNumericEnum(t *testing.T) {
	decls, err := convertToolsToGemini([]ToolSpec{{
		Name: "search",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"q": map[string]any{"type": []any{"string", "null"}},
				"n": map[string]any{"type": "integer", "enum": []any{1, 2}},
			},
		},
	}})
	require.NoError(t, err)
	require.Len(t, decls, 1)

	props := decls[0].Parameters.Properties
	require.Contains(t, props, "q")
	assert.Equal(t, genai.TypeString, props["q"].Type)
	require.NotNil(t, props["q"].Nullable)
	assert.True(t, *props["q"].Nullable)
	assert.Equal(t, genai.TypeInteger, props["n"].Type)
	assert.Equal(t, []string{"1", "2"}, props["n"].Enum)
}

func TestGeminiComplete_SynthesizesIDs(t *testing.T) {
	fake := &fakeGemini{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{
				{FunctionCall: &genai.FunctionCall{Name: "a", Args: map[string]any{"q": "x"}}},
				{FunctionCall: &genai.FunctionCall{Name: "b"}},
				{FunctionCall: &genai.FunctionCall{ID: "native", Name: "c"}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 9, CandidatesTokenCount: 2},
	}}
	c := &GeminiClient{models: fake, model: "gemini-test", logger: discardLogger()}

	resp, err := c.Complete(context.Background(), "", []Message{SystemMessage("s"), UserMessage("hi")}, nil)
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 3)
	assert.Equal(t, "call_gemini_0", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"q":"x"}`, resp.ToolCalls[0].Arguments)
	assert.Equal(t, "call_gemini_1", resp.ToolCalls[1].ID)
	assert.Equal(t, "{}", resp.ToolCalls[1].Arguments)
	assert.Equal(t, "native", resp.ToolCalls[2].ID)
	assert.Equal(t, 9, resp.InputTokens)

	require.NotNil(t, fake.config.SystemInstruction)
	assert.Equal(t, "s", fake.config.SystemInstruction.Parts[0].Text)
	assert.Len(t, fake.contents, 1)
}

func TestGeminiComplete_Errors(t *testing.T) {
	c := &GeminiClient{models: &fakeGemini{err: errors.New("quota")}, model: "m", logger: discardLogger()}
	_, err := c.Complete(context.Background(), "", []Message{UserMessage("hi")}, nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)

	c.models = &fakeGemini{resp: &genai.GenerateContentResponse{}}
	_, err = c.Complete(context.Background(), "", []Message{UserMessage("hi")}, nil)
	require.ErrorAs(t, err, &te)
}
