package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/prompts"
)

// maxTranscript bounds the recent-context transcript sent for extraction.
const maxTranscript = 4000

// NewExtractFunc returns a memory.ExtractFunc that asks the active
// provider to extract facts. model overrides the active model when set.
func NewExtractFunc(providers ProviderSource, model string, logger *slog.Logger) memory.ExtractFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "extractor")

	return func(ctx context.Context, userMsg, assistantResp string, history []llm.Message) (*memory.ExtractionResult, error) {
		provider, activeModel := providers.Active()
		if model != "" {
			activeModel = model
		}

		prompt := prompts.FactExtractionPrompt(userMsg, assistantResp, transcript(history))

		start := time.Now()
		resp, err := provider.Complete(ctx, activeModel, []llm.Message{llm.UserMessage(prompt)}, nil)
		if err != nil {
			logger.Warn("fact extraction LLM call failed",
				"provider", provider.ID(),
				"model", activeModel,
				"elapsed", time.Since(start),
				"error", err)
			return nil, err
		}
		logger.Debug("fact extraction LLM call complete",
			"provider", provider.ID(),
			"model", activeModel,
			"elapsed", time.Since(start),
			"response_len", len(resp.Content))

		return parseExtraction(resp.Content)
	}
}

// transcript renders the most recent complete messages, newest last,
// within maxTranscript bytes.
func transcript(history []llm.Message) string {
	var lines []string
	size := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Content == "" || m.Role == llm.RoleSystem {
			continue
		}
		line := fmt.Sprintf("[%s] %s\n", m.Role, m.Content)
		if size+len(line) > maxTranscript {
			break
		}
		size += len(line)
		lines = append(lines, line)
	}

	var sb strings.Builder
	for i := len(lines) - 1; i >= 0; i-- {
		sb.WriteString(lines[i])
	}
	return sb.String()
}

// parseExtraction decodes the model's JSON answer, tolerating code
// fences and prose around the object.
func parseExtraction(content string) (*memory.ExtractionResult, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, errors.New("no JSON object in extraction response")
	}

	var result memory.ExtractionResult
	if err := json.Unmarshal([]byte(content[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	return &result, nil
}
