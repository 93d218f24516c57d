package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/parley/internal/llm"
)

// ExtractionResult is the structured output from an LLM fact extraction call.
type ExtractionResult struct {
	Facts           []ExtractedFact `json:"facts"`
	WorthPersisting bool            `json:"worth_persisting"`
}

// ExtractedFact is a single fact extracted by the LLM.
type ExtractedFact struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractFunc performs the LLM call that extracts facts from one
// exchange, given the user message, the reply, and recent history.
type ExtractFunc func(ctx context.Context, userMessage, assistantResponse string, recentHistory []llm.Message) (*ExtractionResult, error)

// FactSetter persists extracted facts.
type FactSetter interface {
	SetFact(category, key, value, source string, confidence float64) error
}

// Indexer receives persisted facts for the retrieval index. Optional.
type Indexer interface {
	Index(ctx context.Context, label, text string) error
}

// Extractor runs fact extraction after a turn. It is asynchronous and
// best-effort: failures are logged and never reach the turn's reply or
// history.
type Extractor struct {
	facts       FactSetter
	extract     ExtractFunc
	indexer     Indexer
	logger      *slog.Logger
	minMessages int
	timeout     time.Duration

	wg sync.WaitGroup
}

// NewExtractor creates a fact extractor. Exchanges in conversations
// shorter than minMessages are skipped.
func NewExtractor(facts FactSetter, extract ExtractFunc, logger *slog.Logger, minMessages int) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		facts:       facts,
		extract:     extract,
		logger:      logger.With("component", "extractor"),
		minMessages: minMessages,
		timeout:     30 * time.Second,
	}
}

// SetTimeout configures the per-extraction timeout.
func (e *Extractor) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// SetIndexer sends persisted facts to a retrieval index as well.
func (e *Extractor) SetIndexer(ix Indexer) {
	e.indexer = ix
}

// ShouldExtract is the cheap gate in front of the LLM call. Short
// exchanges, bare confirmations and simple commands rarely carry facts.
func (e *Extractor) ShouldExtract(userMsg, assistantResp string, messageCount int) bool {
	if messageCount < e.minMessages {
		return false
	}
	if len(assistantResp) < 20 {
		return false
	}
	return !isSimpleCommand(strings.ToLower(strings.TrimSpace(userMsg)))
}

func isSimpleCommand(lower string) bool {
	if len(lower) < 5 {
		return true
	}
	for _, prefix := range []string{
		"never mind", "nevermind",
		"what time", "what's the time",
		"thanks", "thank you",
		"ok ", "okay",
	} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Go starts a detached extraction for one exchange. It uses its own
// context and timeout so it outlives the turn, and copies the history it
// is given. Panics and errors are logged and discarded.
func (e *Extractor) Go(userMsg, assistantResp string, history []llm.Message) {
	if e == nil || e.extract == nil {
		return
	}
	if !e.ShouldExtract(userMsg, assistantResp, len(history)) {
		e.logger.Debug("skipping extraction", "messages", len(history))
		return
	}

	recent := append([]llm.Message(nil), history...)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("fact extraction panicked", "panic", p)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		if err := e.Extract(ctx, userMsg, assistantResp, recent); err != nil {
			e.logger.Warn("fact extraction failed", "error", err)
		}
	}()
}

// Wait blocks until every extraction started with Go has finished or ctx
// is done.
func (e *Extractor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Extract runs the LLM extraction synchronously and persists any
// discovered facts.
func (e *Extractor) Extract(ctx context.Context, userMsg, assistantResp string, recentHistory []llm.Message) error {
	if e.extract == nil {
		return nil
	}

	result, err := e.extract(ctx, userMsg, assistantResp, recentHistory)
	if err != nil {
		return fmt.Errorf("extraction call: %w", err)
	}

	if result == nil || !result.WorthPersisting || len(result.Facts) == 0 {
		e.logger.Debug("extraction found no facts worth persisting")
		return nil
	}

	persisted := 0
	for _, fact := range result.Facts {
		if fact.Category == "" || fact.Key == "" || fact.Value == "" {
			e.logger.Debug("skipping incomplete extracted fact",
				"category", fact.Category, "key", fact.Key)
			continue
		}

		if err := e.facts.SetFact(fact.Category, fact.Key, fact.Value, "auto-extraction", fact.Confidence); err != nil {
			e.logger.Warn("failed to persist extracted fact",
				"category", fact.Category, "key", fact.Key, "error", err)
			continue
		}
		persisted++

		if e.indexer != nil {
			label := fact.Category + "/" + fact.Key
			if err := e.indexer.Index(ctx, label, fact.Value); err != nil {
				e.logger.Warn("failed to index extracted fact", "label", label, "error", err)
			}
		}
	}

	if persisted > 0 {
		e.logger.Info("extracted facts from conversation",
			"count", persisted, "total_extracted", len(result.Facts))
	}
	return nil
}
