package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/parley/internal/llm"
)

type setFactCall struct {
	category, key, value, source string
	confidence                   float64
}

type mockFactSetter struct {
	mu    sync.Mutex
	calls []setFactCall
	err   error
}

func (m *mockFactSetter) SetFact(category, key, value, source string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, setFactCall{category, key, value, source, confidence})
	return nil
}

func (m *mockFactSetter) snapshot() []setFactCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]setFactCall(nil), m.calls...)
}

type mockIndexer struct {
	mu     sync.Mutex
	labels []string
}

func (m *mockIndexer) Index(_ context.Context, label, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels = append(m.labels, label)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedExtract(result *ExtractionResult, err error) ExtractFunc {
	return func(context.Context, string, string, []llm.Message) (*ExtractionResult, error) {
		return result, err
	}
}

func TestShouldExtract(t *testing.T) {
	e := NewExtractor(&mockFactSetter{}, nil, quietLogger(), 2)
	longReply := "That makes sense, I'll remember you prefer the office at 72 degrees."

	tests := []struct {
		name  string
		user  string
		reply string
		count int
		want  bool
	}{
		{"normal exchange", "I usually work from the upstairs office", longReply, 4, true},
		{"too few messages", "I usually work from the upstairs office", longReply, 1, false},
		{"short reply", "I usually work from the upstairs office", "Noted.", 4, false},
		{"short user message", "ok", longReply, 4, false},
		{"thanks", "Thanks, that helps a lot", longReply, 4, false},
		{"dismissal", "Never mind, forget I asked", longReply, 4, false},
		{"time query", "What time is it in Tokyo?", longReply, 4, false},
		{"prefix is case-insensitive", "  NEVERMIND that one", longReply, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.ShouldExtract(tt.user, tt.reply, tt.count))
		})
	}
}

func TestExtract_PersistsAndIndexes(t *testing.T) {
	facts := &mockFactSetter{}
	ix := &mockIndexer{}
	e := NewExtractor(facts, fixedExtract(&ExtractionResult{
		WorthPersisting: true,
		Facts: []ExtractedFact{
			{Category: "preference", Key: "office_temp", Value: "72F", Confidence: 0.9},
			{Category: "", Key: "missing_category", Value: "x", Confidence: 0.5},
			{Category: "user", Key: "pet", Value: "a cat named Miso", Confidence: 0.8},
		},
	}, nil), quietLogger(), 2)
	e.SetIndexer(ix)

	require.NoError(t, e.Extract(context.Background(), "u", "r", nil))

	calls := facts.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, setFactCall{"preference", "office_temp", "72F", "auto-extraction", 0.9}, calls[0])
	assert.Equal(t, "pet", calls[1].key)
	assert.Equal(t, []string{"preference/office_temp", "user/pet"}, ix.labels)
}

func TestExtract_NotWorthPersisting(t *testing.T) {
	facts := &mockFactSetter{}
	e := NewExtractor(facts, fixedExtract(&ExtractionResult{
		WorthPersisting: false,
		Facts:           []ExtractedFact{{Category: "a", Key: "b", Value: "c"}},
	}, nil), quietLogger(), 0)

	require.NoError(t, e.Extract(context.Background(), "u", "r", nil))
	assert.Empty(t, facts.snapshot())
}

func TestExtract_CallFailure(t *testing.T) {
	boom := errors.New("model unavailable")
	e := NewExtractor(&mockFactSetter{}, fixedExtract(nil, boom), quietLogger(), 0)

	err := e.Extract(context.Background(), "u", "r", nil)
	assert.ErrorIs(t, err, boom)
}

func TestExtract_SetterFailureIsNotFatal(t *testing.T) {
	facts := &mockFactSetter{err: errors.New("disk full")}
	e := NewExtractor(facts, fixedExtract(&ExtractionResult{
		WorthPersisting: true,
		Facts:           []ExtractedFact{{Category: "a", Key: "b", Value: "c"}},
	}, nil), quietLogger(), 0)

	assert.NoError(t, e.Extract(context.Background(), "u", "r", nil))
}

func TestGo_RunsDetached(t *testing.T) {
	release := make(chan struct{})
	var seen []llm.Message
	facts := &mockFactSetter{}

	e := NewExtractor(facts, func(ctx context.Context, _, _ string, history []llm.Message) (*ExtractionResult, error) {
		<-release
		seen = history
		return &ExtractionResult{
			WorthPersisting: true,
			Facts:           []ExtractedFact{{Category: "user", Key: "city", Value: "Denver", Confidence: 0.7}},
		}, nil
	}, quietLogger(), 2)

	history := []llm.Message{
		llm.UserMessage("I just moved to Denver last month"),
		llm.AssistantMessage("Welcome to Denver! How are you finding the altitude?"),
	}

	// Go returns while the extraction is still blocked.
	e.Go(history[0].Content, history[1].Content, history)
	history[0].Content = "mutated after Go"
	assert.Empty(t, facts.snapshot())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))

	assert.Len(t, facts.snapshot(), 1)
	assert.Equal(t, "I just moved to Denver last month", seen[0].Content, "extractor must copy history")
}

func TestGo_SkipsGatedExchange(t *testing.T) {
	called := false
	e := NewExtractor(&mockFactSetter{}, func(context.Context, string, string, []llm.Message) (*ExtractionResult, error) {
		called = true
		return nil, nil
	}, quietLogger(), 10)

	e.Go("I usually work from the upstairs office", "Long enough reply to pass the gate.", nil)
	require.NoError(t, e.Wait(context.Background()))
	assert.False(t, called)
}

func TestGo_RecoversPanic(t *testing.T) {
	e := NewExtractor(&mockFactSetter{}, func(context.Context, string, string, []llm.Message) (*ExtractionResult, error) {
		panic("extractor exploded")
	}, quietLogger(), 0)

	e.Go("I usually work from the upstairs office", "Long enough reply to pass the gate.", nil)
	assert.NoError(t, e.Wait(context.Background()))
}

func TestGo_AppliesTimeout(t *testing.T) {
	var deadlineSet bool
	e := NewExtractor(&mockFactSetter{}, func(ctx context.Context, _, _ string, _ []llm.Message) (*ExtractionResult, error) {
		_, deadlineSet = ctx.Deadline()
		<-ctx.Done()
		return nil, ctx.Err()
	}, quietLogger(), 0)
	e.SetTimeout(20 * time.Millisecond)

	e.Go("I usually work from the upstairs office", "Long enough reply to pass the gate.", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	assert.True(t, deadlineSet)
}

func TestGo_NilExtractorIsNoop(t *testing.T) {
	var e *Extractor
	assert.NotPanics(t, func() { e.Go("a", "b", nil) })
}
