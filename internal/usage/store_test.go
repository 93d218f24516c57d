package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store, now time.Time) {
	t.Helper()
	recs := []Record{
		{Timestamp: now, TurnID: "t1", ChatID: "kitchen", Provider: "anthropic", Model: "claude-sonnet", Iteration: 1, InputTokens: 1000, OutputTokens: 50},
		{Timestamp: now, TurnID: "t1", ChatID: "kitchen", Provider: "anthropic", Model: "claude-sonnet", Iteration: 2, InputTokens: 1200, OutputTokens: 200},
		{Timestamp: now, TurnID: "t2", ChatID: "office", Provider: "ollama", Model: "qwen3:8b", Iteration: 1, InputTokens: 300, OutputTokens: 40},
		{Timestamp: now.Add(-48 * time.Hour), TurnID: "old", ChatID: "kitchen", Provider: "ollama", Model: "qwen3:8b", Iteration: 1, InputTokens: 9999, OutputTokens: 9999},
	}
	for _, rec := range recs {
		require.NoError(t, s.Record(context.Background(), rec))
	}
}

func TestSummary(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	seed(t, s, now)

	sum, err := s.Summary(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, &Summary{Calls: 3, Turns: 2, InputTokens: 2500, OutputTokens: 290}, sum)
}

func TestSummary_Empty(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	sum, err := s.Summary(context.Background(), now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, &Summary{}, sum)
}

func TestSummaryBy(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	seed(t, s, now)
	ctx := context.Background()
	start, end := now.Add(-time.Hour), now.Add(time.Hour)

	byProvider, err := s.SummaryBy(ctx, "provider", start, end)
	require.NoError(t, err)
	require.Len(t, byProvider, 2)
	assert.Equal(t, &Summary{Calls: 2, Turns: 1, InputTokens: 2200, OutputTokens: 250}, byProvider["anthropic"])
	assert.Equal(t, int64(300), byProvider["ollama"].InputTokens)

	byChat, err := s.SummaryBy(ctx, "chat_id", start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, byChat["office"].Calls)

	_, err = s.SummaryBy(ctx, "input_tokens; DROP TABLE usage_records", start, end)
	assert.ErrorContains(t, err, "cannot group usage by")
}

func TestRecord_GeneratesID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for range 2 {
		require.NoError(t, s.Record(ctx, Record{TurnID: "t", Provider: "ollama", Model: "m", Iteration: 1}))
	}

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(DISTINCT id) FROM usage_records`).Scan(&n))
	assert.Equal(t, 2, n)
}
