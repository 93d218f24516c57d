package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/parley/internal/llm"
)

// sampleHistory is a well-formed conversation exercising every message
// shape, including a parallel tool batch.
func sampleHistory() []llm.Message {
	return []llm.Message{
		llm.UserMessage("what do you know about my office?"),
		{Role: llm.RoleAssistant, Content: "Let me check.", ToolCalls: []llm.ToolCall{
			{ID: "toolu_01", Name: "recall_facts", Arguments: `{"category":"people"}`},
			{ID: "call_gemini_0", Name: "recall_facts", Arguments: `{}`},
		}},
		{Role: llm.RoleTool, ToolCallID: "toolu_01", Name: "recall_facts", Content: "office temperature: 72F"},
		{Role: llm.RoleTool, ToolCallID: "call_gemini_0", Name: "recall_facts", Content: `Error: unknown tool "x"`},
		llm.AssistantMessage("You like your office at 72°F. 🌡️"),
	}
}

type namedStore struct {
	name  string
	store ConversationStore
}

func storesUnderTest(t *testing.T) []namedStore {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	stores := []namedStore{
		{"memory", NewStore()},
		{"sqlite", sqlite},
	}

	if dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgresStore(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() { pg.Close() })
		stores = append(stores, namedStore{"postgres", pg})
	}
	return stores
}

func TestConversationStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, ns := range storesUnderTest(t) {
		t.Run(ns.name, func(t *testing.T) {
			chatID := "roundtrip-" + ns.name
			t.Cleanup(func() { _ = ns.store.Clear(ctx, chatID) })

			want := sampleHistory()
			require.NoError(t, ns.store.Save(ctx, chatID, want))

			got, err := ns.store.Load(ctx, chatID)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestConversationStore_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for _, ns := range storesUnderTest(t) {
		t.Run(ns.name, func(t *testing.T) {
			chatID := "idempotent-" + ns.name
			t.Cleanup(func() { _ = ns.store.Clear(ctx, chatID) })

			want := sampleHistory()
			require.NoError(t, ns.store.Save(ctx, chatID, want))
			require.NoError(t, ns.store.Save(ctx, chatID, want))

			got, err := ns.store.Load(ctx, chatID)
			require.NoError(t, err)
			assert.Equal(t, want, got, "saving twice must not duplicate messages")
		})
	}
}

func TestConversationStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	for _, ns := range storesUnderTest(t) {
		t.Run(ns.name, func(t *testing.T) {
			chatID := "replace-" + ns.name
			t.Cleanup(func() { _ = ns.store.Clear(ctx, chatID) })

			require.NoError(t, ns.store.Save(ctx, chatID, sampleHistory()))
			shorter := []llm.Message{llm.UserMessage("hi"), llm.AssistantMessage("hello")}
			require.NoError(t, ns.store.Save(ctx, chatID, shorter))

			got, err := ns.store.Load(ctx, chatID)
			require.NoError(t, err)
			assert.Equal(t, shorter, got)
		})
	}
}

func TestConversationStore_ClearAndIsolation(t *testing.T) {
	ctx := context.Background()
	for _, ns := range storesUnderTest(t) {
		t.Run(ns.name, func(t *testing.T) {
			a, b := "clear-a-"+ns.name, "clear-b-"+ns.name
			t.Cleanup(func() {
				_ = ns.store.Clear(ctx, a)
				_ = ns.store.Clear(ctx, b)
			})

			require.NoError(t, ns.store.Save(ctx, a, sampleHistory()))
			require.NoError(t, ns.store.Save(ctx, b, []llm.Message{llm.UserMessage("other chat")}))
			require.NoError(t, ns.store.Clear(ctx, a))

			got, err := ns.store.Load(ctx, a)
			require.NoError(t, err)
			assert.Empty(t, got)

			other, err := ns.store.Load(ctx, b)
			require.NoError(t, err)
			assert.Len(t, other, 1)

			// Clearing an unknown chat is not an error.
			assert.NoError(t, ns.store.Clear(ctx, "never-existed"))
		})
	}
}

func TestConversationStore_LoadUnknown(t *testing.T) {
	for _, ns := range storesUnderTest(t) {
		t.Run(ns.name, func(t *testing.T) {
			got, err := ns.store.Load(context.Background(), "unknown")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStore_CopiesOnSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	msgs := sampleHistory()
	require.NoError(t, s.Save(ctx, "c", msgs))
	msgs[1].ToolCalls[0].Name = "mutated"

	got, err := s.Load(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "recall_facts", got[1].ToolCalls[0].Name)

	got[0].Content = "mutated"
	again, _ := s.Load(ctx, "c")
	assert.Equal(t, "what do you know about my office?", again[0].Content)
}

func TestSQLiteStore_FailedSaveKeepsPreviousHistory(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "atomic.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "chat", sampleHistory()))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = s.Save(cancelled, "chat", []llm.Message{llm.UserMessage("replacement")})

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "save", pe.Op)
	assert.Equal(t, "chat", pe.ChatID)

	got, err := s.Load(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, sampleHistory(), got)
}

func TestSQLiteStore_PersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Save(ctx, "chat", sampleHistory()))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Load(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, sampleHistory(), got)
}

func TestConversationStore_NULBytesRoundTrip(t *testing.T) {
	ctx := context.Background()
	call := llm.ToolCall{ID: "call_1", Name: "read_blob", Arguments: `{}`}
	want := []llm.Message{
		llm.UserMessage("what is in the blob?"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		llm.ToolResultMessage(call, "head\x00tail"),
		llm.AssistantMessage("It holds two words."),
	}

	for _, ns := range storesUnderTest(t) {
		t.Run(ns.name, func(t *testing.T) {
			chatID := "nul-" + ns.name
			t.Cleanup(func() { _ = ns.store.Clear(ctx, chatID) })

			require.NoError(t, ns.store.Save(ctx, chatID, want))
			got, err := ns.store.Load(ctx, chatID)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSQLiteStore_ContentColumnHasNoNULs(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nul.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "c", []llm.Message{llm.UserMessage("a\x00b")}))

	var content string
	require.NoError(t, s.db.QueryRow(`SELECT content FROM messages WHERE conversation_id = 'c'`).Scan(&content))
	assert.Equal(t, "ab", content)
}

func TestSQLiteStore_Stats(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "a", sampleHistory()))
	require.NoError(t, s.Save(ctx, "b", []llm.Message{llm.UserMessage("x")}))

	stats := s.Stats()
	assert.Equal(t, 2, stats["conversations"])
	assert.Equal(t, 6, stats["messages"])
	assert.Equal(t, "sqlite", stats["storage"])
	assert.Positive(t, stats["total_tokens"])
}

func TestPostgresPlaceholders(t *testing.T) {
	pg := &sqlStore{dialect: "postgres"}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.q("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &sqlStore{dialect: "sqlite"}
	assert.Equal(t, "x = ?", lite.q("x = ?"))
}

func TestPersistenceError(t *testing.T) {
	assert.NoError(t, persistErr("save", "c", nil))

	err := persistErr("load", "c", os.ErrPermission)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, "load conversation c: permission denied", err.Error())
}
