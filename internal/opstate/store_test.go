package opstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	val, err := testStore(t).Get("provider", "active")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Set("provider", "active", "ollama"))
	require.NoError(t, s.Set("provider", "active", "anthropic"))

	val, err := s.Get("provider", "active")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", val)
}

func TestSetAll(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Set("provider", "active", "ollama"))

	require.NoError(t, s.SetAll("provider", map[string]string{"active": "anthropic", "model": "claude-opus"}))

	entries, err := s.List("provider")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"active": "anthropic", "model": "claude-opus"}, entries)
}

func TestSetAll_ClosedStoreWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("provider", "active", "ollama"))
	require.NoError(t, s.Close())

	assert.Error(t, s.SetAll("provider", map[string]string{"active": "anthropic", "model": "x"}))

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.List("provider")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"active": "ollama"}, entries)
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Set("provider", "model", "a"))
	require.NoError(t, s.Set("other", "model", "b"))
	require.NoError(t, s.DeleteNamespace("provider"))

	entries, err := s.List("provider")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)

	val, err := s.Get("other", "model")
	require.NoError(t, err)
	assert.Equal(t, "b", val)
}

func TestList(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Set("provider", "active", "gemini"))
	require.NoError(t, s.Set("provider", "model", "gemini-2.0-flash"))

	entries, err := s.List("provider")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"active": "gemini", "model": "gemini-2.0-flash"}, entries)
}

func TestPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")

	s1, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Set("provider", "active", "openai"))
	require.NoError(t, s1.Close())

	s2, err := NewStore(path)
	require.NoError(t, err)
	defer s2.Close()

	val, err := s2.Get("provider", "active")
	require.NoError(t, err)
	assert.Equal(t, "openai", val)
}
