// Package memory provides conversation persistence and background fact
// extraction.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nugget/parley/internal/llm"
)

// ConversationStore persists whole conversations keyed by chat ID.
// Between turns a store owns the history; during a turn the loop owns an
// in-memory copy and hands it back with Save.
type ConversationStore interface {
	// Load returns the stored history for chatID, possibly empty.
	Load(ctx context.Context, chatID string) ([]llm.Message, error)

	// Save atomically replaces the entire stored history for chatID.
	Save(ctx context.Context, chatID string, messages []llm.Message) error

	// Clear empties the history for chatID. Facts and the vector index
	// are untouched.
	Clear(ctx context.Context, chatID string) error
}

// PersistenceError reports a failed store operation. A failed Save means
// the turn's reply was produced but is not durable.
type PersistenceError struct {
	Op     string // "load", "save" or "clear"
	ChatID string
	Err    error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s conversation %s: %v", e.Op, e.ChatID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op, chatID string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, ChatID: chatID, Err: err}
}

// Store is an in-memory ConversationStore, used for one-shot CLI runs and
// tests. Messages are deep-copied in and out so callers never share
// backing arrays with the store.
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]llm.Message
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{conversations: make(map[string][]llm.Message)}
}

// Load implements ConversationStore.
func (s *Store) Load(_ context.Context, chatID string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.conversations[chatID]), nil
}

// Save implements ConversationStore.
func (s *Store) Save(_ context.Context, chatID string, messages []llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[chatID] = cloneMessages(messages)
	return nil
}

// Clear implements ConversationStore.
func (s *Store) Clear(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, chatID)
	return nil
}

// Stats returns memory statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, msgs := range s.conversations {
		total += len(msgs)
	}
	return map[string]any{
		"conversations": len(s.conversations),
		"messages":      total,
		"storage":       "memory",
	}
}

func cloneMessages(in []llm.Message) []llm.Message {
	out := make([]llm.Message, len(in))
	for i, m := range in {
		out[i] = m
		if m.ToolCalls != nil {
			out[i].ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
		}
	}
	return out
}

// encodeMessage serializes the full message shape. This payload is the
// authoritative stored form; role and content columns are conveniences.
func encodeMessage(m llm.Message) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode %s message: %w", m.Role, err)
	}
	return string(raw), nil
}

func decodeMessage(payload string) (llm.Message, error) {
	var m llm.Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return llm.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// estimateTokens gives a rough token count for stats (about four
// characters per token).
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
