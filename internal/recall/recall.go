// Package recall retrieves stored memories relevant to a user message so
// the agent can add them to its prompt.
package recall

import (
	"context"
	"fmt"
	"strings"
)

// Snippet is one retrieved memory.
type Snippet struct {
	Label string
	Text  string
	Score float32
}

// Retriever returns up to k snippets relevant to query, best first.
// Failures are not errors: a retriever that cannot answer returns
// nothing, and the turn proceeds without retrieved context.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) []Snippet
}

// Nop is the retriever used when memory retrieval is disabled.
type Nop struct{}

// Retrieve implements Retriever.
func (Nop) Retrieve(context.Context, string, int) []Snippet { return nil }

// Format renders snippets as a prompt block, or "" when there are none.
func Format(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, s := range snippets {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "- %s (%.0f%% relevant): %s", s.Label, s.Score*100, s.Text)
	}
	return sb.String()
}
