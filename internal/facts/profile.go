package facts

import (
	"context"
	"fmt"
	"strings"
)

// ProfileProvider formats the always-on facts block for the system
// prompt: the highest-confidence facts, bounded in count.
type ProfileProvider struct {
	store    *Store
	maxFacts int
}

// NewProfileProvider creates a profile provider. maxFacts <= 0 uses 20.
func NewProfileProvider(store *Store, maxFacts int) *ProfileProvider {
	if maxFacts <= 0 {
		maxFacts = 20
	}
	return &ProfileProvider{store: store, maxFacts: maxFacts}
}

// Profile returns the formatted facts block, or "" when no facts are
// stored.
func (p *ProfileProvider) Profile(_ context.Context) (string, error) {
	facts, err := p.store.Top(p.maxFacts)
	if err != nil {
		return "", fmt.Errorf("load profile facts: %w", err)
	}
	if len(facts) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", f.Category, f.Key, f.Value)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
