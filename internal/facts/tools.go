package facts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/parley/internal/tools"
)

// Indexer mirrors remembered facts into the retrieval index.
type Indexer interface {
	Index(ctx context.Context, label, text string) error
}

// Tools provides the fact tools for the agent.
type Tools struct {
	store   *Store
	indexer Indexer
}

// NewTools creates fact tools using the given store.
func NewTools(store *Store) *Tools {
	return &Tools{store: store}
}

// SetIndexer makes remember_fact index each stored fact for retrieval.
func (t *Tools) SetIndexer(ix Indexer) {
	t.indexer = ix
}

// Register adds remember_fact, recall_facts and forget_fact to reg.
func (t *Tools) Register(reg *tools.Registry) {
	reg.Register(&tools.Tool{
		Name: "remember_fact",
		Description: "Store a discrete, stable piece of information for later recall. " +
			"Best for user preferences, people in their life, ongoing projects, routines, or observed patterns. " +
			"Each fact should be a single, self-contained piece of knowledge.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"enum":        []string{"user", "people", "project", "routine", "preference"},
					"description": "Category: user (personal details, habits), people (names, relationships, pets), project (ongoing work, tools they use), routine (schedules, workflows), preference (interaction/communication prefs)",
				},
				"key": map[string]any{
					"type":        "string",
					"description": "Unique identifier for this fact within the category (e.g., 'time_format', 'partner_name')",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "The information to remember",
				},
				"source": map[string]any{
					"type":        "string",
					"description": "Where this information came from (e.g., 'user stated', 'observed')",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: t.remember,
	})

	reg.Register(&tools.Tool{
		Name:        "recall_facts",
		Description: "Retrieve information from long-term memory. Can look up a specific fact, list a category, or search.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"description": "Category to filter by",
				},
				"key": map[string]any{
					"type":        "string",
					"description": "Specific key to recall (requires category)",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Search term to find matching facts",
				},
			},
		},
		Handler: t.recall,
	})

	reg.Register(&tools.Tool{
		Name:        "forget_fact",
		Description: "Remove a fact from long-term memory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"description": "Category of the fact to forget",
				},
				"key": map[string]any{
					"type":        "string",
					"description": "Key of the fact to forget",
				},
			},
			"required": []string{"category", "key"},
		},
		Handler: t.forget,
	})
}

func (t *Tools) remember(ctx context.Context, args map[string]any) (string, error) {
	category := stringArg(args, "category")
	key := stringArg(args, "key")
	value := stringArg(args, "value")
	if category == "" {
		category = string(CategoryPreference)
	}
	if key == "" {
		return "", errors.New("key is required")
	}
	if value == "" {
		return "", errors.New("value is required")
	}

	fact, err := t.store.Set(Category(category), key, value, stringArg(args, "source"), 1.0)
	if err != nil {
		return "", fmt.Errorf("store fact: %w", err)
	}

	if t.indexer != nil {
		// Indexing is best-effort; the fact is already durable.
		_ = t.indexer.Index(ctx, category+"/"+key, value)
	}

	return fmt.Sprintf("Remembered: [%s] %s = %s", fact.Category, fact.Key, fact.Value), nil
}

func (t *Tools) recall(_ context.Context, args map[string]any) (string, error) {
	category := stringArg(args, "category")
	key := stringArg(args, "key")
	query := stringArg(args, "query")

	switch {
	case category != "" && key != "":
		fact, err := t.store.Get(Category(category), key)
		if errors.Is(err, ErrNotFound) {
			return "Not found", nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("[%s] %s = %s (confidence: %.1f)",
			fact.Category, fact.Key, fact.Value, fact.Confidence), nil

	case category != "":
		facts, err := t.store.GetByCategory(Category(category))
		if err != nil {
			return "", fmt.Errorf("get category: %w", err)
		}
		if len(facts) == 0 {
			return fmt.Sprintf("No facts in category '%s'", category), nil
		}
		return formatFacts(facts), nil

	case query != "":
		facts, err := t.store.Search(query)
		if err != nil {
			return "", fmt.Errorf("search: %w", err)
		}
		if len(facts) == 0 {
			return fmt.Sprintf("No facts matching '%s'", query), nil
		}
		return formatFacts(facts), nil
	}

	stats := t.store.Stats()
	total, _ := stats["total"].(int)
	cats, _ := stats["categories"].(map[string]int)

	names := make([]string, 0, len(cats))
	for cat := range cats {
		names = append(names, cat)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Memory contains %d facts:\n", total)
	for _, cat := range names {
		fmt.Fprintf(&sb, "  - %s: %d\n", cat, cats[cat])
	}
	return sb.String(), nil
}

func (t *Tools) forget(_ context.Context, args map[string]any) (string, error) {
	category := stringArg(args, "category")
	key := stringArg(args, "key")
	if category == "" || key == "" {
		return "", errors.New("category and key are required")
	}

	if err := t.store.Delete(Category(category), key); err != nil {
		return "", err
	}
	return fmt.Sprintf("Forgot: [%s] %s", category, key), nil
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return strings.TrimSpace(s)
}

func formatFacts(facts []*Fact) string {
	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "[%s] %s = %s\n", f.Category, f.Key, f.Value)
	}
	return sb.String()
}
