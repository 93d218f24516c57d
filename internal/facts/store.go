// Package facts provides long-term memory for stable, discrete facts
// about the user and their world.
package facts

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/database"
)

// Category groups related facts.
type Category string

const (
	CategoryUser       Category = "user"       // User preferences and info
	CategoryPeople     Category = "people"     // Names, relationships, pets
	CategoryProject    Category = "project"    // Ongoing work and the tools it uses
	CategoryRoutine    Category = "routine"    // Observed patterns
	CategoryPreference Category = "preference" // How the user likes things
)

// ErrNotFound is returned when no fact matches a category and key.
var ErrNotFound = errors.New("fact not found")

// Fact represents a piece of long-term memory.
type Fact struct {
	ID         uuid.UUID `json:"id"`
	Category   Category  `json:"category"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence,omitempty"` // 0-1
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store manages fact persistence.
type Store struct {
	db *sql.DB
}

// NewStore opens the fact database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT,
			confidence REAL DEFAULT 1.0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(category, key)
		);

		CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category);
		CREATE INDEX IF NOT EXISTS idx_facts_confidence ON facts(confidence DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set creates or replaces the fact at category/key.
func (s *Store) Set(category Category, key, value, source string, confidence float64) (*Fact, error) {
	now := time.Now().UTC()
	stamp := now.Format(timeLayout)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("fact id: %w", err)
	}

	// On conflict the original id and created_at survive.
	row := s.db.QueryRow(`
		INSERT INTO facts (id, category, key, value, source, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (category, key) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
		RETURNING id, created_at
	`, id.String(), string(category), key, value, source, confidence, stamp, stamp)

	var idStr, createdStr string
	if err := row.Scan(&idStr, &createdStr); err != nil {
		return nil, fmt.Errorf("upsert fact %s/%s: %w", category, key, err)
	}

	f := &Fact{
		Category:   category,
		Key:        key,
		Value:      value,
		Source:     source,
		Confidence: confidence,
		UpdatedAt:  now,
	}
	f.ID, _ = uuid.Parse(idStr)
	f.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return f, nil
}

const factColumns = `id, category, key, value, source, confidence, created_at, updated_at`

// Get retrieves a fact by category and key. A missing fact is ErrNotFound.
func (s *Store) Get(category Category, key string) (*Fact, error) {
	f, err := scanFact(s.db.QueryRow(`SELECT `+factColumns+` FROM facts WHERE category = ? AND key = ?`,
		string(category), key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", category, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get fact: %w", err)
	}
	return f, nil
}

// GetByCategory retrieves all facts in a category, ordered by key.
func (s *Store) GetByCategory(category Category) ([]*Fact, error) {
	return s.query(`SELECT `+factColumns+` FROM facts WHERE category = ? ORDER BY key`, string(category))
}

// Search finds facts containing query in key or value.
func (s *Store) Search(query string) ([]*Fact, error) {
	pattern := "%" + query + "%"
	return s.query(`
		SELECT `+factColumns+` FROM facts
		WHERE key LIKE ? OR value LIKE ?
		ORDER BY updated_at DESC
		LIMIT 50
	`, pattern, pattern)
}

// Top returns up to limit facts, highest confidence first and most
// recently updated among equals.
func (s *Store) Top(limit int) ([]*Fact, error) {
	return s.query(`
		SELECT `+factColumns+` FROM facts
		ORDER BY confidence DESC, updated_at DESC, category, key
		LIMIT ?
	`, limit)
}

// Delete removes a fact. A missing fact is ErrNotFound.
func (s *Store) Delete(category Category, key string) error {
	result, err := s.db.Exec(`DELETE FROM facts WHERE category = ? AND key = ?`, string(category), key)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%s/%s: %w", category, key, ErrNotFound)
	}
	return nil
}

// Stats returns fact statistics.
func (s *Store) Stats() map[string]any {
	var total int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM facts`).Scan(&total)

	cats := make(map[string]int)
	rows, _ := s.db.Query(`SELECT category, COUNT(*) FROM facts GROUP BY category`)
	if rows != nil {
		defer rows.Close()
		for rows.Next() {
			var cat string
			var count int
			if err := rows.Scan(&cat, &count); err != nil {
				continue
			}
			cats[cat] = count
		}
	}

	return map[string]any{
		"total":      total,
		"categories": cats,
	}
}

func (s *Store) query(q string, args ...any) ([]*Fact, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFact(row scanner) (*Fact, error) {
	var f Fact
	var idStr, catStr, createdStr, updatedStr string
	var source sql.NullString

	if err := row.Scan(&idStr, &catStr, &f.Key, &f.Value, &source, &f.Confidence, &createdStr, &updatedStr); err != nil {
		return nil, err
	}

	f.ID, _ = uuid.Parse(idStr)
	f.Category = Category(catStr)
	f.Source = source.String
	f.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	f.UpdatedAt, _ = time.Parse(timeLayout, updatedStr)
	return &f, nil
}
