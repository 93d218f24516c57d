package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/database"
	"github.com/nugget/parley/internal/llm"
)

// sqlStore implements ConversationStore over database/sql. The SQLite and
// Postgres stores share it and differ only in schema and placeholder
// syntax.
type sqlStore struct {
	db      *sql.DB
	dialect string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	payload         TEXT NOT NULL,
	token_count     INTEGER DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	UNIQUE (conversation_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`

// SQLiteStore is a SQLite-backed ConversationStore.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (creating if needed) the conversation database at
// dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{sqlStore{db: db, dialect: "sqlite"}}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// q rewrites "?" placeholders to "$n" for Postgres.
func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Load implements ConversationStore.
func (s *sqlStore) Load(ctx context.Context, chatID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT payload FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`), chatID)
	if err != nil {
		return nil, persistErr("load", chatID, err)
	}
	defer rows.Close()

	messages := []llm.Message{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, persistErr("load", chatID, err)
		}
		m, err := decodeMessage(payload)
		if err != nil {
			return nil, persistErr("load", chatID, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("load", chatID, err)
	}
	return messages, nil
}

// Save implements ConversationStore. The existing rows are deleted and the
// new list inserted in one transaction, so a failure leaves the previous
// history intact.
func (s *sqlStore) Save(ctx context.Context, chatID string, messages []llm.Message) error {
	return persistErr("save", chatID, s.save(ctx, chatID, messages))
}

func (s *sqlStore) save(ctx context.Context, chatID string, messages []llm.Message) error {
	payloads := make([]string, len(messages))
	for i, m := range messages {
		p, err := encodeMessage(m)
		if err != nil {
			return err
		}
		payloads[i] = p
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at
	`), chatID, now, now); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE conversation_id = ?`), chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO messages (id, conversation_id, seq, role, content, payload, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range messages {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, id.String(), chatID, i, m.Role, searchableContent(m.Content),
			payloads[i], estimateTokens(payloads[i]), now); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// searchableContent strips NUL bytes from the denormalized content column,
// which Postgres TEXT cannot hold. The payload column keeps the exact
// message.
func searchableContent(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// Clear implements ConversationStore.
func (s *sqlStore) Clear(ctx context.Context, chatID string) error {
	return persistErr("clear", chatID, s.clear(ctx, chatID))
}

func (s *sqlStore) clear(ctx context.Context, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE conversation_id = ?`), chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM conversations WHERE id = ?`), chatID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

// Stats returns memory statistics.
func (s *sqlStore) Stats() map[string]any {
	var convCount, msgCount, tokenCount int

	_ = s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount)
	_ = s.db.QueryRow(`SELECT COALESCE(SUM(token_count), 0) FROM messages`).Scan(&tokenCount)

	return map[string]any{
		"conversations": convCount,
		"messages":      msgCount,
		"total_tokens":  tokenCount,
		"storage":       s.dialect,
	}
}
