package memory

import (
	"context"
	"fmt"

	"github.com/nugget/parley/internal/database"
)

// payload is TEXT rather than JSONB: JSONB rejects the \u0000 escape that
// encoding/json emits for a NUL byte in a tool result, and TEXT keeps the
// escaped form as plain ASCII.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              UUID PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	role            VARCHAR(16) NOT NULL,
	content         TEXT NOT NULL,
	payload         TEXT NOT NULL,
	token_count     INTEGER DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (conversation_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`

// PostgresStore is a Postgres-backed ConversationStore for deployments
// that share one database between several instances.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := database.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{sqlStore{db: db, dialect: "postgres"}}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}
