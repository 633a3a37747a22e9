package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements creates the thread-tree tables. Statements are idempotent
// so EnsureSchema can run on every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		parent_thread_id  TEXT REFERENCES threads(id),
		parent_message_id TEXT,
		highlighted_text  TEXT,
		depth             INT NOT NULL DEFAULT 0,
		status            TEXT NOT NULL DEFAULT 'ACTIVE',
		merged_at         TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		seq        BIGSERIAL
	)`,
	`CREATE TABLE IF NOT EXISTS merge_events (
		id               TEXT PRIMARY KEY,
		source_thread_id TEXT NOT NULL REFERENCES threads(id),
		target_thread_id TEXT NOT NULL REFERENCES threads(id),
		after_message_id TEXT,
		summary          TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		seq              BIGSERIAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_conversation ON threads(conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_parent ON threads(parent_thread_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_merge_events_target ON merge_events(target_thread_id, created_at, seq)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
