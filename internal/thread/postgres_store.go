package thread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore implements Store on database/sql. Outside a transaction it
// queries the pool directly; WithTx hands callers a copy bound to a tx.
type PostgresStore struct {
	db *sql.DB
	q  queryer
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &PostgresStore{db: s.db, q: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	return s.q.QueryRowContext(ctx, `
        INSERT INTO conversations (id, user_id, title)
        VALUES ($1, $2, $3)
        RETURNING created_at, updated_at
    `, c.ID, c.UserID, c.Title).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.q.QueryRowContext(ctx, `
        SELECT id, user_id, title, created_at, updated_at
        FROM conversations WHERE id = $1
    `, id)
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.q.QueryContext(ctx, `
        SELECT id, user_id, title, created_at, updated_at
        FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC
    `, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.q.ExecContext(ctx, `
        UPDATE conversations SET title = $1, updated_at = now() WHERE id = $2
    `, title, id)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *PostgresStore) TouchConversation(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
        UPDATE conversations SET updated_at = now() WHERE id = $1
    `, id)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *PostgresStore) DeleteMergeEventsForConversation(ctx context.Context, conversationID string) error {
	_, err := s.q.ExecContext(ctx, `
        DELETE FROM merge_events
        WHERE source_thread_id IN (SELECT id FROM threads WHERE conversation_id = $1)
           OR target_thread_id IN (SELECT id FROM threads WHERE conversation_id = $1)
    `, conversationID)
	return err
}

func (s *PostgresStore) DetachThreads(ctx context.Context, conversationID string) error {
	_, err := s.q.ExecContext(ctx, `
        UPDATE threads SET parent_thread_id = NULL, parent_message_id = NULL
        WHERE conversation_id = $1
    `, conversationID)
	return err
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *PostgresStore) CreateThread(ctx context.Context, t *Thread) error {
	return s.q.QueryRowContext(ctx, `
        INSERT INTO threads (id, conversation_id, parent_thread_id, parent_message_id, highlighted_text, depth, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING created_at
    `, t.ID, t.ConversationID, nullIfEmpty(t.ParentThreadID), nullIfEmpty(t.ParentMessageID),
		nullIfEmpty(t.HighlightedText), t.Depth, string(t.Status)).Scan(&t.CreatedAt)
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.q.QueryRowContext(ctx, `
        SELECT id, conversation_id, coalesce(parent_thread_id, ''), coalesce(parent_message_id, ''),
               coalesce(highlighted_text, ''), depth, status, merged_at, created_at
        FROM threads WHERE id = $1
    `, id)
	return scanThread(row)
}

func (s *PostgresStore) ListThreads(ctx context.Context, conversationID string) ([]*Thread, error) {
	rows, err := s.q.QueryContext(ctx, `
        SELECT id, conversation_id, coalesce(parent_thread_id, ''), coalesce(parent_message_id, ''),
               coalesce(highlighted_text, ''), depth, status, merged_at, created_at
        FROM threads WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC
    `, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Thread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActiveThreadRefs(ctx context.Context, conversationID string) ([]ThreadRef, error) {
	rows, err := s.q.QueryContext(ctx, `
        SELECT id, coalesce(parent_thread_id, '')
        FROM threads WHERE conversation_id = $1 AND status = 'ACTIVE'
    `, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ThreadRef, 0)
	for rows.Next() {
		var ref ThreadRef
		if err := rows.Scan(&ref.ID, &ref.ParentThreadID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkThreadMerged(ctx context.Context, id string, mergedAt time.Time) error {
	res, err := s.q.ExecContext(ctx, `
        UPDATE threads SET status = 'MERGED', merged_at = $1 WHERE id = $2
    `, mergedAt, id)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *PostgresStore) BulkArchiveThreads(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `
        UPDATE threads SET status = 'ARCHIVED' WHERE id = ANY($1)
    `, pq.Array(ids))
	return err
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	return s.q.QueryRowContext(ctx, `
        INSERT INTO messages (id, thread_id, role, content, created_at)
        VALUES ($1, $2, $3, $4, coalesce($5, now()))
        RETURNING seq, created_at
    `, m.ID, m.ThreadID, string(m.Role), m.Content, nullIfZeroTime(m.CreatedAt)).Scan(&m.Seq, &m.CreatedAt)
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	return s.queryMessages(ctx, `
        SELECT id, thread_id, role, content, created_at, seq
        FROM messages WHERE thread_id = $1 ORDER BY created_at ASC, seq ASC
    `, threadID)
}

func (s *PostgresStore) LatestMessage(ctx context.Context, threadID string) (*Message, error) {
	row := s.q.QueryRowContext(ctx, `
        SELECT id, thread_id, role, content, created_at, seq
        FROM messages WHERE thread_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1
    `, threadID)
	var m Message
	var role string
	if err := row.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.CreatedAt, &m.Seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Role = Role(role)
	return &m, nil
}

func (s *PostgresStore) ListRecentMessages(ctx context.Context, threadID string, limit int) ([]*Message, error) {
	msgs, err := s.queryMessages(ctx, `
        SELECT id, thread_id, role, content, created_at, seq FROM (
            SELECT id, thread_id, role, content, created_at, seq
            FROM messages WHERE thread_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2
        ) recent ORDER BY created_at ASC, seq ASC
    `, threadID, limit)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Message, 0)
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.CreatedAt, &m.Seq); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMergeEvent(ctx context.Context, ev *MergeEvent) error {
	return s.q.QueryRowContext(ctx, `
        INSERT INTO merge_events (id, source_thread_id, target_thread_id, after_message_id, summary)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING seq, created_at
    `, ev.ID, ev.SourceThreadID, ev.TargetThreadID, ev.AfterMessageID, nullIfEmpty(ev.Summary)).Scan(&ev.Seq, &ev.CreatedAt)
}

func (s *PostgresStore) ListMergeEventsByTarget(ctx context.Context, targetThreadID string) ([]*MergeEvent, error) {
	rows, err := s.q.QueryContext(ctx, `
        SELECT id, source_thread_id, target_thread_id, after_message_id, coalesce(summary, ''), created_at, seq
        FROM merge_events WHERE target_thread_id = $1 ORDER BY seq ASC
    `, targetThreadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*MergeEvent, 0)
	for rows.Next() {
		var ev MergeEvent
		if err := rows.Scan(&ev.ID, &ev.SourceThreadID, &ev.TargetThreadID, &ev.AfterMessageID, &ev.Summary, &ev.CreatedAt, &ev.Seq); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetMergeEventSummary(ctx context.Context, id, summary string) error {
	// Single permitted backfill: only fills a NULL summary.
	_, err := s.q.ExecContext(ctx, `
        UPDATE merge_events SET summary = $1 WHERE id = $2 AND summary IS NULL
    `, summary, id)
	return err
}

func scanThread(scanner interface{ Scan(dest ...any) error }) (*Thread, error) {
	var t Thread
	var status string
	var mergedAt sql.NullTime
	if err := scanner.Scan(&t.ID, &t.ConversationID, &t.ParentThreadID, &t.ParentMessageID,
		&t.HighlightedText, &t.Depth, &status, &mergedAt, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = Status(status)
	if mergedAt.Valid {
		at := mergedAt.Time
		t.MergedAt = &at
	}
	return &t, nil
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZeroTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
