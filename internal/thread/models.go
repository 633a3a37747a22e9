package thread

import "time"

// Status is the lifecycle state of a thread. ACTIVE threads can be forked
// from, merged, or archived; MERGED and ARCHIVED are terminal.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusMerged   Status = "MERGED"
	StatusArchived Status = "ARCHIVED"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
)

// Conversation owns a forest of threads rooted at its main thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Thread is one branch of a conversation. The main thread has no parent and
// depth 0; tangents carry the parent pointer, the anchor message in the
// parent, and the highlighted span they were forked from.
//
// Empty string means NULL for ParentThreadID, ParentMessageID and
// HighlightedText.
type Thread struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	ParentThreadID  string     `json:"parent_thread_id,omitempty"`
	ParentMessageID string     `json:"parent_message_id,omitempty"`
	HighlightedText string     `json:"highlighted_text,omitempty"`
	Depth           int        `json:"depth"`
	Status          Status     `json:"status"`
	MergedAt        *time.Time `json:"merged_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// IsRoot reports whether this is the conversation's main thread.
func (t *Thread) IsRoot() bool { return t.ParentThreadID == "" }

// Message is an immutable entry in a thread. Ordering is by CreatedAt with
// Seq breaking ties in insertion order (branch copies share timestamps).
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"-"`
}

// MergeEvent records that a source thread was folded into a target thread
// right after AfterMessageID. Immutable except for a single backfill of
// Summary from empty to a generated value.
type MergeEvent struct {
	ID             string    `json:"id"`
	SourceThreadID string    `json:"source_thread_id"`
	TargetThreadID string    `json:"target_thread_id"`
	AfterMessageID string    `json:"after_message_id"`
	Summary        string    `json:"summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Seq            int64     `json:"-"`
}

// ThreadRef is the slim id/parent pair returned by the bulk ACTIVE-thread
// query used for descendant closure computation.
type ThreadRef struct {
	ID             string
	ParentThreadID string
}
