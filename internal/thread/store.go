package thread

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the persistence boundary for conversations, threads, messages and
// merge events. Lifecycle operations that must be atomic run inside WithTx;
// the store passed to fn applies every write in one transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(Store) error) error

	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	TouchConversation(ctx context.Context, id string) error
	DeleteMergeEventsForConversation(ctx context.Context, conversationID string) error
	DetachThreads(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, id string) error

	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, conversationID string) ([]*Thread, error)
	ListActiveThreadRefs(ctx context.Context, conversationID string) ([]ThreadRef, error)
	MarkThreadMerged(ctx context.Context, id string, mergedAt time.Time) error
	BulkArchiveThreads(ctx context.Context, ids []string) error

	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, threadID string) ([]*Message, error)
	LatestMessage(ctx context.Context, threadID string) (*Message, error)
	ListRecentMessages(ctx context.Context, threadID string, limit int) ([]*Message, error)

	CreateMergeEvent(ctx context.Context, ev *MergeEvent) error
	ListMergeEventsByTarget(ctx context.Context, targetThreadID string) ([]*MergeEvent, error)
	SetMergeEventSummary(ctx context.Context, id, summary string) error
}

// InMemoryStore is a threadsafe in-memory store for tests. WithTx snapshots
// the full state and restores it when fn fails, so transactional rollback
// behavior is observable without Postgres.
type InMemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	conversations map[string]*Conversation
	threads       map[string]*Thread
	messages      map[string][]*Message
	mergeEvents   []*MergeEvent
	seq           int64
	now           func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*Conversation),
		threads:       make(map[string]*Thread),
		messages:      make(map[string][]*Message),
		now:           time.Now,
	}
}

type memSnapshot struct {
	conversations map[string]*Conversation
	threads       map[string]*Thread
	messages      map[string][]*Message
	mergeEvents   []*MergeEvent
	seq           int64
}

func (s *InMemoryStore) snapshot() memSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := memSnapshot{
		conversations: make(map[string]*Conversation, len(s.conversations)),
		threads:       make(map[string]*Thread, len(s.threads)),
		messages:      make(map[string][]*Message, len(s.messages)),
		mergeEvents:   make([]*MergeEvent, 0, len(s.mergeEvents)),
		seq:           s.seq,
	}
	for id, c := range s.conversations {
		snap.conversations[id] = cloneConversation(c)
	}
	for id, t := range s.threads {
		snap.threads[id] = cloneThread(t)
	}
	for tid, msgs := range s.messages {
		cp := make([]*Message, 0, len(msgs))
		for _, m := range msgs {
			cp = append(cp, cloneMessage(m))
		}
		snap.messages[tid] = cp
	}
	for _, ev := range s.mergeEvents {
		snap.mergeEvents = append(snap.mergeEvents, cloneMergeEvent(ev))
	}
	return snap
}

func (s *InMemoryStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = snap.conversations
	s.threads = snap.threads
	s.messages = snap.messages
	s.mergeEvents = snap.mergeEvents
	s.seq = snap.seq
}

func (s *InMemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *InMemoryStore) CreateConversation(ctx context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = c.CreatedAt
	s.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *InMemoryStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) TouchConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) DeleteMergeEventsForConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.mergeEvents[:0]
	for _, ev := range s.mergeEvents {
		src, okSrc := s.threads[ev.SourceThreadID]
		tgt, okTgt := s.threads[ev.TargetThreadID]
		if (okSrc && src.ConversationID == conversationID) || (okTgt && tgt.ConversationID == conversationID) {
			continue
		}
		kept = append(kept, ev)
	}
	s.mergeEvents = kept
	return nil
}

func (s *InMemoryStore) DetachThreads(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.ConversationID == conversationID {
			t.ParentThreadID = ""
			t.ParentMessageID = ""
		}
	}
	return nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	for tid, t := range s.threads {
		if t.ConversationID == id {
			delete(s.threads, tid)
			delete(s.messages, tid)
		}
	}
	return nil
}

func (s *InMemoryStore) CreateThread(ctx context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	s.threads[t.ID] = cloneThread(t)
	return nil
}

func (s *InMemoryStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(t), nil
}

func (s *InMemoryStore) ListThreads(ctx context.Context, conversationID string) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Thread, 0)
	for _, t := range s.threads {
		if t.ConversationID == conversationID {
			out = append(out, cloneThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) ListActiveThreadRefs(ctx context.Context, conversationID string) ([]ThreadRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ThreadRef, 0)
	for _, t := range s.threads {
		if t.ConversationID == conversationID && t.Status == StatusActive {
			out = append(out, ThreadRef{ID: t.ID, ParentThreadID: t.ParentThreadID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) MarkThreadMerged(ctx context.Context, id string, mergedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = StatusMerged
	at := mergedAt
	t.MergedAt = &at
	return nil
}

func (s *InMemoryStore) BulkArchiveThreads(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if t, ok := s.threads[id]; ok {
			t.Status = StatusArchived
		}
	}
	return nil
}

func (s *InMemoryStore) CreateMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[m.ThreadID]; !ok {
		return ErrNotFound
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.seq++
	m.Seq = s.seq
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], cloneMessage(m))
	return nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedMessagesLocked(threadID), nil
}

func (s *InMemoryStore) LatestMessage(ctx context.Context, threadID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.sortedMessagesLocked(threadID)
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[len(msgs)-1], nil
}

func (s *InMemoryStore) ListRecentMessages(ctx context.Context, threadID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.sortedMessagesLocked(threadID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// sortedMessagesLocked returns clones ordered by (CreatedAt, Seq) ascending.
func (s *InMemoryStore) sortedMessagesLocked(threadID string) []*Message {
	src := s.messages[threadID]
	out := make([]*Message, 0, len(src))
	for _, m := range src {
		out = append(out, cloneMessage(m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *InMemoryStore) CreateMergeEvent(ctx context.Context, ev *MergeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	s.seq++
	ev.Seq = s.seq
	s.mergeEvents = append(s.mergeEvents, cloneMergeEvent(ev))
	return nil
}

func (s *InMemoryStore) ListMergeEventsByTarget(ctx context.Context, targetThreadID string) ([]*MergeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MergeEvent, 0)
	for _, ev := range s.mergeEvents {
		if ev.TargetThreadID == targetThreadID {
			out = append(out, cloneMergeEvent(ev))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *InMemoryStore) SetMergeEventSummary(ctx context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.mergeEvents {
		if ev.ID == id {
			// Single permitted backfill: never overwrite an existing summary.
			if ev.Summary == "" {
				ev.Summary = summary
			}
			return nil
		}
	}
	return ErrNotFound
}

func cloneConversation(c *Conversation) *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func cloneThread(t *Thread) *Thread {
	if t == nil {
		return nil
	}
	cp := *t
	if t.MergedAt != nil {
		at := *t.MergedAt
		cp.MergedAt = &at
	}
	return &cp
}

func cloneMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

func cloneMergeEvent(ev *MergeEvent) *MergeEvent {
	if ev == nil {
		return nil
	}
	cp := *ev
	return &cp
}
