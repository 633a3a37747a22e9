package thread

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Input bounds mirrored by the HTTP validators.
const (
	MaxHighlightedTextLen = 5000
	MaxMessageContentLen  = 50000
	MaxTitleLen           = 200

	// Derived branch titles are truncated harder so the sidebar stays readable.
	branchTitleLen = 50

	DefaultConversationTitle = "New Conversation"
	defaultBranchTitle       = "Branched conversation"
)

// SummaryQueue enqueues the best-effort post-commit enrichment work. A failed
// or never-run job leaves the record without a summary, which is a valid
// terminal state.
type SummaryQueue interface {
	EnqueueMergeSummary(ctx context.Context, mergeEventID, sourceThreadID string) error
	EnqueueBranchTitle(ctx context.Context, conversationID, highlightedText string) error
}

// NopQueue drops all enrichment work. Used when no AI backend is configured.
type NopQueue struct{}

func (NopQueue) EnqueueMergeSummary(ctx context.Context, mergeEventID, sourceThreadID string) error {
	return nil
}
func (NopQueue) EnqueueBranchTitle(ctx context.Context, conversationID, highlightedText string) error {
	return nil
}

// Service implements the thread-tree lifecycle: fork, merge, archive and
// branch, with their cascades. All structural changes commit atomically;
// summary generation happens after commit via the SummaryQueue.
type Service struct {
	store Store
	queue SummaryQueue
	now   func() time.Time
}

func NewService(store Store, queue SummaryQueue) *Service {
	if queue == nil {
		queue = NopQueue{}
	}
	return &Service{store: store, queue: queue, now: time.Now}
}

// CreateConversation creates a conversation together with its main thread.
func (s *Service) CreateConversation(ctx context.Context, userID, title string) (*Conversation, *Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultConversationTitle
	}
	if len(title) > MaxTitleLen {
		return nil, nil, fmt.Errorf("%w: title exceeds %d characters", ErrValidation, MaxTitleLen)
	}
	conv := &Conversation{ID: uuid.NewString(), UserID: userID, Title: title}
	main := &Thread{ID: uuid.NewString(), Depth: 0, Status: StatusActive}
	err := s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return err
		}
		main.ConversationID = conv.ID
		return tx.CreateThread(ctx, main)
	})
	if err != nil {
		return nil, nil, err
	}
	return conv, main, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	return s.store.ListConversations(ctx, userID)
}

// GetTree returns a conversation with all of its threads in creation order.
func (s *Service) GetTree(ctx context.Context, userID, conversationID string) (*Conversation, []*Thread, error) {
	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	threads, err := s.store.ListThreads(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, threads, nil
}

func (s *Service) RenameConversation(ctx context.Context, userID, conversationID, title string) (*Conversation, error) {
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" || len(title) > MaxTitleLen {
		return nil, fmt.Errorf("%w: title must be 1-%d characters", ErrValidation, MaxTitleLen)
	}
	if err := s.store.UpdateConversationTitle(ctx, conversationID, title); err != nil {
		return nil, err
	}
	return s.store.GetConversation(ctx, conversationID)
}

// DeleteConversation removes a conversation and everything it owns. The
// delete is two-phase: drop merge events, null the self-referential thread
// pointers, then delete the conversation and let the cascade take threads
// and messages.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.DeleteMergeEventsForConversation(ctx, conversationID); err != nil {
			return err
		}
		if err := tx.DetachThreads(ctx, conversationID); err != nil {
			return err
		}
		return tx.DeleteConversation(ctx, conversationID)
	})
}

// Fork opens a new tangent under parentThreadID anchored at the parent's
// most recent message. The anchor is always resolved server-side; message
// ids held by a streaming client may be ephemeral. The parent's status is
// not checked: the anchor is a point-in-time message and remains valid even
// on merged or archived threads.
func (s *Service) Fork(ctx context.Context, userID, parentThreadID, highlightedText string) (*Thread, error) {
	if strings.TrimSpace(highlightedText) == "" {
		return nil, fmt.Errorf("%w: highlighted text is required", ErrValidation)
	}
	if len(highlightedText) > MaxHighlightedTextLen {
		return nil, fmt.Errorf("%w: highlighted text exceeds %d characters", ErrValidation, MaxHighlightedTextLen)
	}
	parent, _, err := s.ownedThread(ctx, userID, parentThreadID)
	if err != nil {
		return nil, err
	}

	anchorID := ""
	if latest, err := s.store.LatestMessage(ctx, parent.ID); err == nil {
		anchorID = latest.ID
	} else if err != ErrNotFound {
		return nil, err
	}

	tangent := &Thread{
		ID:              uuid.NewString(),
		ConversationID:  parent.ConversationID,
		ParentThreadID:  parent.ID,
		ParentMessageID: anchorID,
		HighlightedText: highlightedText,
		Depth:           parent.Depth + 1,
		Status:          StatusActive,
	}
	if err := s.store.CreateThread(ctx, tangent); err != nil {
		return nil, err
	}
	log.Info().
		Str("thread_id", tangent.ID).
		Str("parent_thread_id", parent.ID).
		Int("depth", tangent.Depth).
		Msg("Forked tangent thread")
	return tangent, nil
}

// Merge folds an ACTIVE tangent back into its parent. In one transaction it
// records the merge event at the parent's latest message, marks the source
// MERGED, and archives every ACTIVE descendant of the source (a deeper
// tangent loses its reachable viewing position once its parent is folded
// away). The summary backfill is enqueued only after the commit.
func (s *Service) Merge(ctx context.Context, userID, sourceThreadID string) (*MergeEvent, error) {
	source, _, err := s.ownedThread(ctx, userID, sourceThreadID)
	if err != nil {
		return nil, err
	}
	if source.IsRoot() {
		return nil, fmt.Errorf("%w: cannot merge the main thread", ErrInvalidState)
	}
	if source.Status != StatusActive {
		return nil, fmt.Errorf("%w: thread is already %s", ErrInvalidState, strings.ToLower(string(source.Status)))
	}

	event := &MergeEvent{
		ID:             uuid.NewString(),
		SourceThreadID: source.ID,
		TargetThreadID: source.ParentThreadID,
	}
	err = s.store.WithTx(ctx, func(tx Store) error {
		// Re-read inside the transaction so a concurrent merge/archive that
		// already flipped the status turns into InvalidState, not a double merge.
		cur, err := tx.GetThread(ctx, source.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusActive {
			return fmt.Errorf("%w: thread is already %s", ErrInvalidState, strings.ToLower(string(cur.Status)))
		}

		anchor, err := tx.LatestMessage(ctx, source.ParentThreadID)
		if err == ErrNotFound {
			return fmt.Errorf("%w: parent thread has no messages", ErrInvalidState)
		}
		if err != nil {
			return err
		}
		event.AfterMessageID = anchor.ID

		if err := tx.CreateMergeEvent(ctx, event); err != nil {
			return err
		}
		if err := tx.MarkThreadMerged(ctx, source.ID, s.now()); err != nil {
			return err
		}

		refs, err := tx.ListActiveThreadRefs(ctx, source.ConversationID)
		if err != nil {
			return err
		}
		return tx.BulkArchiveThreads(ctx, descendantClosure(refs, source.ID, false))
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.EnqueueMergeSummary(ctx, event.ID, source.ID); err != nil {
		// Non-fatal: the merge is committed, the UI falls back to a generic indicator.
		log.Warn().Err(err).Str("merge_event_id", event.ID).Msg("Failed to enqueue merge summary")
	}
	log.Info().
		Str("source_thread_id", source.ID).
		Str("target_thread_id", source.ParentThreadID).
		Msg("Merged tangent thread")
	return event, nil
}

// Archive retires a tangent and all of its ACTIVE descendants without
// merging. Archiving a thread that already left ACTIVE is a no-op returning
// an empty set, so retried close requests never error.
func (s *Service) Archive(ctx context.Context, userID, threadID string) ([]string, error) {
	target, _, err := s.ownedThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if target.IsRoot() {
		return nil, fmt.Errorf("%w: cannot archive the main thread", ErrInvalidState)
	}
	if target.Status != StatusActive {
		return []string{}, nil
	}

	var archived []string
	err = s.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.GetThread(ctx, target.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusActive {
			archived = []string{}
			return nil
		}
		refs, err := tx.ListActiveThreadRefs(ctx, target.ConversationID)
		if err != nil {
			return err
		}
		archived = descendantClosure(refs, target.ID, true)
		return tx.BulkArchiveThreads(ctx, archived)
	})
	if err != nil {
		return nil, err
	}
	if len(archived) > 0 {
		log.Info().Str("thread_id", threadID).Int("archived", len(archived)).Msg("Archived tangent subtree")
	}
	return archived, nil
}

// Branch copies a thread's non-SYSTEM messages into a brand-new standalone
// conversation, prefixed by a synthetic preamble that records the branch
// origin. Merge events that targeted the source are replicated with their
// anchors remapped positionally; an event anchored on a filtered SYSTEM
// message cannot be remapped and is dropped. The source thread itself is
// left untouched — callers archive it separately.
func (s *Service) Branch(ctx context.Context, userID, sourceThreadID string) (*Conversation, error) {
	source, _, err := s.ownedThread(ctx, userID, sourceThreadID)
	if err != nil {
		return nil, err
	}
	sourceMessages, err := s.store.ListMessages(ctx, source.ID)
	if err != nil {
		return nil, err
	}
	sourceEvents, err := s.store.ListMergeEventsByTarget(ctx, source.ID)
	if err != nil {
		return nil, err
	}

	title := defaultBranchTitle
	if source.HighlightedText != "" {
		title = truncate(source.HighlightedText, branchTitleLen)
	}

	conv := &Conversation{ID: uuid.NewString(), UserID: userID, Title: title}
	root := &Thread{ID: uuid.NewString(), ConversationID: conv.ID, Depth: 0, Status: StatusActive}

	copied := make([]*Message, 0, len(sourceMessages))
	idMap := make(map[string]string, len(sourceMessages))
	for _, m := range sourceMessages {
		if m.Role == RoleSystem {
			continue
		}
		cp := &Message{
			ID:        uuid.NewString(),
			ThreadID:  root.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
		idMap[m.ID] = cp.ID
		copied = append(copied, cp)
	}

	// Preamble timestamps anchor strictly before the first copied message so
	// createdAt ordering keeps the callout on top without touching originals.
	var preamble []*Message
	if source.HighlightedText != "" {
		first := s.now()
		if len(copied) > 0 {
			first = copied[0].CreatedAt
		}
		preamble = []*Message{
			{
				ID:       uuid.NewString(),
				ThreadID: root.ID,
				Role:     RoleSystem,
				Content: fmt.Sprintf("This conversation was branched from a parent discussion to explore the following highlighted text: %q. "+
					"The messages below are from the original tangent thread.", source.HighlightedText),
				CreatedAt: first.Add(-2 * time.Second),
			},
			{
				ID:        uuid.NewString(),
				ThreadID:  root.ID,
				Role:      RoleAssistant,
				Content:   fmt.Sprintf("> **Branched from:** \"%s\"", strings.ReplaceAll(source.HighlightedText, "\n", "\n> ")),
				CreatedAt: first.Add(-1 * time.Second),
			},
		}
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return err
		}
		if err := tx.CreateThread(ctx, root); err != nil {
			return err
		}
		for _, m := range append(preamble, copied...) {
			if err := tx.CreateMessage(ctx, m); err != nil {
				return err
			}
		}
		for _, ev := range sourceEvents {
			newAnchor, ok := idMap[ev.AfterMessageID]
			if !ok {
				continue
			}
			replica := &MergeEvent{
				ID:             uuid.NewString(),
				SourceThreadID: ev.SourceThreadID,
				TargetThreadID: root.ID,
				AfterMessageID: newAnchor,
				Summary:        ev.Summary,
			}
			if err := tx.CreateMergeEvent(ctx, replica); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if source.HighlightedText != "" {
		if err := s.queue.EnqueueBranchTitle(ctx, conv.ID, source.HighlightedText); err != nil {
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Failed to enqueue branch title refinement")
		}
	}
	log.Info().
		Str("source_thread_id", source.ID).
		Str("conversation_id", conv.ID).
		Int("messages", len(preamble)+len(copied)).
		Msg("Branched thread into standalone conversation")
	return conv, nil
}

// AppendMessage appends an immutable message to a thread and bumps the
// owning conversation's updated_at.
func (s *Service) AppendMessage(ctx context.Context, userID, threadID string, role Role, content string) (*Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	if len(content) > MaxMessageContentLen {
		return nil, fmt.Errorf("%w: content exceeds %d characters", ErrValidation, MaxMessageContentLen)
	}
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	target, _, err := s.ownedThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	msg := &Message{ID: uuid.NewString(), ThreadID: target.ID, Role: role, Content: content}
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		return tx.TouchConversation(ctx, target.ConversationID)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetThreadMessages returns a thread's messages in ascending order.
func (s *Service) GetThreadMessages(ctx context.Context, userID, threadID string) ([]*Message, error) {
	if _, _, err := s.ownedThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, threadID)
}

// GetThreadMergeEvents returns merge events targeting a thread in creation order.
func (s *Service) GetThreadMergeEvents(ctx context.Context, userID, threadID string) ([]*MergeEvent, error) {
	if _, _, err := s.ownedThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return s.store.ListMergeEventsByTarget(ctx, threadID)
}

// GetThread returns a single owned thread.
func (s *Service) GetThread(ctx context.Context, userID, threadID string) (*Thread, error) {
	t, _, err := s.ownedThread(ctx, userID, threadID)
	return t, err
}

func (s *Service) ownedConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		// Indistinguishable from absent on purpose.
		return nil, ErrNotFound
	}
	return conv, nil
}

func (s *Service) ownedThread(ctx context.Context, userID, threadID string) (*Thread, *Conversation, error) {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.ownedConversation(ctx, userID, t.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return t, conv, nil
}

// descendantClosure walks the ACTIVE thread refs of a conversation and
// returns the ids reachable from rootID via parent pointers, breadth-first.
// One bulk query plus this in-memory walk replaces per-level queries so deep
// trees stay cheap.
func descendantClosure(refs []ThreadRef, rootID string, includeSelf bool) []string {
	children := make(map[string][]string, len(refs))
	for _, ref := range refs {
		if ref.ParentThreadID != "" {
			children[ref.ParentThreadID] = append(children[ref.ParentThreadID], ref.ID)
		}
	}
	out := make([]string, 0)
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id != rootID || includeSelf {
			out = append(out, id)
		}
		queue = append(queue, children[id]...)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
