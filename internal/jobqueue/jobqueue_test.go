package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangenthq/tangent/internal/summary"
	"github.com/tangenthq/tangent/internal/thread"
)

type stubGenerator struct {
	summarized [][]summary.Message
	summaryOut string
	titleOut   string
	err        error
}

func (g *stubGenerator) Summarize(ctx context.Context, messages []summary.Message) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	g.summarized = append(g.summarized, messages)
	return g.summaryOut, nil
}

func (g *stubGenerator) TitleFor(ctx context.Context, highlightedText string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.titleOut, nil
}

// seedMergedTangent creates a conversation with one merged tangent and
// returns the store, the merge event, and the tangent id.
func seedMergedTangent(t *testing.T, extraMessages int) (*thread.InMemoryStore, *thread.MergeEvent, string) {
	t.Helper()
	store := thread.NewInMemoryStore()
	svc := thread.NewService(store, nil)
	ctx := context.Background()

	_, main, err := svc.CreateConversation(ctx, "user-1", "chat")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, "user-1", main.ID, thread.RoleUser, "hello")
	require.NoError(t, err)

	tangent, err := svc.Fork(ctx, "user-1", main.ID, "hello")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, "user-1", tangent.ID, thread.RoleSystem, "marker")
	require.NoError(t, err)
	for i := 0; i < extraMessages; i++ {
		_, err = svc.AppendMessage(ctx, "user-1", tangent.ID, thread.RoleUser, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	event, err := svc.Merge(ctx, "user-1", tangent.ID)
	require.NoError(t, err)
	return store, event, tangent.ID
}

func TestMergeSummaryWorkerBackfillsSummary(t *testing.T) {
	store, event, tangentID := seedMergedTangent(t, 3)
	gen := &stubGenerator{summaryOut: "Talked about hello"}
	worker := &MergeSummaryWorker{store: store, generator: gen}

	err := worker.Work(context.Background(), &river.Job[MergeSummaryArgs]{
		Args: MergeSummaryArgs{MergeEventID: event.ID, SourceThreadID: tangentID},
	})
	require.NoError(t, err)

	events, err := store.ListMergeEventsByTarget(context.Background(), event.TargetThreadID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Talked about hello", events[0].Summary)

	// SYSTEM messages never reach the generator.
	require.Len(t, gen.summarized, 1)
	for _, m := range gen.summarized[0] {
		assert.NotEqual(t, string(thread.RoleSystem), m.Role)
	}
}

func TestMergeSummaryWorkerCapsWindow(t *testing.T) {
	store, event, tangentID := seedMergedTangent(t, summaryMessageWindow+5)
	gen := &stubGenerator{summaryOut: "capped"}
	worker := &MergeSummaryWorker{store: store, generator: gen}

	err := worker.Work(context.Background(), &river.Job[MergeSummaryArgs]{
		Args: MergeSummaryArgs{MergeEventID: event.ID, SourceThreadID: tangentID},
	})
	require.NoError(t, err)

	require.Len(t, gen.summarized, 1)
	assert.Len(t, gen.summarized[0], summaryMessageWindow)
	// The window keeps the most recent messages.
	last := gen.summarized[0][summaryMessageWindow-1]
	assert.Equal(t, fmt.Sprintf("message %d", summaryMessageWindow+4), last.Content)
}

func TestMergeSummaryWorkerEmptyTangent(t *testing.T) {
	store, event, tangentID := seedMergedTangent(t, 0)
	gen := &stubGenerator{summaryOut: "should not be used"}
	worker := &MergeSummaryWorker{store: store, generator: gen}

	err := worker.Work(context.Background(), &river.Job[MergeSummaryArgs]{
		Args: MergeSummaryArgs{MergeEventID: event.ID, SourceThreadID: tangentID},
	})
	require.NoError(t, err)

	events, err := store.ListMergeEventsByTarget(context.Background(), event.TargetThreadID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Empty tangent thread", events[0].Summary)
	assert.Empty(t, gen.summarized)
}

func TestMergeSummaryWorkerLeavesSummaryNullOnFailure(t *testing.T) {
	store, event, tangentID := seedMergedTangent(t, 2)
	worker := &MergeSummaryWorker{store: store, generator: &stubGenerator{err: errors.New("model down")}}

	err := worker.Work(context.Background(), &river.Job[MergeSummaryArgs]{
		Args: MergeSummaryArgs{MergeEventID: event.ID, SourceThreadID: tangentID},
	})
	require.Error(t, err)

	events, err := store.ListMergeEventsByTarget(context.Background(), event.TargetThreadID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Summary)
}

func TestBranchTitleWorkerUpdatesTitle(t *testing.T) {
	store := thread.NewInMemoryStore()
	svc := thread.NewService(store, nil)
	ctx := context.Background()
	conv, _, err := svc.CreateConversation(ctx, "user-1", "provisional")
	require.NoError(t, err)

	worker := &BranchTitleWorker{store: store, generator: &stubGenerator{titleOut: "Refined Title"}}
	err = worker.Work(ctx, &river.Job[BranchTitleArgs]{
		Args: BranchTitleArgs{ConversationID: conv.ID, HighlightedText: "some highlight"},
	})
	require.NoError(t, err)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Refined Title", got.Title)
}

func TestBranchTitleWorkerKeepsProvisionalTitleOnFailure(t *testing.T) {
	store := thread.NewInMemoryStore()
	svc := thread.NewService(store, nil)
	ctx := context.Background()
	conv, _, err := svc.CreateConversation(ctx, "user-1", "provisional")
	require.NoError(t, err)

	worker := &BranchTitleWorker{store: store, generator: &stubGenerator{err: errors.New("model down")}}
	err = worker.Work(ctx, &river.Job[BranchTitleArgs]{
		Args: BranchTitleArgs{ConversationID: conv.ID, HighlightedText: "some highlight"},
	})
	require.Error(t, err)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "provisional", got.Title)
}

func TestJobArgsRunOnce(t *testing.T) {
	assert.Equal(t, 1, MergeSummaryArgs{}.InsertOpts().MaxAttempts)
	assert.Equal(t, 1, BranchTitleArgs{}.InsertOpts().MaxAttempts)
	assert.Equal(t, "merge_summary", MergeSummaryArgs{}.Kind())
	assert.Equal(t, "branch_title", BranchTitleArgs{}.Kind())
}

func TestClampContentIsRuneSafe(t *testing.T) {
	long := strings.Repeat("é", summaryContentLen+10)
	got := clampContent(long)
	assert.Equal(t, summaryContentLen, len([]rune(got)))
}
