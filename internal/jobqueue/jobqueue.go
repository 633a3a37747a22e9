/*
Package jobqueue provides a River-based job queue for the best-effort
enrichment work that runs after a lifecycle transaction commits: backfilling
merge-event summaries and refining branched-conversation titles.

Jobs run with MaxAttempts 1. A summary is a single permitted backfill of a
nullable field, not a retryable obligation; a job that fails leaves the
record un-summarized, which is a valid terminal state.
*/
package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/tangenthq/tangent/internal/summary"
	"github.com/tangenthq/tangent/internal/thread"
)

// summaryMessageWindow and summaryContentLen bound what a merge-summary job
// feeds the model: the last N non-system messages, each truncated.
const (
	summaryMessageWindow = 10
	summaryContentLen    = 500
)

// MergeSummaryArgs asks for a summary of a freshly merged tangent.
type MergeSummaryArgs struct {
	MergeEventID   string `json:"merge_event_id"`
	SourceThreadID string `json:"source_thread_id"`
}

func (MergeSummaryArgs) Kind() string { return "merge_summary" }

func (MergeSummaryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// BranchTitleArgs asks for a refined title for a branched conversation.
type BranchTitleArgs struct {
	ConversationID  string `json:"conversation_id"`
	HighlightedText string `json:"highlighted_text"`
}

func (BranchTitleArgs) Kind() string { return "branch_title" }

func (BranchTitleArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// MergeSummaryWorker generates and backfills a merge-event summary.
type MergeSummaryWorker struct {
	river.WorkerDefaults[MergeSummaryArgs]
	store     thread.Store
	generator summary.Generator
}

func (w *MergeSummaryWorker) Work(ctx context.Context, job *river.Job[MergeSummaryArgs]) error {
	args := job.Args

	msgs, err := w.store.ListMessages(ctx, args.SourceThreadID)
	if err != nil {
		return fmt.Errorf("failed to load source thread messages: %w", err)
	}

	input := make([]summary.Message, 0, summaryMessageWindow)
	for _, m := range msgs {
		if m.Role == thread.RoleSystem {
			continue
		}
		input = append(input, summary.Message{Role: string(m.Role), Content: clampContent(m.Content)})
	}
	if len(input) > summaryMessageWindow {
		input = input[len(input)-summaryMessageWindow:]
	}

	text := "Empty tangent thread"
	if len(input) > 0 {
		text, err = w.generator.Summarize(ctx, input)
		if err != nil {
			// The merge itself is committed and valid; the event simply keeps
			// a null summary and the UI renders a generic indicator.
			log.Warn().Err(err).Str("merge_event_id", args.MergeEventID).Msg("Merge summary generation failed")
			return err
		}
	}

	if err := w.store.SetMergeEventSummary(ctx, args.MergeEventID, text); err != nil {
		return fmt.Errorf("failed to backfill merge summary: %w", err)
	}
	log.Info().Str("merge_event_id", args.MergeEventID).Msg("Backfilled merge summary")
	return nil
}

// BranchTitleWorker refines the provisional highlighted-text title of a
// branched conversation.
type BranchTitleWorker struct {
	river.WorkerDefaults[BranchTitleArgs]
	store     thread.Store
	generator summary.Generator
}

func (w *BranchTitleWorker) Work(ctx context.Context, job *river.Job[BranchTitleArgs]) error {
	args := job.Args

	title, err := w.generator.TitleFor(ctx, args.HighlightedText)
	if err != nil {
		// The truncated highlighted-text title set at branch time stands.
		log.Warn().Err(err).Str("conversation_id", args.ConversationID).Msg("Branch title generation failed")
		return err
	}
	if title == "" {
		return nil
	}
	if err := w.store.UpdateConversationTitle(ctx, args.ConversationID, title); err != nil {
		return fmt.Errorf("failed to update branched conversation title: %w", err)
	}
	log.Info().Str("conversation_id", args.ConversationID).Str("title", title).Msg("Refined branch title")
	return nil
}

// JobQueue manages the River client and implements thread.SummaryQueue.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates the queue with its workers registered.
func NewJobQueue(databaseURL string, store thread.Store, generator summary.Generator) (*JobQueue, error) {
	config := DefaultQueueConfig()

	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &MergeSummaryWorker{store: store, generator: generator})
	river.AddWorker(workers, &BranchTitleWorker{store: store, generator: generator})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:     config.RiverQueueConfig(),
		Workers:    workers,
		JobTimeout: config.JobTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{client: client, pool: pool, config: config}, nil
}

// Start starts the job queue workers.
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and releases the pool.
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// EnqueueMergeSummary queues a merge-summary backfill job.
func (jq *JobQueue) EnqueueMergeSummary(ctx context.Context, mergeEventID, sourceThreadID string) error {
	_, err := jq.client.Insert(ctx, MergeSummaryArgs{
		MergeEventID:   mergeEventID,
		SourceThreadID: sourceThreadID,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to queue merge summary job: %w", err)
	}
	return nil
}

// EnqueueBranchTitle queues a branch-title refinement job.
func (jq *JobQueue) EnqueueBranchTitle(ctx context.Context, conversationID, highlightedText string) error {
	_, err := jq.client.Insert(ctx, BranchTitleArgs{
		ConversationID:  conversationID,
		HighlightedText: highlightedText,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to queue branch title job: %w", err)
	}
	return nil
}

func clampContent(s string) string {
	r := []rune(s)
	if len(r) <= summaryContentLen {
		return s
	}
	return string(r[:summaryContentLen])
}
