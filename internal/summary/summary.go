// Package summary wraps the external text-summarization model behind a
// small interface so lifecycle code never depends on an AI SDK directly.
package summary

import "context"

// Message is a role/content pair handed to the generator. Inputs may be
// truncated or capped by the caller; implementations must tolerate that.
type Message struct {
	Role    string
	Content string
}

// Generator produces the short human-readable strings attached to merge
// events and branched conversations. Errors are always recoverable for the
// caller: a failed call means "no summary", never a failed merge or branch.
type Generator interface {
	// Summarize condenses a tangent conversation into one short sentence
	// (target <= 80 characters).
	Summarize(ctx context.Context, messages []Message) (string, error)

	// TitleFor writes a short conversation title for a highlighted span.
	TitleFor(ctx context.Context, highlightedText string) (string, error)
}
