// Package assembler reconstructs the flat, ordered message sequence a model
// call needs for a given thread: the inherited parent prefix, the thread's
// own messages, and merged-tangent context spliced in at the recorded merge
// points.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/tangenthq/tangent/internal/thread"
)

// DefaultRecentLimit caps how many trailing messages of a merged tangent are
// spliced into the target's context, to bound prompt size.
const DefaultRecentLimit = 8

// Message is one entry of assembled model context. Roles are lowercased on
// the way out ("user", "assistant", "system").
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Assembler is read-only over the store and safe for concurrent use;
// BuildContext is pure given the store state.
type Assembler struct {
	store       thread.Store
	recentLimit int
}

func New(store thread.Store) *Assembler {
	return &Assembler{store: store, recentLimit: DefaultRecentLimit}
}

// BuildContext returns the ordered context for threadID.
//
// Inheritance is deliberately one level deep: a tangent prepends its
// immediate parent's messages up to the fork anchor, but not the
// grandparent's. Deeper ancestry was already in play when the parent itself
// was generated against, and the single-level read keeps prompts bounded at
// depth >= 2.
func (a *Assembler) BuildContext(ctx context.Context, threadID string) ([]Message, error) {
	t, err := a.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	own, err := a.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	events, err := a.store.ListMergeEventsByTarget(ctx, threadID)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(own))

	if t.ParentThreadID != "" && t.ParentMessageID != "" {
		parentMsgs, err := a.store.ListMessages(ctx, t.ParentThreadID)
		if err != nil {
			return nil, err
		}
		for _, m := range prefixThrough(parentMsgs, t.ParentMessageID) {
			out = append(out, toContext(m))
		}
		if t.HighlightedText != "" {
			out = append(out, Message{
				Role: "system",
				Content: fmt.Sprintf("[Tangent thread opened. The user highlighted the following text to explore further: %q. "+
					"Focus your responses on this topic.]", t.HighlightedText),
			})
		}
	}

	// Merged tangent context keyed by splice point, in merge-event creation
	// order when several events share an anchor.
	splices := make(map[string][]Message)
	for _, ev := range events {
		recent, err := a.store.ListRecentMessages(ctx, ev.SourceThreadID, a.recentLimit)
		if err != nil {
			return nil, err
		}
		chunk := splices[ev.AfterMessageID]
		if ev.Summary != "" {
			chunk = append(chunk, Message{Role: "system", Content: fmt.Sprintf("[Merged tangent thread summary: %s]", ev.Summary)})
		}
		for _, m := range recent {
			chunk = append(chunk, toContext(m))
		}
		chunk = append(chunk, Message{Role: "system", Content: "[End of merged tangent thread context.]"})
		splices[ev.AfterMessageID] = chunk
	}

	for _, m := range own {
		out = append(out, toContext(m))
		if chunk, ok := splices[m.ID]; ok {
			out = append(out, chunk...)
		}
	}
	return out, nil
}

// prefixThrough cuts msgs at the anchor id, inclusive. An anchor that is no
// longer present yields an empty prefix rather than the whole parent.
func prefixThrough(msgs []*thread.Message, anchorID string) []*thread.Message {
	for i, m := range msgs {
		if m.ID == anchorID {
			return msgs[:i+1]
		}
	}
	return nil
}

func toContext(m *thread.Message) Message {
	return Message{Role: strings.ToLower(string(m.Role)), Content: m.Content}
}
