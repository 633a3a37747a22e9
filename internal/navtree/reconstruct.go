package navtree

// ThreadNode is the slim view of a stored thread needed to rebuild tangent
// state from a server snapshot.
type ThreadNode struct {
	ID              string
	ParentThreadID  string // empty for the main thread
	ParentMessageID string
	HighlightedText string
	Depth           int
	Active          bool
}

// Reconstruct rebuilds the open-tangent list from a flat thread snapshot.
// Only ACTIVE non-root threads whose entire ancestor chain up to the main
// thread is itself ACTIVE survive: a tangent hanging off a merged or
// archived ancestor has no reachable panel to appear in. A visited set
// guards against malformed cycles in the input. Parents that are the main
// thread are rewritten to the root sentinel.
//
// Output preserves input order, so feeding it to Hydrate keeps the
// last-one-wins active-child defaulting aligned with creation time.
func Reconstruct(nodes []ThreadNode, mainThreadID string) []Tangent {
	activeByID := make(map[string]ThreadNode, len(nodes))
	for _, n := range nodes {
		if n.ParentThreadID != "" && n.Active {
			activeByID[n.ID] = n
		}
	}

	out := make([]Tangent, 0, len(activeByID))
	for _, n := range nodes {
		if n.ParentThreadID == "" || !n.Active {
			continue
		}

		current := n
		valid := true
		visited := map[string]bool{}
		for current.ParentThreadID != "" && current.ParentThreadID != mainThreadID {
			if visited[current.ID] {
				valid = false
				break
			}
			visited[current.ID] = true
			parent, ok := activeByID[current.ParentThreadID]
			if !ok {
				valid = false
				break
			}
			current = parent
		}
		if !valid {
			continue
		}

		parentID := n.ParentThreadID
		if parentID == mainThreadID {
			parentID = RootSentinel
		}
		out = append(out, Tangent{
			ThreadID:        n.ID,
			ParentThreadID:  parentID,
			ParentMessageID: n.ParentMessageID,
			HighlightedText: n.HighlightedText,
			Depth:           n.Depth,
		})
	}
	return out
}
