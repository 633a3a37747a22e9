// Package navtree is the client-side mirror of the active tangent tree: a
// pure reducer over explicit transitions, independent of persistence and of
// any UI toolkit. It tracks which two panels of an arbitrarily deep tree are
// visible and keeps that selection consistent while nodes open and close.
//
// It is not the source of truth. Callers periodically re-run Hydrate against
// a fresh server snapshot; a Close applied here is fail-open and may be
// undone by the next snapshot if the server-side archive never landed.
package navtree

// RootSentinel stands in for the conversation's main thread in parent ids.
const RootSentinel = "main"

// Tangent is one open node of the mirrored tree.
type Tangent struct {
	ThreadID        string `json:"thread_id"`
	ParentThreadID  string `json:"parent_thread_id"`
	ParentMessageID string `json:"parent_message_id"`
	HighlightedText string `json:"highlighted_text"`
	Depth           int    `json:"depth"`
}

// State is the full navigation state. The left panel shows ViewParentID
// (RootSentinel for the main thread); the right panel shows
// ActiveChildByParent[ViewParentID] when set.
type State struct {
	OpenTangents        []Tangent
	ActiveChildByParent map[string]string
	ViewParentID        string
}

// NewState returns the empty state viewing the main thread.
func NewState() State {
	return State{
		OpenTangents:        []Tangent{},
		ActiveChildByParent: map[string]string{},
		ViewParentID:        RootSentinel,
	}
}

// Hydrate replaces the state from a server snapshot. Tangents arrive in
// creation order, so letting the last entry win per parent makes the most
// recently opened child active by default. The view resets to the root.
func Hydrate(tangents []Tangent) State {
	s := NewState()
	s.OpenTangents = append(s.OpenTangents, tangents...)
	for _, t := range tangents {
		s.ActiveChildByParent[t.ParentThreadID] = t.ThreadID
	}
	return s
}

// Open upserts a tangent, makes it the active child of its parent, and
// brings its parent into view so the new tangent is immediately visible.
func (s State) Open(t Tangent) State {
	next := s.clone()
	kept := next.OpenTangents[:0]
	for _, existing := range next.OpenTangents {
		if existing.ThreadID != t.ThreadID {
			kept = append(kept, existing)
		}
	}
	next.OpenTangents = append(kept, t)
	next.ActiveChildByParent[t.ParentThreadID] = t.ThreadID
	next.ViewParentID = t.ParentThreadID
	return next
}

// Close removes a tangent and all of its open descendants, then repairs the
// active-child map and the view. When the view parent loses its right-hand
// content the view collapses one level toward the root.
func (s State) Close(threadID string) State {
	removed := map[string]bool{}
	queue := []string{threadID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		removed[id] = true
		for _, t := range s.OpenTangents {
			if t.ParentThreadID == id {
				queue = append(queue, t.ThreadID)
			}
		}
	}

	next := State{
		OpenTangents:        make([]Tangent, 0, len(s.OpenTangents)),
		ActiveChildByParent: make(map[string]string, len(s.ActiveChildByParent)),
		ViewParentID:        s.ViewParentID,
	}
	for _, t := range s.OpenTangents {
		if !removed[t.ThreadID] {
			next.OpenTangents = append(next.OpenTangents, t)
		}
	}

	for parentID, childID := range s.ActiveChildByParent {
		if removed[parentID] {
			continue
		}
		if removed[childID] {
			// Active child is gone; promote any surviving sibling.
			for _, t := range next.OpenTangents {
				if t.ParentThreadID == parentID {
					next.ActiveChildByParent[parentID] = t.ThreadID
					break
				}
			}
			continue
		}
		next.ActiveChildByParent[parentID] = childID
	}

	// Walk up from a removed view parent to the nearest survivor, using the
	// pre-removal tree for parent pointers.
	if removed[next.ViewParentID] {
		current := next.ViewParentID
		for current != RootSentinel && removed[current] {
			current = s.parentOf(current)
		}
		next.ViewParentID = current
	}

	// The view parent survived but its right panel emptied: collapse one
	// level so the layout degrades toward the root.
	if next.ViewParentID != RootSentinel {
		if _, ok := next.ActiveChildByParent[next.ViewParentID]; !ok {
			next.ViewParentID = next.parentOf(next.ViewParentID)
		}
	}
	return next
}

// NavigateTo changes only the viewed panel; no tangent data is touched.
func (s State) NavigateTo(parentID string) State {
	next := s.clone()
	next.ViewParentID = parentID
	return next
}

// SetActiveChild switches the sibling tab under parentID and brings that
// pane into view.
func (s State) SetActiveChild(parentID, childID string) State {
	next := s.clone()
	next.ActiveChildByParent[parentID] = childID
	next.ViewParentID = parentID
	return next
}

func (s State) parentOf(threadID string) string {
	for _, t := range s.OpenTangents {
		if t.ThreadID == threadID {
			return t.ParentThreadID
		}
	}
	return RootSentinel
}

func (s State) clone() State {
	cp := State{
		OpenTangents:        append([]Tangent(nil), s.OpenTangents...),
		ActiveChildByParent: make(map[string]string, len(s.ActiveChildByParent)),
		ViewParentID:        s.ViewParentID,
	}
	for k, v := range s.ActiveChildByParent {
		cp.ActiveChildByParent[k] = v
	}
	return cp
}
