package automation

import (
	"sort"
	"sync"
)

// Frame is one node of a cached frame tree.
type Frame struct {
	ID       string
	ParentID string
	URL      string
}

// FrameTree caches the last known frames of the primary target. It is safe for concurrent use.
type FrameTree struct {
	mu     sync.Mutex
	frames map[string]Frame
}

func NewFrameTree() *FrameTree {
	return &FrameTree{frames: make(map[string]Frame)}
}

// Navigated records a navigation and reports whether the cache changed.
func (t *FrameTree) Navigated(f Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.frames[f.ID]
	t.frames[f.ID] = f
	return !ok || old != f
}

// Detached drops id and its descendants, returning the removed ids.
func (t *FrameTree) Detached(id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(id)
}

func (t *FrameTree) removeLocked(id string) []string {
	if _, ok := t.frames[id]; !ok {
		return nil
	}
	delete(t.frames, id)
	removed := []string{id}
	var children []string
	for cid, f := range t.frames {
		if f.ParentID == id {
			children = append(children, cid)
		}
	}
	sort.Strings(children)
	for _, cid := range children {
		removed = append(removed, t.removeLocked(cid)...)
	}
	return removed
}

// Snapshot returns the cached frames ordered by id.
func (t *FrameTree) Snapshot() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, 0, len(t.frames))
	for _, f := range t.frames {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset clears the cache, typically when the primary target changes.
func (t *FrameTree) Reset() {
	t.mu.Lock()
	t.frames = make(map[string]Frame)
	t.mu.Unlock()
}

// Reconcile replaces the cache with fresh and returns synthetic events for the delta: removals
// first, ordered by id, then navigations in the order of fresh. Navigations the browser performed
// and undid while the cache was stale leave no trace, so the delta is best-effort.
func (t *FrameTree) Reconcile(fresh []Frame) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]Frame, len(fresh))
	for _, f := range fresh {
		next[f.ID] = f
	}

	var removed []string
	for id := range t.frames {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)

	events := make([]Event, 0, len(removed))
	for _, id := range removed {
		events = append(events, FrameRemoved{FrameID: id, Synthetic: true})
	}
	for _, f := range fresh {
		if old, ok := t.frames[f.ID]; ok && old == f {
			continue
		}
		events = append(events, FrameNavigated{FrameID: f.ID, ParentID: f.ParentID, URL: f.URL, Synthetic: true})
	}
	t.frames = next
	return events
}
