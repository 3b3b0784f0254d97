package trigger

import (
	"sort"

	"LifelogRouter/internal/domain"
)

// Window keeps the most recent entries seen by the poller, ordered by OccurredAt.
// It is owned by a single goroutine.
type Window struct {
	capacity int
	entries  []domain.Entry
	seen     map[string]struct{}
}

// NewWindow keeps up to capacity entries.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{capacity: capacity, seen: make(map[string]struct{})}
}

// Add inserts an entry unless it is already present.
func (w *Window) Add(e domain.Entry) {
	if _, ok := w.seen[e.ID]; ok {
		return
	}
	w.seen[e.ID] = struct{}{}
	w.entries = append(w.entries, e)
	sort.SliceStable(w.entries, func(i, j int) bool {
		return w.entries[i].OccurredAt.Before(w.entries[j].OccurredAt)
	})
	for len(w.entries) > w.capacity {
		delete(w.seen, w.entries[0].ID)
		w.entries = w.entries[1:]
	}
}

// Before returns up to n entries that precede e, oldest first.
func (w *Window) Before(e domain.Entry, n int) []domain.Entry {
	if n <= 0 {
		return nil
	}
	var prior []domain.Entry
	for _, cand := range w.entries {
		if cand.ID == e.ID {
			continue
		}
		if cand.OccurredAt.After(e.OccurredAt) {
			continue
		}
		prior = append(prior, cand)
	}
	if len(prior) > n {
		prior = prior[len(prior)-n:]
	}
	return append([]domain.Entry(nil), prior...)
}

// Len returns how many entries are retained.
func (w *Window) Len() int {
	return len(w.entries)
}
