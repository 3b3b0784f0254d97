package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Entry is one transcript unit fetched from the source feed. It is never mutated after fetch.
type Entry struct {
	ID         string
	OccurredAt time.Time
	Text       string
	Raw        json.RawMessage
}

// Excerpt returns at most limit runes of the entry text, trimmed.
func (e Entry) Excerpt(limit int) string {
	text := strings.TrimSpace(e.Text)
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}

// Watermark is the durable cursor of the last fully processed position.
type Watermark struct {
	Position      time.Time
	EntryID       string
	OverlapMargin time.Duration
}

// IsZero reports whether no position has ever been committed.
func (w Watermark) IsZero() bool {
	return w.Position.IsZero()
}

// ResumeFrom is the position the next fetch starts after.
func (w Watermark) ResumeFrom() time.Time {
	return w.Position.Add(-w.OverlapMargin)
}

// ContextWindow is the trailing run of entries that ends at a trigger entry.
type ContextWindow struct {
	Trigger    Entry
	Entries    []Entry
	Standalone bool
}

// Text joins the window's entries in order, one per line.
func (w ContextWindow) Text() string {
	parts := make([]string, 0, len(w.Entries))
	for _, e := range w.Entries {
		if t := strings.TrimSpace(e.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}
