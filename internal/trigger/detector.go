package trigger

import (
	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/textmatch"
)

// standaloneSlack is how many extra words a trigger utterance may carry and still count as standalone.
const standaloneSlack = 2

// Detector recognises the trigger phrase and its synonyms.
type Detector struct {
	phrases    []string
	windowSize int
}

// NewDetector builds a detector. Phrases are normalised once here.
func NewDetector(phrase string, synonyms []string, windowSize int) *Detector {
	if windowSize <= 0 {
		windowSize = 1
	}
	d := &Detector{windowSize: windowSize}
	for _, p := range append([]string{phrase}, synonyms...) {
		if n := textmatch.Normalize(p); n != "" {
			d.phrases = append(d.phrases, n)
		}
	}
	return d
}

// WindowSize is the number of trailing entries kept as context.
func (d *Detector) WindowSize() int {
	return d.windowSize
}

// Detect reports whether entry carries a trigger phrase.
func (d *Detector) Detect(entry domain.Entry) bool {
	_, ok := d.match(textmatch.Normalize(entry.Text))
	return ok
}

func (d *Detector) match(normalized string) (string, bool) {
	for _, p := range d.phrases {
		if textmatch.ContainsPhrase(normalized, p) {
			return p, true
		}
	}
	return "", false
}

// Context builds the window handed downstream for a trigger entry.
// The window ends at the trigger entry and holds at most WindowSize entries.
func (d *Detector) Context(entry domain.Entry, window *Window) domain.ContextWindow {
	var entries []domain.Entry
	if window != nil {
		entries = window.Before(entry, d.windowSize-1)
	}
	entries = append(entries, entry)

	normalized := textmatch.Normalize(entry.Text)
	phrase, _ := d.match(normalized)
	standalone := phrase != "" && textmatch.Words(normalized) <= textmatch.Words(phrase)+standaloneSlack

	return domain.ContextWindow{
		Trigger:    entry,
		Entries:    entries,
		Standalone: standalone,
	}
}
