package handler

import (
	"fmt"
	"regexp"
	"sort"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/textmatch"
)

// Descriptor summarises a handler for classifier prompts.
type Descriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

type entry struct {
	handler  Handler
	keywords []string
	patterns []*regexp.Regexp
}

// Registry is an immutable snapshot of handlers built once at start-up.
type Registry struct {
	entries map[string]entry
	order   []string
}

// NewRegistry builds a registry from an explicit registration list.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{entries: make(map[string]entry, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("%w: nil handler", domain.ErrInvalidInput)
		}
		name := h.Name()
		if name == "" {
			return nil, fmt.Errorf("%w: handler without name", domain.ErrInvalidInput)
		}
		if _, dup := r.entries[name]; dup {
			return nil, fmt.Errorf("%w: handler %s registered twice", domain.ErrInvalidInput, name)
		}

		e := entry{handler: h}
		for _, kw := range h.Keywords() {
			if n := textmatch.Normalize(kw); n != "" {
				e.keywords = append(e.keywords, n)
			}
		}
		for _, p := range h.Patterns() {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("handler %s: pattern %q: %w", name, p, err)
			}
			e.patterns = append(e.patterns, re)
		}
		r.entries[name] = e
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)
	return r, nil
}

// Resolve returns a handler by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Handler, error) {
	if e, ok := r.entries[name]; ok {
		return e.handler, nil
	}
	return nil, fmt.Errorf("handler %s is not registered: %w", name, domain.ErrNotFound)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// All returns the handlers in name order.
func (r *Registry) All() []Handler {
	out := make([]Handler, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].handler)
	}
	return out
}

// Match returns the handlers whose keywords occur in text or whose question
// patterns match it. The result is a sorted set.
func (r *Registry) Match(text string) []string {
	normalized := textmatch.Normalize(text)
	out := r.MatchQuestion(text)
	for _, name := range r.order {
		for _, kw := range r.entries[name].keywords {
			if textmatch.ContainsPhrase(normalized, kw) {
				out = append(out, name)
				break
			}
		}
	}
	return domain.NormalizeNames(out)
}

// MatchQuestion returns the handlers whose question patterns match text.
func (r *Registry) MatchQuestion(text string) []string {
	var out []string
	for _, name := range r.order {
		for _, re := range r.entries[name].patterns {
			if re.MatchString(text) {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// Filter splits names into registered and unknown ones.
func (r *Registry) Filter(names []string) (kept, dropped []string) {
	for _, n := range domain.NormalizeNames(names) {
		if r.Has(n) {
			kept = append(kept, n)
		} else {
			dropped = append(dropped, n)
		}
	}
	return kept, dropped
}

// Descriptors describes every handler for classifier prompts.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		h := r.entries[name].handler
		d := Descriptor{Name: name, Keywords: h.Keywords()}
		if desc, ok := h.(Describer); ok {
			d.Description = desc.Description()
		}
		out = append(out, d)
	}
	return out
}

// Tasks collects every scheduled task contributed by registered handlers, keyed by handler name.
func (r *Registry) Tasks() map[string][]Task {
	out := make(map[string][]Task)
	for _, name := range r.order {
		if tp, ok := r.entries[name].handler.(TaskProvider); ok {
			if tasks := tp.ScheduledTasks(); len(tasks) > 0 {
				out[name] = tasks
			}
		}
	}
	return out
}
