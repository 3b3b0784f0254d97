// Package handlertest provides a scriptable handler for tests.
package handlertest

import (
	"context"
	"encoding/json"
	"sync"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler"
)

// Fake records every invocation and answers with Fn, or an ok payload echoing the text.
type Fake struct {
	HandlerName string
	Words       []string
	Questions   []string
	Fn          func(ctx context.Context, text, entryID string) (domain.HandlerResult, error)

	mu    sync.Mutex
	calls map[string]int
}

var _ handler.Handler = (*Fake)(nil)

// New builds a fake with the given name and keywords.
func New(name string, keywords ...string) *Fake {
	return &Fake{HandlerName: name, Words: keywords}
}

func (f *Fake) Name() string       { return f.HandlerName }
func (f *Fake) Keywords() []string { return f.Words }
func (f *Fake) Patterns() []string { return f.Questions }

// HandleLog counts the call and delegates to Fn.
func (f *Fake) HandleLog(ctx context.Context, text, entryID string, _ handler.RoutingContext) (domain.HandlerResult, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[entryID]++
	f.mu.Unlock()

	if f.Fn != nil {
		return f.Fn(ctx, text, entryID)
	}
	payload, _ := json.Marshal(map[string]string{"text": text})
	return domain.HandlerResult{
		EntryID:     entryID,
		HandlerName: f.HandlerName,
		Payload:     payload,
		Status:      domain.StatusOK,
	}, nil
}

// Calls returns how many times entryID was handled.
func (f *Fake) Calls(entryID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[entryID]
}

// TotalCalls returns the number of invocations across entries.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}
