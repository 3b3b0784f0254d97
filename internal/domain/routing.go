package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// RoutingSource tells which path produced a routing decision.
type RoutingSource string

const (
	SourceClassifier RoutingSource = "classifier"
	SourceFallback   RoutingSource = "fallback"
	SourceHybrid     RoutingSource = "hybrid"
)

// RoutingDecision is computed fresh for each entry and never reused.
type RoutingDecision struct {
	EntryID    string        `json:"entry_id"`
	Selected   []string      `json:"selected_handlers"`
	Source     RoutingSource `json:"source"`
	Confidence *float64      `json:"confidence,omitempty"`
	Reasoning  string        `json:"reasoning,omitempty"`
	Dropped    []string      `json:"dropped,omitempty"`
}

// Empty reports whether no handler was selected.
func (d RoutingDecision) Empty() bool {
	return len(d.Selected) == 0
}

// NormalizeNames returns the sorted set of non-empty names.
func NormalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// UnionNames merges two name sets.
func UnionNames(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return NormalizeNames(merged)
}

type classifierReply struct {
	Selected   *[]string `json:"selected_handlers"`
	Confidence *float64  `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
}

// DecodeClassifierReply parses {"selected_handlers": [...], "confidence"?, "reasoning"?}.
// The object and its selected_handlers array are mandatory; an empty array is a valid "no match".
func DecodeClassifierReply(entryID string, raw []byte) (RoutingDecision, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return RoutingDecision{}, errors.New("reply is not a JSON object")
	}
	var reply classifierReply
	if err := json.Unmarshal(trimmed, &reply); err != nil {
		return RoutingDecision{}, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Selected == nil {
		return RoutingDecision{}, errors.New("reply has no selected_handlers array")
	}
	if reply.Confidence != nil && (*reply.Confidence < 0 || *reply.Confidence > 1) {
		return RoutingDecision{}, fmt.Errorf("confidence %v out of range", *reply.Confidence)
	}
	return RoutingDecision{
		EntryID:    entryID,
		Selected:   NormalizeNames(*reply.Selected),
		Source:     SourceClassifier,
		Confidence: reply.Confidence,
		Reasoning:  reply.Reasoning,
	}, nil
}
