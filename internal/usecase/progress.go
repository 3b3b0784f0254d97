package usecase

import (
	"time"

	"LifelogRouter/internal/domain"
)

type stamp struct {
	at time.Time
	id string
}

// progress computes how far the watermark may move: the newest completed
// entry older than every entry still pending.
type progress struct {
	pending map[string]time.Time
	done    []stamp
}

func newProgress() *progress {
	return &progress{pending: make(map[string]time.Time)}
}

func (p *progress) add(e domain.Entry) {
	p.pending[e.ID] = e.OccurredAt
}

func (p *progress) complete(e domain.Entry) {
	delete(p.pending, e.ID)
	p.done = append(p.done, stamp{at: e.OccurredAt, id: e.ID})
}

func (p *progress) isPending(id string) bool {
	_, ok := p.pending[id]
	return ok
}

// safe returns the furthest position the watermark can take, and drops the
// completed stamps it covers.
func (p *progress) safe() (stamp, bool) {
	var floor time.Time
	hasFloor := false
	for _, at := range p.pending {
		if !hasFloor || at.Before(floor) {
			floor = at
			hasFloor = true
		}
	}

	var best stamp
	found := false
	for _, s := range p.done {
		if hasFloor && !s.at.Before(floor) {
			continue
		}
		if !found || s.at.After(best.at) {
			best = s
			found = true
		}
	}
	if !found {
		return stamp{}, false
	}

	kept := p.done[:0]
	for _, s := range p.done {
		if s.at.After(best.at) {
			kept = append(kept, s)
		}
	}
	p.done = kept
	return best, true
}
