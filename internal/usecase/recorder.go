package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
	"LifelogRouter/internal/retry"
)

const defaultExcerptLimit = 280

// Recorder appends evidence after every dispatch attempt.
type Recorder struct {
	store        ports.EvidenceStore
	policy       retry.Policy
	excerptLimit int
	now          func() time.Time
	newID        func() string
}

// NewRecorder builds an evidence recorder.
func NewRecorder(store ports.EvidenceStore, policy retry.Policy) *Recorder {
	return &Recorder{
		store:        store,
		policy:       policy,
		excerptLimit: defaultExcerptLimit,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Record writes one immutable evidence record. The integrity hash covers the committed
// payload when rec is set, and the handler's raw payload otherwise.
func (r *Recorder) Record(
	ctx context.Context,
	entry domain.Entry,
	decision domain.RoutingDecision,
	result domain.HandlerResult,
	rec *domain.PersistedRecord,
	confirmationRef *string,
) (domain.EvidenceRecord, error) {
	payload := result.Payload
	if len(payload) > 0 && !json.Valid(payload) {
		// Unusable handler output is hashed as null rather than blocking the evidence write.
		payload = nil
	}
	var recordRef *string
	if rec != nil {
		payload = rec.Payload
		ref := rec.Ref()
		recordRef = &ref
	}

	sum, err := domain.IntegrityHash(entry.ID, result.HandlerName, payload)
	if err != nil {
		return domain.EvidenceRecord{}, fmt.Errorf("integrity hash: %w", err)
	}

	ev := domain.EvidenceRecord{
		ID:              r.newID(),
		EntryID:         entry.ID,
		HandlerName:     result.HandlerName,
		Status:          result.Status,
		SourceExcerpt:   entry.Excerpt(r.excerptLimit),
		RoutingDecision: decision,
		RecordRef:       recordRef,
		ConfirmationRef: confirmationRef,
		IntegrityHash:   sum,
		RecordedAt:      r.now(),
	}
	if result.Err != nil {
		ev.Error = result.Err.Error()
	}

	err = r.policy.Do(ctx, func(ctx context.Context) error {
		return r.store.Append(ctx, ev)
	})
	if err != nil {
		return domain.EvidenceRecord{}, domain.Attribute(asPersistence("append evidence", err), entry.ID, result.HandlerName)
	}
	return ev, nil
}

// Latest returns the most recent evidence for the pair, or nil.
func (r *Recorder) Latest(ctx context.Context, entryID, handler string) (*domain.EvidenceRecord, error) {
	var all []domain.EvidenceRecord
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		all, err = r.store.ListByEntry(ctx, entryID)
		return err
	})
	if err != nil {
		return nil, domain.Attribute(asPersistence("list evidence", err), entryID, handler)
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].HandlerName == handler {
			ev := all[i]
			return &ev, nil
		}
	}
	return nil, nil
}
