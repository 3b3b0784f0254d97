package usecase

import (
	"context"
	"time"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
	"LifelogRouter/internal/retry"
)

// Committer writes handler results with bounded retries.
type Committer struct {
	records     ports.RecordStore
	policy      retry.Policy
	processedBy string
	now         func() time.Time
}

// NewCommitter builds a committer stamping records with processedBy.
func NewCommitter(records ports.RecordStore, policy retry.Policy, processedBy string) *Committer {
	return &Committer{records: records, policy: policy, processedBy: processedBy, now: time.Now}
}

// Commit persists an ok result. A second commit for the same pair returns the first committed state.
func (c *Committer) Commit(ctx context.Context, result domain.HandlerResult) (domain.PersistedRecord, error) {
	rec := domain.PersistedRecord{
		EntryID:       result.EntryID,
		HandlerName:   result.HandlerName,
		Payload:       result.Payload,
		CreatedAt:     c.now(),
		ProcessedBy:   c.processedBy,
		SchemaVersion: domain.RecordSchemaVersion,
	}

	var committed domain.PersistedRecord
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		committed, err = c.records.Commit(ctx, rec)
		return err
	})
	if err != nil {
		return domain.PersistedRecord{}, domain.Attribute(asPersistence("commit record", err), result.EntryID, result.HandlerName)
	}
	return committed, nil
}

// Existing returns the committed record for the pair, if any.
func (c *Committer) Existing(ctx context.Context, entryID, handler string) (*domain.PersistedRecord, error) {
	var rec *domain.PersistedRecord
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		rec, err = c.records.Get(ctx, entryID, handler)
		return err
	})
	if err != nil {
		return nil, domain.Attribute(asPersistence("get record", err), entryID, handler)
	}
	return rec, nil
}

// Confirmation returns the confirmation ref linked to the pair, if any.
func (c *Committer) Confirmation(ctx context.Context, entryID, handler string) (*string, error) {
	conf, err := c.records.GetConfirmation(ctx, entryID, handler)
	if err != nil || conf == nil {
		return nil, err
	}
	ref := conf.Ref
	return &ref, nil
}

// asPersistence keeps taxonomy errors and wraps anything else as a permanent persistence error.
func asPersistence(op string, err error) error {
	if domain.KindOf(err) != "" {
		return err
	}
	return domain.PersistenceError(op, false, err)
}
