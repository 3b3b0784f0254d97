package usecase

import (
	"context"
	"errors"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
	"LifelogRouter/internal/retry"
)

var errInterrupted = errors.New("handler interrupted before returning a result")

// AttemptLog marks a handler invocation before it happens so a redelivered entry
// never reaches the same handler twice, even when evidence could not be written.
type AttemptLog struct {
	store  ports.AttemptStore
	policy retry.Policy
}

// NewAttemptLog builds an attempt log over store.
func NewAttemptLog(store ports.AttemptStore, policy retry.Policy) *AttemptLog {
	return &AttemptLog{store: store, policy: policy}
}

// Claim reserves the invocation. It returns the earlier attempt when one exists.
func (l *AttemptLog) Claim(ctx context.Context, entryID, handler string) (*domain.Attempt, error) {
	var prior *domain.Attempt
	err := l.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		prior, err = l.store.Claim(ctx, domain.Attempt{EntryID: entryID, HandlerName: handler})
		return err
	})
	if err != nil {
		return nil, domain.Attribute(asPersistence("claim attempt", err), entryID, handler)
	}
	return prior, nil
}

// Finish stores what the handler returned.
func (l *AttemptLog) Finish(ctx context.Context, result domain.HandlerResult) error {
	at := domain.Attempt{
		EntryID:     result.EntryID,
		HandlerName: result.HandlerName,
		Status:      result.Status,
		Payload:     result.Payload,
	}
	if result.Err != nil {
		at.Error = result.Err.Error()
	}
	err := l.policy.Do(ctx, func(ctx context.Context) error {
		return l.store.Finish(ctx, at)
	})
	if err != nil {
		return domain.Attribute(asPersistence("finish attempt", err), result.EntryID, result.HandlerName)
	}
	return nil
}

// resultFromAttempt rebuilds the handler result an earlier delivery produced.
func resultFromAttempt(at domain.Attempt) domain.HandlerResult {
	res := domain.HandlerResult{
		EntryID:     at.EntryID,
		HandlerName: at.HandlerName,
		Status:      at.Status,
		Payload:     at.Payload,
	}
	switch {
	case !at.Finished():
		res.Status = domain.StatusFailed
		res.Payload = nil
		res.Err = domain.HandlerError(at.EntryID, at.HandlerName, errInterrupted)
	case at.Error != "":
		res.Err = errors.New(at.Error)
	}
	return res
}
