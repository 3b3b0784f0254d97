package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler"
)

// DispatcherDeps wires the dispatcher's collaborators.
type DispatcherDeps struct {
	Registry  *handler.Registry
	Committer *Committer
	Attempts  *AttemptLog
	Recorder  *Recorder
	Confirmer *Confirmer
	Logger    *zap.Logger
}

// Dispatcher invokes the selected handlers for one entry, at most once per
// (entry, handler), and records the outcome.
type Dispatcher struct {
	registry  *handler.Registry
	committer *Committer
	attempts  *AttemptLog
	recorder  *Recorder
	confirmer *Confirmer
	logger    *zap.Logger
	locks     *entryLocks
}

// NewDispatcher constructs the dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  deps.Registry,
		committer: deps.Committer,
		attempts:  deps.Attempts,
		recorder:  deps.Recorder,
		confirmer: deps.Confirmer,
		logger:    logger,
		locks:     newEntryLocks(),
	}
}

type outcome struct {
	result       domain.HandlerResult
	record       *domain.PersistedRecord
	confirmation *string
	needEvidence bool
}

// Dispatch runs decision.Selected against window.Trigger under the entry's lock.
// Handler failures are isolated and reported in the results; the returned error is
// reserved for storage failures that leave the entry unfinished.
func (d *Dispatcher) Dispatch(ctx context.Context, window domain.ContextWindow, decision domain.RoutingDecision) ([]domain.HandlerResult, error) {
	entry := window.Trigger
	unlock, err := d.locks.Lock(ctx, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("lock entry %s: %w", entry.ID, err)
	}
	defer unlock()

	if decision.Empty() {
		d.logger.Info("no handler selected", zap.String("entry_id", entry.ID), zap.String("source", string(decision.Source)))
		return nil, nil
	}

	outcomes := make([]outcome, 0, len(decision.Selected))
	for _, name := range decision.Selected {
		o, err := d.dispatchOne(ctx, window, decision, name)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}

	// Evidence is written only once every selected handler has a result.
	results := make([]domain.HandlerResult, 0, len(outcomes))
	for _, o := range outcomes {
		if o.needEvidence {
			if _, err := d.recorder.Record(ctx, entry, decision, o.result, o.record, o.confirmation); err != nil {
				return nil, err
			}
		}
		results = append(results, o.result)
	}
	return results, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, window domain.ContextWindow, decision domain.RoutingDecision, name string) (outcome, error) {
	entry := window.Trigger
	log := d.logger.With(zap.String("entry_id", entry.ID), zap.String("handler", name))

	h, err := d.registry.Resolve(name)
	if err != nil {
		return failedOutcome(entry.ID, name, domain.HandlerError(entry.ID, name, err)), nil
	}

	existing, err := d.committer.Existing(ctx, entry.ID, name)
	if err != nil {
		return outcome{}, err
	}
	if existing != nil {
		return d.replayCommitted(ctx, entry, *existing, log)
	}

	prior, err := d.recorder.Latest(ctx, entry.ID, name)
	if err != nil {
		return outcome{}, err
	}
	if prior != nil {
		log.Info("handler already attempted, not invoking again", zap.String("status", string(prior.Status)))
		return outcome{result: domain.HandlerResult{
			EntryID:     entry.ID,
			HandlerName: name,
			Status:      prior.Status,
			Err:         errorFromEvidence(prior),
		}}, nil
	}

	claimed, err := d.attempts.Claim(ctx, entry.ID, name)
	if err != nil {
		return outcome{}, err
	}
	if claimed != nil {
		result := resultFromAttempt(*claimed)
		log.Info("handler invoked on an earlier delivery, not invoking again",
			zap.String("status", string(result.Status)), zap.Bool("finished", claimed.Finished()))
		return d.settle(ctx, result, log), nil
	}

	result := d.invoke(ctx, h, window, decision)
	if err := d.attempts.Finish(ctx, result); err != nil {
		// The claim alone still blocks a second invocation.
		log.Error("record attempt outcome failed", zap.Error(err))
	}
	return d.settle(ctx, result, log), nil
}

// settle commits ok results and marks every result for evidence.
func (d *Dispatcher) settle(ctx context.Context, result domain.HandlerResult, log *zap.Logger) outcome {
	switch result.Status {
	case domain.StatusOK:
		rec, err := d.committer.Commit(ctx, result)
		if err != nil {
			log.Error("commit failed", zap.Error(err))
			result.Status = domain.StatusFailed
			result.Err = err
			return outcome{result: result, needEvidence: true}
		}
		ref := d.confirmer.Confirm(ctx, rec)
		log.Info("handler result committed", zap.Bool("confirmed", ref != nil))
		return outcome{result: result, record: &rec, confirmation: ref, needEvidence: true}
	case domain.StatusNeedsConfirmation:
		log.Info("handler result awaits confirmation")
		return outcome{result: result, needEvidence: true}
	default:
		log.Warn("handler failed", zap.Error(result.Err))
		return outcome{result: result, needEvidence: true}
	}
}

// replayCommitted handles an entry redelivered after its record was committed.
// Missing evidence from an interrupted run is filled in; the handler is not called.
func (d *Dispatcher) replayCommitted(ctx context.Context, entry domain.Entry, rec domain.PersistedRecord, log *zap.Logger) (outcome, error) {
	result := domain.HandlerResult{
		EntryID:     entry.ID,
		HandlerName: rec.HandlerName,
		Payload:     rec.Payload,
		Status:      domain.StatusOK,
	}

	prior, err := d.recorder.Latest(ctx, entry.ID, rec.HandlerName)
	if err != nil {
		return outcome{}, err
	}
	if prior != nil {
		log.Debug("entry replay, record and evidence present")
		return outcome{result: result, record: &rec}, nil
	}

	ref, err := d.committer.Confirmation(ctx, entry.ID, rec.HandlerName)
	if err != nil {
		return outcome{}, err
	}
	if ref == nil {
		ref = d.confirmer.Confirm(ctx, rec)
	}
	log.Info("entry replay, restoring missing evidence")
	return outcome{result: result, record: &rec, confirmation: ref, needEvidence: true}, nil
}

// invoke calls the handler, converting errors and panics into a failed result.
func (d *Dispatcher) invoke(ctx context.Context, h handler.Handler, window domain.ContextWindow, decision domain.RoutingDecision) (res domain.HandlerResult) {
	entry := window.Trigger
	name := h.Name()
	defer func() {
		if r := recover(); r != nil {
			res = domain.HandlerResult{
				EntryID:     entry.ID,
				HandlerName: name,
				Status:      domain.StatusFailed,
				Err:         domain.HandlerError(entry.ID, name, fmt.Errorf("panic: %v", r)),
			}
		}
	}()

	res, err := h.HandleLog(ctx, window.Text(), entry.ID, handler.RoutingContext{Decision: decision, Window: window})
	res.EntryID = entry.ID
	res.HandlerName = name
	validPayload := len(res.Payload) == 0 || json.Valid(res.Payload)
	if !validPayload {
		res.Payload = nil
	}
	if err != nil {
		res.Status = domain.StatusFailed
		res.Err = domain.Attribute(err, entry.ID, name)
		return res
	}
	if res.Status == "" {
		res.Status = domain.StatusOK
	}
	if !validPayload {
		res.Status = domain.StatusFailed
		res.Err = domain.HandlerError(entry.ID, name, errors.New("payload is not valid JSON"))
	}
	if res.Status == domain.StatusFailed && res.Err == nil {
		res.Err = domain.HandlerError(entry.ID, name, errors.New("handler reported failure"))
	}
	return res
}

func failedOutcome(entryID, name string, err error) outcome {
	return outcome{
		result: domain.HandlerResult{
			EntryID:     entryID,
			HandlerName: name,
			Status:      domain.StatusFailed,
			Err:         err,
		},
		needEvidence: true,
	}
}

func errorFromEvidence(ev *domain.EvidenceRecord) error {
	if ev.Error == "" {
		return nil
	}
	return errors.New(ev.Error)
}
