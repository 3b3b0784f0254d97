package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
	"LifelogRouter/internal/retry"
)

// PipelineDeps wires the per-entry workflow.
type PipelineDeps struct {
	Router     *Router
	Dispatcher *Dispatcher
	Ledger     ports.EntryLedger
	Policy     retry.Policy
	Logger     *zap.Logger
}

// Pipeline routes, dispatches and finalises one triggered entry.
type Pipeline struct {
	router     *Router
	dispatcher *Dispatcher
	ledger     ports.EntryLedger
	policy     retry.Policy
	logger     *zap.Logger
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		router:     deps.Router,
		dispatcher: deps.Dispatcher,
		ledger:     deps.Ledger,
		policy:     deps.Policy,
		logger:     logger,
	}
}

// Process runs the entry through routing and dispatch and marks it processed.
// An error means the entry is unfinished and must be delivered again.
func (p *Pipeline) Process(ctx context.Context, job Job) error {
	entry := job.Window.Trigger
	decision := p.router.Route(ctx, job.Window)

	results, err := p.dispatcher.Dispatch(ctx, job.Window, decision)
	if err != nil {
		return fmt.Errorf("dispatch entry %s: %w", entry.ID, err)
	}

	outcome := domain.OutcomeDispatched
	if decision.Empty() {
		outcome = domain.OutcomeNoHandlers
	}
	err = p.policy.Do(ctx, func(ctx context.Context) error {
		return p.ledger.MarkProcessed(ctx, entry, outcome)
	})
	if err != nil {
		return fmt.Errorf("mark entry %s processed: %w", entry.ID, err)
	}

	failed := 0
	for _, r := range results {
		if r.Status == domain.StatusFailed {
			failed++
		}
	}
	p.logger.Info("entry processed",
		zap.String("entry_id", entry.ID),
		zap.String("source", string(decision.Source)),
		zap.Strings("handlers", decision.Selected),
		zap.Int("failed", failed))
	return nil
}
