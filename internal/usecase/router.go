package usecase

import (
	"context"

	"go.uber.org/zap"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler"
	"LifelogRouter/internal/ports"
)

// Router turns a context window into a routing decision: classifier first,
// registry keyword fallback when the classifier is absent or fails.
type Router struct {
	classifier    ports.Classifier
	registry      *handler.Registry
	minConfidence float64
	logger        *zap.Logger
}

// NewRouter builds a router. A nil classifier routes by keywords only.
func NewRouter(classifier ports.Classifier, registry *handler.Registry, minConfidence float64, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		classifier:    classifier,
		registry:      registry,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// Route never fails: classification errors degrade to keyword routing.
func (r *Router) Route(ctx context.Context, window domain.ContextWindow) domain.RoutingDecision {
	entryID := window.Trigger.ID
	text := window.Text()
	log := r.logger.With(zap.String("entry_id", entryID))

	if r.classifier == nil {
		return r.fallback(entryID, text, "classifier disabled")
	}

	decision, err := r.classifier.Classify(ctx, window)
	if err != nil {
		log.Warn("classifier failed, using keyword fallback", zap.Error(err))
		return r.fallback(entryID, text, "classifier unavailable")
	}

	kept, dropped := r.registry.Filter(decision.Selected)
	if len(dropped) > 0 {
		log.Warn("classifier selected unknown handlers", zap.Strings("dropped", dropped))
	}

	out := domain.RoutingDecision{
		EntryID:    entryID,
		Selected:   kept,
		Source:     domain.SourceClassifier,
		Confidence: decision.Confidence,
		Reasoning:  decision.Reasoning,
		Dropped:    dropped,
	}

	lowConfidence := decision.Confidence != nil && *decision.Confidence < r.minConfidence
	if lowConfidence || (len(kept) == 0 && len(dropped) > 0) {
		out.Selected = domain.UnionNames(kept, r.registry.Match(text))
		out.Source = domain.SourceHybrid
	}
	if out.Selected == nil {
		out.Selected = []string{}
	}

	log.Debug("routed entry",
		zap.Strings("handlers", out.Selected),
		zap.String("source", string(out.Source)))
	return out
}

func (r *Router) fallback(entryID, text, reason string) domain.RoutingDecision {
	selected := r.registry.Match(text)
	if selected == nil {
		selected = []string{}
	}
	return domain.RoutingDecision{
		EntryID:   entryID,
		Selected:  selected,
		Source:    domain.SourceFallback,
		Reasoning: reason,
	}
}
