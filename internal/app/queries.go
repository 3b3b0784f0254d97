package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler"
)

// Answer is one handler's reply to a question.
type Answer struct {
	Handler string `json:"handler"`
	Text    string `json:"text"`
}

// Ask routes a question to the handlers whose question patterns match it and
// collects their answers. Questions never go through dispatch.
func (a *Application) Ask(ctx context.Context, question string, now time.Time) ([]Answer, error) {
	names := a.registry.MatchQuestion(question)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no handler recognises %q", domain.ErrNotFound, question)
	}
	qc := handler.QueryContext{Now: now, Location: a.cfg.Scheduler.Location()}

	answers := make([]Answer, 0, len(names))
	for _, name := range names {
		h, err := a.registry.Resolve(name)
		if err != nil {
			return nil, err
		}
		qh, ok := h.(handler.QueryHandler)
		if !ok {
			continue
		}
		text, err := qh.HandleQuery(ctx, question, qc)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		answers = append(answers, Answer{Handler: name, Text: text})
	}
	return answers, nil
}

// AnalyzeImage hands a photo to the named handler. Results always await
// confirmation and are not committed.
func (a *Application) AnalyzeImage(ctx context.Context, handlerName string, image []byte, hint string) (domain.HandlerResult, error) {
	h, err := a.registry.Resolve(handlerName)
	if err != nil {
		return domain.HandlerResult{}, err
	}
	ih, ok := h.(handler.ImageHandler)
	if !ok {
		return domain.HandlerResult{}, fmt.Errorf("%w: %s does not accept images", domain.ErrNotImplemented, handlerName)
	}
	res, err := ih.HandleImage(ctx, image, hint)
	if err != nil {
		return res, err
	}
	a.logger.Info("image analysed", zap.String("handler", handlerName), zap.String("status", string(res.Status)))
	return res, nil
}
