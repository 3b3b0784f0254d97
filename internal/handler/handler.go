package handler

import (
	"context"
	"time"

	"LifelogRouter/internal/domain"
)

// RoutingContext is what a handler sees about why it was selected.
type RoutingContext struct {
	Decision domain.RoutingDecision
	Window   domain.ContextWindow
}

// QueryContext carries the clock for read-path questions.
type QueryContext struct {
	Now      time.Time
	Location *time.Location
}

// Handler is the capability every registered handler provides.
type Handler interface {
	Name() string
	// Keywords drive fallback routing when the classifier is unavailable.
	Keywords() []string
	// Patterns are regular expressions that recognise questions for this handler.
	Patterns() []string
	HandleLog(ctx context.Context, text, entryID string, rc RoutingContext) (domain.HandlerResult, error)
}

// Describer exposes a human description used in classifier prompts.
type Describer interface {
	Description() string
}

// ImageHandler accepts photos.
type ImageHandler interface {
	HandleImage(ctx context.Context, image []byte, hint string) (domain.HandlerResult, error)
}

// QueryHandler answers questions on the read path. It never goes through dispatch.
type QueryHandler interface {
	HandleQuery(ctx context.Context, query string, qc QueryContext) (string, error)
}

// Task is a time-of-day job contributed by a handler.
type Task struct {
	Name string
	At   string
	Run  func(ctx context.Context, now time.Time) error
}

// TaskProvider contributes scheduled tasks.
type TaskProvider interface {
	ScheduledTasks() []Task
}

// Summarizer produces a structured summary of one day.
type Summarizer interface {
	DailySummary(ctx context.Context, day time.Time) (map[string]any, error)
}
