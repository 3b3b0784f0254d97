package ports

import (
	"context"
	"time"

	"LifelogRouter/internal/domain"
)

// SourceFeed pulls transcript entries from upstream.
// Entries are returned with OccurredAt at or after since, oldest first.
type SourceFeed interface {
	Fetch(ctx context.Context, since time.Time, limit int) ([]domain.Entry, error)
}

// WatermarkStore persists the poller's cursor.
type WatermarkStore interface {
	Load(ctx context.Context) (domain.Watermark, error)
	Save(ctx context.Context, wm domain.Watermark) error
}

// EntryLedger remembers which entries completed the pipeline.
type EntryLedger interface {
	AlreadyProcessed(ctx context.Context, ids []string) (map[string]bool, error)
	MarkProcessed(ctx context.Context, entry domain.Entry, outcome string) error
}

// RecordStore persists handler results, one record per (entry, handler).
type RecordStore interface {
	// Commit inserts the record unless the pair exists and returns the committed state.
	Commit(ctx context.Context, rec domain.PersistedRecord) (domain.PersistedRecord, error)
	Get(ctx context.Context, entryID, handler string) (*domain.PersistedRecord, error)
	ListByHandler(ctx context.Context, handler string, from, to time.Time) ([]domain.PersistedRecord, error)
	SaveConfirmation(ctx context.Context, c domain.Confirmation) error
	GetConfirmation(ctx context.Context, entryID, handler string) (*domain.Confirmation, error)
	ListUnconfirmed(ctx context.Context, before time.Time, limit int) ([]domain.PersistedRecord, error)
}

// AttemptStore claims handler invocations so each (entry, handler) pair runs at most once.
type AttemptStore interface {
	// Claim stores a new attempt and returns nil, or returns the attempt already stored for the pair.
	Claim(ctx context.Context, attempt domain.Attempt) (*domain.Attempt, error)
	// Finish records the handler's outcome on a claimed attempt.
	Finish(ctx context.Context, attempt domain.Attempt) error
}

// EvidenceStore is append-only.
type EvidenceStore interface {
	Append(ctx context.Context, ev domain.EvidenceRecord) error
	Exists(ctx context.Context, entryID, handler string) (bool, error)
	ListByEntry(ctx context.Context, entryID string) ([]domain.EvidenceRecord, error)
	List(ctx context.Context, limit int) ([]domain.EvidenceRecord, error)
}

// TaskStore persists scheduled task state and run history.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*domain.ScheduledTask, error)
	SaveTask(ctx context.Context, task domain.ScheduledTask) error
	ListTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	SaveResult(ctx context.Context, result domain.TaskResult) error
	PruneHistory(ctx context.Context, keepPerTask int) error
}

// Classifier maps a context window to a set of handler names.
// It fails with a classification error on transport failure or malformed output.
type Classifier interface {
	Classify(ctx context.Context, window domain.ContextWindow) (domain.RoutingDecision, error)
}

// Completer runs a single prompt against a language model and returns its text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ImageCompleter runs a prompt over one image. Vision-capable completers implement it.
type ImageCompleter interface {
	CompleteImage(ctx context.Context, system, user string, image []byte, mimeType string) (string, error)
}

// ConfirmationSink delivers a human-visible confirmation for a committed record.
type ConfirmationSink interface {
	PostConfirmation(ctx context.Context, rec domain.PersistedRecord) (string, error)
}

// Notifier streams digests to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Scheduler controls when periodic jobs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
