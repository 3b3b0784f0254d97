package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResultStatus enumerates handler outcomes.
type ResultStatus string

const (
	StatusOK                ResultStatus = "ok"
	StatusNeedsConfirmation ResultStatus = "needs_confirmation"
	StatusFailed            ResultStatus = "failed"
)

// RecordSchemaVersion is stamped on every persisted record.
const RecordSchemaVersion = 1

// HandlerResult is what a handler returns for one entry.
type HandlerResult struct {
	EntryID     string
	HandlerName string
	Payload     json.RawMessage
	Status      ResultStatus
	Err         error
}

// PersistedRecord is the committed result of one (entry, handler) pair.
type PersistedRecord struct {
	EntryID       string
	HandlerName   string
	Payload       json.RawMessage
	CreatedAt     time.Time
	ProcessedBy   string
	SchemaVersion int
}

// Ref is the stable reference evidence uses to point at the record.
func (r PersistedRecord) Ref() string {
	return RecordRef(r.HandlerName, r.EntryID)
}

// RecordRef builds the reference for a (handler, entry) pair.
func RecordRef(handler, entryID string) string {
	return fmt.Sprintf("records/%s/%s", handler, entryID)
}

// Attempt marks one handler invocation for a pair. Status stays empty until the
// handler returns, so an attempt without a status was interrupted mid-call.
type Attempt struct {
	EntryID     string
	HandlerName string
	Status      ResultStatus
	Payload     json.RawMessage
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Finished reports whether the handler returned a result.
func (a Attempt) Finished() bool {
	return a.Status != ""
}

// Confirmation links a delivered confirmation to a committed record.
type Confirmation struct {
	EntryID     string
	HandlerName string
	Ref         string
	ConfirmedAt time.Time
}

// Entry outcomes stored in the processed-entry ledger.
const (
	OutcomeDispatched = "dispatched"
	OutcomeNoHandlers = "no_handlers"
)
