package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across layers.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrWatermarkCorrupt = errors.New("watermark corrupt")
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindTransport      ErrorKind = "transport"
	KindRateLimited    ErrorKind = "rate_limited"
	KindClassification ErrorKind = "classification"
	KindHandler        ErrorKind = "handler"
	KindPersistence    ErrorKind = "persistence"
	KindDeliverySink   ErrorKind = "delivery_sink"
)

// Error carries the kind of failure and which entry and handler it belongs to.
type Error struct {
	Kind       ErrorKind
	Op         string
	EntryID    string
	Handler    string
	RetryAfter time.Duration
	// Transient marks persistence and delivery failures worth retrying.
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Handler != "" {
		msg += fmt.Sprintf(" [handler=%s]", e.Handler)
	}
	if e.EntryID != "" {
		msg += fmt.Sprintf(" [entry=%s]", e.EntryID)
	}
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TransportError wraps a network or upstream availability failure.
func TransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Transient: true, Err: err}
}

// RateLimited reports that upstream asked us to wait retryAfter before trying again.
func RateLimited(op string, retryAfter time.Duration, err error) error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Transient: true, Err: err}
}

// ClassificationError wraps classifier transport failures and malformed output.
func ClassificationError(op string, err error) error {
	return &Error{Kind: KindClassification, Op: op, Err: err}
}

// HandlerError attributes a handler failure to its entry.
func HandlerError(entryID, handler string, err error) error {
	return &Error{Kind: KindHandler, EntryID: entryID, Handler: handler, Err: err}
}

// PersistenceError wraps a storage failure. Transient ones are retried.
func PersistenceError(op string, transient bool, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Transient: transient, Err: err}
}

// DeliverySinkError wraps a confirmation delivery failure.
func DeliverySinkError(op string, transient bool, err error) error {
	return &Error{Kind: KindDeliverySink, Op: op, Transient: transient, Err: err}
}

// Attribute fills in entry and handler on a taxonomy error, wrapping plain errors as handler errors.
func Attribute(err error, entryID, handler string) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		cp := *de
		if cp.EntryID == "" {
			cp.EntryID = entryID
		}
		if cp.Handler == "" {
			cp.Handler = handler
		}
		return &cp
	}
	return HandlerError(entryID, handler, err)
}

// KindOf returns the taxonomy kind of err, or "" when err is not classified.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsRetryable reports whether the retry policy should try again after err.
func IsRetryable(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	switch de.Kind {
	case KindTransport, KindRateLimited:
		return true
	case KindPersistence, KindDeliverySink:
		return de.Transient
	default:
		return false
	}
}

// RetryAfter returns the server-provided delay of a RateLimited error.
func RetryAfter(err error) (time.Duration, bool) {
	var de *Error
	if errors.As(err, &de) && de.Kind == KindRateLimited && de.RetryAfter > 0 {
		return de.RetryAfter, true
	}
	return 0, false
}
