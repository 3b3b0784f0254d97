package domain

import (
	"fmt"
	"time"
)

// TaskState is the scheduler lifecycle of a handler task.
type TaskState string

const (
	TaskScheduled TaskState = "scheduled"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// ScheduledTask is the persisted state of one time-of-day handler task.
type ScheduledTask struct {
	ID          string
	Handler     string
	Name        string
	At          string
	State       TaskState
	LastOutcome TaskState
	NextRun     time.Time
	LastRun     time.Time
	LastError   string
	LastSuccess time.Time
}

// TaskID composes the identifier of a handler task.
func TaskID(handler, name string) string {
	return handler + "/" + name
}

// TaskResult is one execution of a scheduled task.
type TaskResult struct {
	ID        string
	TaskID    string
	StartedAt time.Time
	EndedAt   time.Time
	Success   bool
	Error     string
}

// Duration returns how long the run took.
func (r TaskResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// ClockTime is a wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(value string) (ClockTime, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return ClockTime{}, fmt.Errorf("%w: time of day %q", ErrInvalidInput, value)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Next returns the first occurrence of the clock time strictly after now in loc.
func (c ClockTime) Next(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), c.Hour, c.Minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, c.Hour, c.Minute, 0, 0, loc)
	}
	return candidate
}
