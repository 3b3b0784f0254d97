package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

// Attempts claims handler invocations, one row per (entry, handler).
type Attempts struct {
	store *Store
}

var _ ports.AttemptStore = (*Attempts)(nil)

// Attempts returns the invocation claim store.
func (s *Store) Attempts() *Attempts {
	return &Attempts{store: s}
}

// Claim inserts the attempt unless the pair was claimed before, in which case the
// earlier attempt is returned. Insert and lookup share one transaction.
func (a *Attempts) Claim(ctx context.Context, attempt domain.Attempt) (*domain.Attempt, error) {
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = a.store.now()
	}
	insert, insertArgs, err := a.store.sb.Insert("handler_attempts").
		Columns("entry_id", "handler_name", "started_at").
		Values(attempt.EntryID, attempt.HandlerName, formatTime(attempt.StartedAt)).
		Suffix("ON CONFLICT (entry_id, handler_name) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, err
	}

	tx, err := a.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("begin claim", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, insert, insertArgs...)
	if err != nil {
		return nil, wrap("insert attempt", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, wrap("insert attempt", err)
	}
	if inserted == 1 {
		if err := tx.Commit(); err != nil {
			return nil, wrap("commit attempt", err)
		}
		return nil, nil
	}

	query, args, err := a.store.sb.Select("entry_id", "handler_name", "status", "payload", "error", "started_at", "finished_at").
		From("handler_attempts").
		Where(sq.Eq{"entry_id": attempt.EntryID, "handler_name": attempt.HandlerName}).
		ToSql()
	if err != nil {
		return nil, err
	}
	prior, err := scanAttempt(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("select attempt", fmt.Errorf("attempt for %s/%s vanished", attempt.HandlerName, attempt.EntryID))
	}
	if err != nil {
		return nil, wrap("select attempt", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("commit attempt", err)
	}
	return &prior, nil
}

// Finish stores the handler outcome on the claimed row.
func (a *Attempts) Finish(ctx context.Context, attempt domain.Attempt) error {
	if attempt.FinishedAt.IsZero() {
		attempt.FinishedAt = a.store.now()
	}
	var payload any
	if len(attempt.Payload) > 0 {
		payload = string(attempt.Payload)
	}
	query, args, err := a.store.sb.Update("handler_attempts").
		Set("status", string(attempt.Status)).
		Set("payload", payload).
		Set("error", nullString(attempt.Error)).
		Set("finished_at", formatTime(attempt.FinishedAt)).
		Where(sq.Eq{"entry_id": attempt.EntryID, "handler_name": attempt.HandlerName}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := a.store.db.ExecContext(ctx, query, args...); err != nil {
		return wrap("finish attempt", err)
	}
	return nil
}

func scanAttempt(row rowScanner) (domain.Attempt, error) {
	var (
		at                   domain.Attempt
		status, payload, msg sql.NullString
		startedAt            string
		finishedAt           sql.NullString
	)
	if err := row.Scan(&at.EntryID, &at.HandlerName, &status, &payload, &msg, &startedAt, &finishedAt); err != nil {
		return domain.Attempt{}, err
	}
	at.Status = domain.ResultStatus(status.String)
	if payload.Valid {
		at.Payload = []byte(payload.String)
	}
	at.Error = msg.String
	started, err := parseTime(startedAt)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("parse started_at: %w", err)
	}
	at.StartedAt = started
	at.FinishedAt = parseNullableTime(finishedAt)
	return at, nil
}
