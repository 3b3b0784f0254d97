package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

var recordColumns = []string{"r.entry_id", "r.handler_name", "r.payload", "r.created_at", "r.processed_by", "r.schema_version"}

// Records persists handler results, one row per (entry, handler).
type Records struct {
	store *Store
}

var _ ports.RecordStore = (*Records)(nil)

// Records returns the record store.
func (s *Store) Records() *Records {
	return &Records{store: s}
}

// Commit inserts the record unless the pair already exists, then returns the committed row.
// Both statements run in one transaction, so a second commit of the pair is a no-op.
func (r *Records) Commit(ctx context.Context, rec domain.PersistedRecord) (domain.PersistedRecord, error) {
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.store.now()
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = domain.RecordSchemaVersion
	}

	insert, insertArgs, err := r.store.sb.Insert("records").
		Columns("entry_id", "handler_name", "payload", "created_at", "processed_by", "schema_version").
		Values(rec.EntryID, rec.HandlerName, payload, formatTime(rec.CreatedAt), rec.ProcessedBy, rec.SchemaVersion).
		Suffix("ON CONFLICT (entry_id, handler_name) DO NOTHING").
		ToSql()
	if err != nil {
		return domain.PersistedRecord{}, err
	}
	selectQ, selectArgs, err := r.selectRecords().
		Where(sq.Eq{"r.entry_id": rec.EntryID, "r.handler_name": rec.HandlerName}).
		ToSql()
	if err != nil {
		return domain.PersistedRecord{}, err
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistedRecord{}, wrap("begin commit", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insert, insertArgs...); err != nil {
		return domain.PersistedRecord{}, wrap("insert record", err)
	}
	committed, err := scanRecord(tx.QueryRowContext(ctx, selectQ, selectArgs...))
	if err != nil {
		return domain.PersistedRecord{}, wrap("select record", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistedRecord{}, wrap("commit record", err)
	}
	return committed, nil
}

// Get returns the record for the pair, or nil when none was committed.
func (r *Records) Get(ctx context.Context, entryID, handler string) (*domain.PersistedRecord, error) {
	query, args, err := r.selectRecords().
		Where(sq.Eq{"r.entry_id": entryID, "r.handler_name": handler}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(r.store.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get record", err)
	}
	return &rec, nil
}

// ListByHandler returns a handler's records created within [from, to).
func (r *Records) ListByHandler(ctx context.Context, handler string, from, to time.Time) ([]domain.PersistedRecord, error) {
	query, args, err := r.selectRecords().
		Where(sq.Eq{"r.handler_name": handler}).
		Where(sq.GtOrEq{"r.created_at": formatTime(from)}).
		Where(sq.Lt{"r.created_at": formatTime(to)}).
		OrderBy("r.created_at", "r.entry_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	return r.query(ctx, "list records", query, args)
}

// SaveConfirmation links a delivered confirmation to its record. The first link wins.
func (r *Records) SaveConfirmation(ctx context.Context, c domain.Confirmation) error {
	if c.ConfirmedAt.IsZero() {
		c.ConfirmedAt = r.store.now()
	}
	query, args, err := r.store.sb.Insert("confirmations").
		Columns("entry_id", "handler_name", "confirmation_ref", "confirmed_at").
		Values(c.EntryID, c.HandlerName, c.Ref, formatTime(c.ConfirmedAt)).
		Suffix("ON CONFLICT (entry_id, handler_name) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.store.db.ExecContext(ctx, query, args...); err != nil {
		return wrap("save confirmation", err)
	}
	return nil
}

// GetConfirmation returns the confirmation linked to the pair, or nil.
func (r *Records) GetConfirmation(ctx context.Context, entryID, handler string) (*domain.Confirmation, error) {
	query, args, err := r.store.sb.Select("entry_id", "handler_name", "confirmation_ref", "confirmed_at").
		From("confirmations").
		Where(sq.Eq{"entry_id": entryID, "handler_name": handler}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var c domain.Confirmation
	var confirmedAt string
	err = r.store.db.QueryRowContext(ctx, query, args...).Scan(&c.EntryID, &c.HandlerName, &c.Ref, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get confirmation", err)
	}
	if c.ConfirmedAt, err = parseTime(confirmedAt); err != nil {
		return nil, fmt.Errorf("parse confirmed_at: %w", err)
	}
	return &c, nil
}

// ListUnconfirmed returns records created before the cutoff that have no confirmation yet.
func (r *Records) ListUnconfirmed(ctx context.Context, before time.Time, limit int) ([]domain.PersistedRecord, error) {
	builder := r.selectRecords().
		LeftJoin("confirmations c ON c.entry_id = r.entry_id AND c.handler_name = r.handler_name").
		Where("c.entry_id IS NULL").
		Where(sq.Lt{"r.created_at": formatTime(before)}).
		OrderBy("r.created_at", "r.entry_id")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	return r.query(ctx, "list unconfirmed", query, args)
}

func (r *Records) selectRecords() sq.SelectBuilder {
	return r.store.sb.Select(recordColumns...).From("records r")
}

func (r *Records) query(ctx context.Context, op, query string, args []any) ([]domain.PersistedRecord, error) {
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []domain.PersistedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.PersistedRecord, error) {
	var rec domain.PersistedRecord
	var payload, createdAt string
	if err := row.Scan(&rec.EntryID, &rec.HandlerName, &payload, &createdAt, &rec.ProcessedBy, &rec.SchemaVersion); err != nil {
		return domain.PersistedRecord{}, err
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return domain.PersistedRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = created
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}
