package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

var evidenceColumns = []string{
	"id", "entry_id", "handler_name", "status", "source_excerpt", "routing_decision",
	"record_ref", "confirmation_ref", "error", "integrity_hash", "recorded_at",
}

// Evidence is the append-only audit log. It exposes no update or delete.
type Evidence struct {
	store *Store
}

var _ ports.EvidenceStore = (*Evidence)(nil)

// Evidence returns the evidence store.
func (s *Store) Evidence() *Evidence {
	return &Evidence{store: s}
}

// Append inserts one evidence record.
func (e *Evidence) Append(ctx context.Context, ev domain.EvidenceRecord) error {
	decision, err := json.Marshal(ev.RoutingDecision)
	if err != nil {
		return fmt.Errorf("encode routing decision: %w", err)
	}

	query, args, err := e.store.sb.Insert("evidence").
		Columns(evidenceColumns...).
		Values(
			ev.ID, ev.EntryID, ev.HandlerName, string(ev.Status), ev.SourceExcerpt, string(decision),
			nullStringPtr(ev.RecordRef), nullStringPtr(ev.ConfirmationRef), nullString(ev.Error),
			ev.IntegrityHash, formatTime(ev.RecordedAt),
		).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := e.store.db.ExecContext(ctx, query, args...); err != nil {
		return wrap("append evidence", err)
	}
	return nil
}

// Exists reports whether any evidence was recorded for the pair.
func (e *Evidence) Exists(ctx context.Context, entryID, handler string) (bool, error) {
	query, args, err := e.store.sb.Select("COUNT(*)").
		From("evidence").
		Where(sq.Eq{"entry_id": entryID, "handler_name": handler}).
		ToSql()
	if err != nil {
		return false, err
	}
	var n int
	if err := e.store.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, wrap("count evidence", err)
	}
	return n > 0, nil
}

// ListByEntry returns the entry's evidence in recording order.
func (e *Evidence) ListByEntry(ctx context.Context, entryID string) ([]domain.EvidenceRecord, error) {
	query, args, err := e.store.sb.Select(evidenceColumns...).
		From("evidence").
		Where(sq.Eq{"entry_id": entryID}).
		OrderBy("recorded_at", "handler_name").
		ToSql()
	if err != nil {
		return nil, err
	}
	return e.query(ctx, query, args)
}

// List returns the most recent evidence, newest first.
func (e *Evidence) List(ctx context.Context, limit int) ([]domain.EvidenceRecord, error) {
	builder := e.store.sb.Select(evidenceColumns...).
		From("evidence").
		OrderBy("recorded_at DESC", "id")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	return e.query(ctx, query, args)
}

func (e *Evidence) query(ctx context.Context, query string, args []any) ([]domain.EvidenceRecord, error) {
	rows, err := e.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("query evidence", err)
	}
	defer rows.Close()

	var out []domain.EvidenceRecord
	for rows.Next() {
		var (
			ev                   domain.EvidenceRecord
			status, decision     string
			recordedAt           string
			recordRef, confirmed sql.NullString
			errText              sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.EntryID, &ev.HandlerName, &status, &ev.SourceExcerpt, &decision,
			&recordRef, &confirmed, &errText, &ev.IntegrityHash, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		ev.Status = domain.ResultStatus(status)
		ev.RecordRef = stringPtr(recordRef)
		ev.ConfirmationRef = stringPtr(confirmed)
		ev.Error = errText.String
		if err := json.Unmarshal([]byte(decision), &ev.RoutingDecision); err != nil {
			return nil, fmt.Errorf("decode routing decision: %w", err)
		}
		if ev.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("query evidence", err)
	}
	return out, nil
}
