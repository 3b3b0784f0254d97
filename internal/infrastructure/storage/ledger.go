package storage

import (
	"context"
	"fmt"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

// Ledger tracks entries that completed the pipeline.
type Ledger struct {
	store *Store
}

var _ ports.EntryLedger = (*Ledger)(nil)

// Ledger returns the processed-entry ledger.
func (s *Store) Ledger() *Ledger {
	return &Ledger{store: s}
}

// AlreadyProcessed returns a map with IDs that already exist in storage.
func (l *Ledger) AlreadyProcessed(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := l.store.sb.Select("entry_id").
		From("processed_entries").
		Where(l.store.inStrings("entry_id", ids)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := l.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("query processed", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		result[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("rows iteration", err)
	}
	return result, nil
}

// MarkProcessed upserts the entry's completion marker.
func (l *Ledger) MarkProcessed(ctx context.Context, entry domain.Entry, outcome string) error {
	query, args, err := l.store.sb.Insert("processed_entries").
		Columns("entry_id", "occurred_at", "outcome", "processed_at").
		Values(entry.ID, formatTime(entry.OccurredAt), outcome, formatTime(l.store.now())).
		Suffix(`ON CONFLICT (entry_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			processed_at = EXCLUDED.processed_at`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := l.store.db.ExecContext(ctx, query, args...); err != nil {
		return wrap("mark processed", err)
	}
	return nil
}
