package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

const watermarkSlot = "poller"

// WatermarkStore keeps the poller cursor in a single checksummed row.
type WatermarkStore struct {
	store   *Store
	overlap time.Duration
}

var _ ports.WatermarkStore = (*WatermarkStore)(nil)

// Watermarks returns the watermark store; overlap is attached to every loaded watermark.
func (s *Store) Watermarks(overlap time.Duration) *WatermarkStore {
	return &WatermarkStore{store: s, overlap: overlap}
}

// Load returns the committed watermark, or a zero one if none was ever saved.
// A row that fails its checksum or cannot be parsed yields domain.ErrWatermarkCorrupt.
func (w *WatermarkStore) Load(ctx context.Context) (domain.Watermark, error) {
	query, args, err := w.store.sb.Select("position", "entry_id", "checksum").
		From("watermarks").
		Where(sq.Eq{"slot": watermarkSlot}).
		ToSql()
	if err != nil {
		return domain.Watermark{}, err
	}

	var position, entryID, checksum string
	err = w.store.db.QueryRowContext(ctx, query, args...).Scan(&position, &entryID, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Watermark{OverlapMargin: w.overlap}, nil
	}
	if err != nil {
		return domain.Watermark{}, wrap("load watermark", err)
	}

	if watermarkChecksum(position, entryID) != checksum {
		return domain.Watermark{}, fmt.Errorf("%w: checksum mismatch", domain.ErrWatermarkCorrupt)
	}
	pos, err := parseTime(position)
	if err != nil {
		return domain.Watermark{}, fmt.Errorf("%w: position %q: %v", domain.ErrWatermarkCorrupt, position, err)
	}

	return domain.Watermark{Position: pos, EntryID: entryID, OverlapMargin: w.overlap}, nil
}

// Save upserts the watermark row.
func (w *WatermarkStore) Save(ctx context.Context, wm domain.Watermark) error {
	position := formatTime(wm.Position)
	query, args, err := w.store.sb.Insert("watermarks").
		Columns("slot", "position", "entry_id", "checksum", "updated_at").
		Values(watermarkSlot, position, wm.EntryID, watermarkChecksum(position, wm.EntryID), formatTime(w.store.now())).
		Suffix(`ON CONFLICT (slot) DO UPDATE SET
			position = EXCLUDED.position,
			entry_id = EXCLUDED.entry_id,
			checksum = EXCLUDED.checksum,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := w.store.db.ExecContext(ctx, query, args...); err != nil {
		return wrap("save watermark", err)
	}
	return nil
}

func watermarkChecksum(position, entryID string) string {
	sum := sha256.Sum256([]byte(watermarkSlot + "\x00" + position + "\x00" + entryID))
	return hex.EncodeToString(sum[:])
}
