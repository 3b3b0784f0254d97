// Package memory is an in-process implementation of the persistence ports,
// used for dry runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

type pair struct {
	entryID string
	handler string
}

// Store keeps all state in maps guarded by one mutex.
type Store struct {
	mu            sync.Mutex
	overlap       time.Duration
	watermark     *domain.Watermark
	processed     map[string]string
	records       map[pair]domain.PersistedRecord
	attempts      map[pair]domain.Attempt
	confirmations map[pair]domain.Confirmation
	evidence      []domain.EvidenceRecord
	tasks         map[string]domain.ScheduledTask
	results       []domain.TaskResult
	now           func() time.Time
}

var (
	_ ports.WatermarkStore = (*Store)(nil)
	_ ports.EntryLedger    = (*Store)(nil)
	_ ports.RecordStore    = (*Store)(nil)
	_ ports.AttemptStore   = (*Store)(nil)
	_ ports.EvidenceStore  = (*Store)(nil)
	_ ports.TaskStore      = (*Store)(nil)
)

// New creates an empty store; overlap is attached to loaded watermarks.
func New(overlap time.Duration) *Store {
	return &Store{
		overlap:       overlap,
		processed:     make(map[string]string),
		records:       make(map[pair]domain.PersistedRecord),
		attempts:      make(map[pair]domain.Attempt),
		confirmations: make(map[pair]domain.Confirmation),
		tasks:         make(map[string]domain.ScheduledTask),
		now:           time.Now,
	}
}

// Load returns the saved watermark or a zero one.
func (s *Store) Load(_ context.Context) (domain.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watermark == nil {
		return domain.Watermark{OverlapMargin: s.overlap}, nil
	}
	wm := *s.watermark
	wm.OverlapMargin = s.overlap
	return wm, nil
}

// Save replaces the watermark.
func (s *Store) Save(_ context.Context, wm domain.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = &wm
	return nil
}

// AlreadyProcessed returns a map with IDs that completed the pipeline.
func (s *Store) AlreadyProcessed(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := s.processed[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

// MarkProcessed records the entry outcome.
func (s *Store) MarkProcessed(_ context.Context, entry domain.Entry, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[entry.ID] = outcome
	return nil
}

// Commit inserts unless the pair exists and returns the committed record.
func (s *Store) Commit(_ context.Context, rec domain.PersistedRecord) (domain.PersistedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{rec.EntryID, rec.HandlerName}
	if existing, ok := s.records[key]; ok {
		return existing, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = domain.RecordSchemaVersion
	}
	s.records[key] = rec
	return rec, nil
}

// Get returns the record for the pair or nil.
func (s *Store) Get(_ context.Context, entryID, handler string) (*domain.PersistedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pair{entryID, handler}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ListByHandler returns a handler's records created within [from, to).
func (s *Store) ListByHandler(_ context.Context, handler string, from, to time.Time) ([]domain.PersistedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PersistedRecord
	for k, rec := range s.records {
		if k.handler != handler || rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// SaveConfirmation links a confirmation; the first one wins.
func (s *Store) SaveConfirmation(_ context.Context, c domain.Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{c.EntryID, c.HandlerName}
	if _, ok := s.confirmations[key]; ok {
		return nil
	}
	if c.ConfirmedAt.IsZero() {
		c.ConfirmedAt = s.now()
	}
	s.confirmations[key] = c
	return nil
}

// GetConfirmation returns the linked confirmation or nil.
func (s *Store) GetConfirmation(_ context.Context, entryID, handler string) (*domain.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confirmations[pair{entryID, handler}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// ListUnconfirmed returns records created before the cutoff without a confirmation.
func (s *Store) ListUnconfirmed(_ context.Context, before time.Time, limit int) ([]domain.PersistedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PersistedRecord
	for k, rec := range s.records {
		if _, ok := s.confirmations[k]; ok || !rec.CreatedAt.Before(before) {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim stores the attempt unless the pair was claimed, returning the earlier one.
func (s *Store) Claim(_ context.Context, attempt domain.Attempt) (*domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{attempt.EntryID, attempt.HandlerName}
	if prior, ok := s.attempts[key]; ok {
		return &prior, nil
	}
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = s.now()
	}
	attempt.Status, attempt.Payload, attempt.Error = "", nil, ""
	s.attempts[key] = attempt
	return nil, nil
}

// Finish records the outcome of a claimed attempt.
func (s *Store) Finish(_ context.Context, attempt domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{attempt.EntryID, attempt.HandlerName}
	prior, ok := s.attempts[key]
	if !ok {
		return nil
	}
	if attempt.FinishedAt.IsZero() {
		attempt.FinishedAt = s.now()
	}
	attempt.StartedAt = prior.StartedAt
	s.attempts[key] = attempt
	return nil
}

// Append adds evidence.
func (s *Store) Append(_ context.Context, ev domain.EvidenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence = append(s.evidence, ev)
	return nil
}

// Exists reports whether evidence exists for the pair.
func (s *Store) Exists(_ context.Context, entryID, handler string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.evidence {
		if ev.EntryID == entryID && ev.HandlerName == handler {
			return true, nil
		}
	}
	return false, nil
}

// ListByEntry returns the entry's evidence in append order.
func (s *Store) ListByEntry(_ context.Context, entryID string) ([]domain.EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EvidenceRecord
	for _, ev := range s.evidence {
		if ev.EntryID == entryID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// List returns the newest evidence first.
func (s *Store) List(_ context.Context, limit int) ([]domain.EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EvidenceRecord, 0, len(s.evidence))
	for i := len(s.evidence) - 1; i >= 0; i-- {
		out = append(out, s.evidence[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetTask returns the task or nil.
func (s *Store) GetTask(_ context.Context, id string) (*domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return &task, nil
}

// SaveTask stores the task by id.
func (s *Store) SaveTask(_ context.Context, task domain.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// ListTasks returns tasks ordered by id.
func (s *Store) ListTasks(_ context.Context) ([]domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveResult appends a run result.
func (s *Store) SaveResult(_ context.Context, result domain.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

// PruneHistory keeps the newest keep results per task.
func (s *Store) PruneHistory(_ context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.SliceStable(s.results, func(i, j int) bool { return s.results[i].StartedAt.After(s.results[j].StartedAt) })
	counts := make(map[string]int)
	kept := s.results[:0]
	for _, r := range s.results {
		if counts[r.TaskID] < keep {
			kept = append(kept, r)
		}
		counts[r.TaskID]++
	}
	s.results = kept
	return nil
}

// Results returns a copy of the task run history.
func (s *Store) Results() []domain.TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TaskResult(nil), s.results...)
}

// AllRecords returns every committed record, ordered by entry and handler.
func (s *Store) AllRecords() []domain.PersistedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PersistedRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryID != out[j].EntryID {
			return out[i].EntryID < out[j].EntryID
		}
		return out[i].HandlerName < out[j].HandlerName
	})
	return out
}

// AllEvidence returns every evidence record in append order.
func (s *Store) AllEvidence() []domain.EvidenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.EvidenceRecord(nil), s.evidence...)
}

func sortRecords(recs []domain.PersistedRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].EntryID < recs[j].EntryID
	})
}
