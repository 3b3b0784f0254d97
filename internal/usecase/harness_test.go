package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler"
	"LifelogRouter/internal/handler/handlertest"
	"LifelogRouter/internal/infrastructure/storage/memory"
	"LifelogRouter/internal/ports"
	"LifelogRouter/internal/retry"
	"LifelogRouter/internal/trigger"
)

var base = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func noSleep() retry.Policy {
	return retry.Default().WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	})
}

func entry(id, text string, minute int) domain.Entry {
	return domain.Entry{ID: id, OccurredAt: base.Add(time.Duration(minute) * time.Minute), Text: text}
}

func standaloneWindow(e domain.Entry) domain.ContextWindow {
	return domain.ContextWindow{Trigger: e, Entries: []domain.Entry{e}}
}

// classifierFunc adapts a function to ports.Classifier.
type classifierFunc func(ctx context.Context, window domain.ContextWindow) (domain.RoutingDecision, error)

func (f classifierFunc) Classify(ctx context.Context, window domain.ContextWindow) (domain.RoutingDecision, error) {
	return f(ctx, window)
}

func selects(names ...string) classifierFunc {
	return func(_ context.Context, w domain.ContextWindow) (domain.RoutingDecision, error) {
		return domain.RoutingDecision{EntryID: w.Trigger.ID, Selected: names, Source: domain.SourceClassifier}, nil
	}
}

func failingClassifier() classifierFunc {
	return func(context.Context, domain.ContextWindow) (domain.RoutingDecision, error) {
		return domain.RoutingDecision{}, domain.ClassificationError("classify", errors.New("upstream 503"))
	}
}

// sinkFunc adapts a function to ports.ConfirmationSink.
type sinkFunc func(ctx context.Context, rec domain.PersistedRecord) (string, error)

func (f sinkFunc) PostConfirmation(ctx context.Context, rec domain.PersistedRecord) (string, error) {
	return f(ctx, rec)
}

// feed serves entries at or after since, oldest first, and counts calls.
type feed struct {
	mu      sync.Mutex
	entries []domain.Entry
	errs    []error
	sinces  []time.Time
}

func (f *feed) Fetch(_ context.Context, since time.Time, limit int) ([]domain.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	sorted := append([]domain.Entry(nil), f.entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OccurredAt.Before(sorted[j].OccurredAt) })
	var out []domain.Entry
	for _, e := range sorted {
		if e.OccurredAt.Before(since) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *feed) add(entries ...domain.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
}

func (f *feed) calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.sinces...)
}

type harness struct {
	store      *memory.Store
	registry   *handler.Registry
	router     *Router
	dispatcher *Dispatcher
	pipeline   *Pipeline
	confirmer  *Confirmer
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	classifier ports.Classifier
	sink       ports.ConfirmationSink
	evidence   ports.EvidenceStore
}

func withClassifier(c classifierFunc) harnessOption {
	return func(cfg *harnessConfig) { cfg.classifier = c }
}

func withSink(s sinkFunc) harnessOption {
	return func(cfg *harnessConfig) { cfg.sink = s }
}

func withEvidence(e ports.EvidenceStore) harnessOption {
	return func(cfg *harnessConfig) { cfg.evidence = e }
}

func newHarness(t *testing.T, handlers []*handlertest.Fake, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	hs := make([]handler.Handler, 0, len(handlers))
	for _, h := range handlers {
		hs = append(hs, h)
	}
	reg, err := handler.NewRegistry(hs...)
	require.NoError(t, err)

	store := memory.New(2 * time.Minute)
	policy := noSleep()

	router := NewRouter(cfg.classifier, reg, 0.7, nil)

	var evidence ports.EvidenceStore = store
	if cfg.evidence != nil {
		evidence = cfg.evidence
	}

	var confirmer *Confirmer
	if cfg.sink != nil {
		confirmer = NewConfirmer(cfg.sink, store, policy, ConfirmerConfig{MaxAttempts: 3}, nil)
	}

	dispatcher := NewDispatcher(DispatcherDeps{
		Registry:  reg,
		Committer: NewCommitter(store, policy, "lifelogrouter/test"),
		Attempts:  NewAttemptLog(store, policy),
		Recorder:  NewRecorder(evidence, policy),
		Confirmer: confirmer,
	})
	pipeline := NewPipeline(PipelineDeps{
		Router:     router,
		Dispatcher: dispatcher,
		Ledger:     store,
		Policy:     policy,
	})
	return &harness{
		store:      store,
		registry:   reg,
		router:     router,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		confirmer:  confirmer,
	}
}

func newDetector() *trigger.Detector {
	return trigger.NewDetector("log that", []string{"log this", "track that"}, 5)
}
