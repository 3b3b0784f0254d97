package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler/handlertest"
	"LifelogRouter/internal/infrastructure/storage/memory"
)

func TestProcessLogsEggsToNutrition(t *testing.T) {
	nutrition := handlertest.New("nutrition", "eggs", "ate")
	workout := handlertest.New("workout", "ran")
	h := newHarness(t, []*handlertest.Fake{nutrition, workout}, withClassifier(selects("nutrition")))

	e := entry("a1", "I had eggs. Log that.", 0)
	require.NoError(t, h.pipeline.Process(context.Background(), Job{Window: standaloneWindow(e)}))

	records := h.store.AllRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "a1", records[0].EntryID)
	assert.Equal(t, "nutrition", records[0].HandlerName)
	assert.Equal(t, "lifelogrouter/test", records[0].ProcessedBy)
	assert.Equal(t, domain.RecordSchemaVersion, records[0].SchemaVersion)

	evidence := h.store.AllEvidence()
	require.Len(t, evidence, 1)
	ev := evidence[0]
	assert.Equal(t, domain.StatusOK, ev.Status)
	require.NotNil(t, ev.RecordRef)
	assert.Equal(t, "records/nutrition/a1", *ev.RecordRef)
	assert.Equal(t, domain.SourceClassifier, ev.RoutingDecision.Source)
	assert.True(t, ev.Verify(records[0].Payload))
	assert.Equal(t, "I had eggs. Log that.", ev.SourceExcerpt)

	assert.Equal(t, 0, workout.TotalCalls())
	processed, err := h.store.AlreadyProcessed(context.Background(), []string{"a1"})
	require.NoError(t, err)
	assert.True(t, processed["a1"])
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	nutrition := handlertest.New("nutrition", "eggs")
	h := newHarness(t, []*handlertest.Fake{nutrition}, withClassifier(selects("nutrition")))

	job := Job{Window: standaloneWindow(entry("e1", "two eggs, log that", 0))}
	for i := 0; i < 3; i++ {
		require.NoError(t, h.pipeline.Process(context.Background(), job))
	}

	assert.Equal(t, 1, nutrition.Calls("e1"))
	assert.Len(t, h.store.AllRecords(), 1)
	assert.Len(t, h.store.AllEvidence(), 1)
}

func TestProcessConcurrentRedeliveryInvokesOnce(t *testing.T) {
	release := make(chan struct{})
	nutrition := handlertest.New("nutrition")
	nutrition.Fn = func(ctx context.Context, text, entryID string) (domain.HandlerResult, error) {
		<-release
		return domain.HandlerResult{Payload: json.RawMessage(`{"food":"eggs"}`), Status: domain.StatusOK}, nil
	}
	h := newHarness(t, []*handlertest.Fake{nutrition}, withClassifier(selects("nutrition")))
	job := Job{Window: standaloneWindow(entry("e1", "eggs, log that", 0))}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- h.pipeline.Process(context.Background(), job) }()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, 1, nutrition.Calls("e1"))
	assert.Len(t, h.store.AllRecords(), 1)
	assert.Len(t, h.store.AllEvidence(), 1)
	assert.Equal(t, 0, h.dispatcher.locks.size())
}

func TestClassifierFailureFallsBackToKeywords(t *testing.T) {
	workout := handlertest.New("workout", "ran", "run")
	sleep := handlertest.New("sleep", "slept")
	h := newHarness(t, []*handlertest.Fake{workout, sleep}, withClassifier(failingClassifier()))

	e := entry("e1", "I ran five miles this morning, log that", 0)
	require.NoError(t, h.pipeline.Process(context.Background(), Job{Window: standaloneWindow(e)}))

	assert.Equal(t, 1, workout.Calls("e1"))
	assert.Equal(t, 0, sleep.TotalCalls())

	evidence := h.store.AllEvidence()
	require.Len(t, evidence, 1)
	assert.Equal(t, domain.SourceFallback, evidence[0].RoutingDecision.Source)
	assert.Equal(t, []string{"workout"}, evidence[0].RoutingDecision.Selected)
}

func TestDispatchIsolatesFailingHandler(t *testing.T) {
	nutrition := handlertest.New("nutrition")
	workout := handlertest.New("workout")
	workout.Fn = func(context.Context, string, string) (domain.HandlerResult, error) {
		return domain.HandlerResult{}, errors.New("unparseable workout")
	}
	h := newHarness(t, []*handlertest.Fake{nutrition, workout}, withClassifier(selects("nutrition", "workout")))
	job := Job{Window: standaloneWindow(entry("e1", "ate eggs then ran, log that", 0))}

	require.NoError(t, h.pipeline.Process(context.Background(), job))

	records := h.store.AllRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "nutrition", records[0].HandlerName)

	byHandler := map[string]domain.EvidenceRecord{}
	for _, ev := range h.store.AllEvidence() {
		byHandler[ev.HandlerName] = ev
	}
	require.Len(t, byHandler, 2)
	assert.Equal(t, domain.StatusOK, byHandler["nutrition"].Status)
	assert.Equal(t, domain.StatusFailed, byHandler["workout"].Status)
	assert.Nil(t, byHandler["workout"].RecordRef)
	assert.Contains(t, byHandler["workout"].Error, "unparseable workout")
	assert.Contains(t, byHandler["workout"].Error, "handler=workout")

	// A redelivered entry never re-invokes a handler that already ran.
	require.NoError(t, h.pipeline.Process(context.Background(), job))
	assert.Equal(t, 1, workout.Calls("e1"))
	assert.Equal(t, 1, nutrition.Calls("e1"))
	assert.Len(t, h.store.AllEvidence(), 2)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	sleep := handlertest.New("sleep")
	sleep.Fn = func(context.Context, string, string) (domain.HandlerResult, error) {
		panic("nil pointer in sleep parser")
	}
	h := newHarness(t, []*handlertest.Fake{sleep}, withClassifier(selects("sleep")))

	results, err := h.dispatcher.Dispatch(context.Background(), standaloneWindow(entry("e1", "slept 8h log that", 0)), domain.RoutingDecision{
		EntryID: "e1", Selected: []string{"sleep"}, Source: domain.SourceClassifier,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.StatusFailed, results[0].Status)
	assert.Equal(t, domain.KindHandler, domain.KindOf(results[0].Err))
	assert.Empty(t, h.store.AllRecords())
}

func TestDispatchRejectsInvalidPayload(t *testing.T) {
	sleep := handlertest.New("sleep")
	sleep.Fn = func(context.Context, string, string) (domain.HandlerResult, error) {
		return domain.HandlerResult{Payload: json.RawMessage(`{not json`), Status: domain.StatusOK}, nil
	}
	h := newHarness(t, []*handlertest.Fake{sleep})

	results, err := h.dispatcher.Dispatch(context.Background(), standaloneWindow(entry("e1", "slept", 0)), domain.RoutingDecision{
		EntryID: "e1", Selected: []string{"sleep"}, Source: domain.SourceClassifier,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, results[0].Status)
	assert.Empty(t, h.store.AllRecords())
	require.Len(t, h.store.AllEvidence(), 1)
}

func TestDispatchNeedsConfirmationIsNotCommitted(t *testing.T) {
	nutrition := handlertest.New("nutrition")
	nutrition.Fn = func(context.Context, string, string) (domain.HandlerResult, error) {
		return domain.HandlerResult{Payload: json.RawMessage(`{"food":"something"}`), Status: domain.StatusNeedsConfirmation}, nil
	}
	h := newHarness(t, []*handlertest.Fake{nutrition}, withClassifier(selects("nutrition")))

	require.NoError(t, h.pipeline.Process(context.Background(), Job{Window: standaloneWindow(entry("e1", "ate a thing, log that", 0))}))

	assert.Empty(t, h.store.AllRecords())
	evidence := h.store.AllEvidence()
	require.Len(t, evidence, 1)
	assert.Equal(t, domain.StatusNeedsConfirmation, evidence[0].Status)
	assert.True(t, evidence[0].Verify(json.RawMessage(`{"food": "something"}`)))
}

func TestDispatchReplayAfterCrashRestoresEvidence(t *testing.T) {
	nutrition := handlertest.New("nutrition")
	h := newHarness(t, []*handlertest.Fake{nutrition}, withClassifier(selects("nutrition")))

	// Simulates a crash after the commit but before evidence was appended.
	committed, err := h.store.Commit(context.Background(), domain.PersistedRecord{
		EntryID: "e1", HandlerName: "nutrition", Payload: json.RawMessage(`{"food":"eggs"}`), ProcessedBy: "earlier",
	})
	require.NoError(t, err)

	require.NoError(t, h.pipeline.Process(context.Background(), Job{Window: standaloneWindow(entry("e1", "eggs, log that", 0))}))

	assert.Equal(t, 0, nutrition.TotalCalls())
	records := h.store.AllRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "earlier", records[0].ProcessedBy)

	evidence := h.store.AllEvidence()
	require.Len(t, evidence, 1)
	require.NotNil(t, evidence[0].RecordRef)
	assert.Equal(t, committed.Ref(), *evidence[0].RecordRef)
	assert.True(t, evidence[0].Verify(committed.Payload))
}

type failingEvidence struct {
	*memory.Store
	fail bool
}

func (f *failingEvidence) Append(ctx context.Context, ev domain.EvidenceRecord) error {
	if f.fail {
		return domain.PersistenceError("append evidence", false, errors.New("disk full"))
	}
	return f.Store.Append(ctx, ev)
}

func TestProcessLeavesEntryUnfinishedWhenEvidenceFails(t *testing.T) {
	nutrition := handlertest.New("nutrition")
	evidence := &failingEvidence{Store: memory.New(0), fail: true}
	h := newHarness(t, []*handlertest.Fake{nutrition}, withClassifier(selects("nutrition")), withEvidence(evidence))
	job := Job{Window: standaloneWindow(entry("e1", "eggs, log that", 0))}

	err := h.pipeline.Process(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, domain.KindPersistence, domain.KindOf(err))

	processed, err := h.store.AlreadyProcessed(context.Background(), []string{"e1"})
	require.NoError(t, err)
	assert.False(t, processed["e1"])

	// The record committed; a retry after recovery fills in evidence without invoking again.
	evidence.fail = false
	require.NoError(t, h.pipeline.Process(context.Background(), job))
	assert.Equal(t, 1, nutrition.Calls("e1"))
	assert.Len(t, evidence.AllEvidence(), 1)
}

func TestProcessDoesNotReinvokeWhenEvidenceFailsForUncommittedResults(t *testing.T) {
	cases := []struct {
		name   string
		fn     func(context.Context, string, string) (domain.HandlerResult, error)
		status domain.ResultStatus
	}{
		{
			name: "failed",
			fn: func(context.Context, string, string) (domain.HandlerResult, error) {
				return domain.HandlerResult{}, errors.New("no duration found")
			},
			status: domain.StatusFailed,
		},
		{
			name: "needs confirmation",
			fn: func(context.Context, string, string) (domain.HandlerResult, error) {
				return domain.HandlerResult{Payload: json.RawMessage(`{"food":"?"}`), Status: domain.StatusNeedsConfirmation}, nil
			},
			status: domain.StatusNeedsConfirmation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sleep := handlertest.New("sleep")
			sleep.Fn = tc.fn
			evidence := &failingEvidence{Store: memory.New(0), fail: true}
			h := newHarness(t, []*handlertest.Fake{sleep}, withClassifier(selects("sleep")), withEvidence(evidence))
			job := Job{Window: standaloneWindow(entry("e1", "slept badly, log that", 0))}

			err := h.pipeline.Process(context.Background(), job)
			require.Error(t, err)
			assert.Equal(t, domain.KindPersistence, domain.KindOf(err))

			evidence.fail = false
			require.NoError(t, h.pipeline.Process(context.Background(), job))
			require.NoError(t, h.pipeline.Process(context.Background(), job))

			assert.Equal(t, 1, sleep.Calls("e1"))
			assert.Empty(t, h.store.AllRecords())
			all := evidence.AllEvidence()
			require.Len(t, all, 1)
			assert.Equal(t, tc.status, all[0].Status)
		})
	}
}

func TestProcessInterruptedAttemptIsReportedNotRetried(t *testing.T) {
	sleep := handlertest.New("sleep")
	h := newHarness(t, []*handlertest.Fake{sleep}, withClassifier(selects("sleep")))
	ctx := context.Background()

	// A claim with no outcome is what a crash inside the handler leaves behind.
	prior, err := h.store.Claim(ctx, domain.Attempt{EntryID: "e1", HandlerName: "sleep"})
	require.NoError(t, err)
	require.Nil(t, prior)

	require.NoError(t, h.pipeline.Process(ctx, Job{Window: standaloneWindow(entry("e1", "slept 7h, log that", 0))}))

	assert.Equal(t, 0, sleep.TotalCalls())
	evidence := h.store.AllEvidence()
	require.Len(t, evidence, 1)
	assert.Equal(t, domain.StatusFailed, evidence[0].Status)
	assert.Contains(t, evidence[0].Error, "interrupted")
}

func TestProcessErrorWithInvalidPayloadIsRecordedOnce(t *testing.T) {
	sleep := handlertest.New("sleep")
	sleep.Fn = func(context.Context, string, string) (domain.HandlerResult, error) {
		return domain.HandlerResult{Payload: json.RawMessage(`{broken`)}, errors.New("parser gave up")
	}
	h := newHarness(t, []*handlertest.Fake{sleep}, withClassifier(selects("sleep")))
	job := Job{Window: standaloneWindow(entry("e1", "slept, log that", 0))}

	for i := 0; i < 3; i++ {
		require.NoError(t, h.pipeline.Process(context.Background(), job))
	}

	assert.Equal(t, 1, sleep.Calls("e1"))
	evidence := h.store.AllEvidence()
	require.Len(t, evidence, 1)
	assert.Equal(t, domain.StatusFailed, evidence[0].Status)
	assert.Contains(t, evidence[0].Error, "parser gave up")
	assert.True(t, evidence[0].Verify(nil))
}

func TestDispatchUnknownHandlerIsFailed(t *testing.T) {
	h := newHarness(t, []*handlertest.Fake{handlertest.New("sleep")})

	results, err := h.dispatcher.Dispatch(context.Background(), standaloneWindow(entry("e1", "x", 0)), domain.RoutingDecision{
		EntryID: "e1", Selected: []string{"ghost"}, Source: domain.SourceClassifier,
	})
	require.NoError(t, err)
	want := []domain.HandlerResult{{EntryID: "e1", HandlerName: "ghost", Status: domain.StatusFailed}}
	assert.Empty(t, cmp.Diff(want, results, cmp.FilterPath(func(p cmp.Path) bool {
		return p.Last().String() == ".Err"
	}, cmp.Ignore())))
	assert.ErrorIs(t, results[0].Err, domain.ErrNotFound)
}

func TestDispatchEmptyDecisionWritesNothing(t *testing.T) {
	sleep := handlertest.New("sleep", "slept")
	h := newHarness(t, []*handlertest.Fake{sleep})

	require.NoError(t, h.pipeline.Process(context.Background(), Job{Window: standaloneWindow(entry("e1", "hello there, log that", 0))}))

	assert.Empty(t, h.store.AllRecords())
	assert.Empty(t, h.store.AllEvidence())
	processed, err := h.store.AlreadyProcessed(context.Background(), []string{"e1"})
	require.NoError(t, err)
	assert.True(t, processed["e1"])
}

func TestDispatchConfirmationFailureKeepsCommit(t *testing.T) {
	delivered := false
	sink := sinkFunc(func(_ context.Context, rec domain.PersistedRecord) (string, error) {
		if !delivered {
			return "", domain.DeliverySinkError("telegram", false, errors.New("chat not found"))
		}
		return "msg-" + rec.EntryID, nil
	})
	nutrition := handlertest.New("nutrition")
	h := newHarness(t, []*handlertest.Fake{nutrition}, withClassifier(selects("nutrition")), withSink(sink))

	require.NoError(t, h.pipeline.Process(context.Background(), Job{Window: standaloneWindow(entry("e1", "eggs, log that", 0))}))

	require.Len(t, h.store.AllRecords(), 1)
	evidence := h.store.AllEvidence()
	require.Len(t, evidence, 1)
	assert.Nil(t, evidence[0].ConfirmationRef)

	delivered = true
	h.confirmer.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := h.confirmer.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	conf, err := h.store.GetConfirmation(context.Background(), "e1", "nutrition")
	require.NoError(t, err)
	require.NotNil(t, conf)
	assert.Equal(t, "msg-e1", conf.Ref)
	assert.Len(t, h.store.AllEvidence(), 1, "evidence is never rewritten")
}

func TestDispatchConfirmationRefLandsInEvidence(t *testing.T) {
	sink := sinkFunc(func(_ context.Context, rec domain.PersistedRecord) (string, error) {
		return "42", nil
	})
	h := newHarness(t, []*handlertest.Fake{handlertest.New("sleep")}, withClassifier(selects("sleep")), withSink(sink))

	require.NoError(t, h.pipeline.Process(context.Background(), Job{Window: standaloneWindow(entry("e1", "slept, log that", 0))}))

	evidence := h.store.AllEvidence()
	require.Len(t, evidence, 1)
	require.NotNil(t, evidence[0].ConfirmationRef)
	assert.Equal(t, "42", *evidence[0].ConfirmationRef)
}
