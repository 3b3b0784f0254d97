package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/infrastructure/storage/memory"
)

func commitRecord(t *testing.T, store *memory.Store, entryID string) domain.PersistedRecord {
	t.Helper()
	rec, err := store.Commit(context.Background(), domain.PersistedRecord{
		EntryID: entryID, HandlerName: "nutrition", Payload: json.RawMessage(`{}`), CreatedAt: base,
	})
	require.NoError(t, err)
	return rec
}

func TestConfirmRetriesTransientFailures(t *testing.T) {
	store := memory.New(0)
	rec := commitRecord(t, store, "e1")
	calls := 0
	sink := sinkFunc(func(context.Context, domain.PersistedRecord) (string, error) {
		calls++
		if calls < 3 {
			return "", domain.DeliverySinkError("post", true, errors.New("502"))
		}
		return "m-1", nil
	})
	c := NewConfirmer(sink, store, noSleep(), ConfirmerConfig{}, nil)

	ref := c.Confirm(context.Background(), rec)
	require.NotNil(t, ref)
	assert.Equal(t, "m-1", *ref)
	assert.Equal(t, 3, calls)

	conf, err := store.GetConfirmation(context.Background(), "e1", "nutrition")
	require.NoError(t, err)
	assert.Equal(t, "m-1", conf.Ref)
}

func TestConfirmWithoutSinkIsNoop(t *testing.T) {
	var c *Confirmer
	assert.False(t, c.Enabled())
	assert.Nil(t, c.Confirm(context.Background(), domain.PersistedRecord{}))

	c = NewConfirmer(nil, memory.New(0), noSleep(), ConfirmerConfig{}, nil)
	n, err := c.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryPendingGivesUpAfterMaxAttempts(t *testing.T) {
	store := memory.New(0)
	commitRecord(t, store, "e1")
	calls := 0
	sink := sinkFunc(func(context.Context, domain.PersistedRecord) (string, error) {
		calls++
		return "", domain.DeliverySinkError("post", false, errors.New("forbidden"))
	})
	c := NewConfirmer(sink, store, noSleep(), ConfirmerConfig{MaxAttempts: 2, Interval: time.Minute}, nil)
	c.now = func() time.Time { return base.Add(time.Hour) }

	for i := 0; i < 4; i++ {
		n, err := c.RetryPending(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, 2, calls)
}

func TestRetryPendingSkipsFreshRecords(t *testing.T) {
	store := memory.New(0)
	commitRecord(t, store, "e1")
	sink := sinkFunc(func(context.Context, domain.PersistedRecord) (string, error) {
		return "m", nil
	})
	c := NewConfirmer(sink, store, noSleep(), ConfirmerConfig{Interval: time.Minute}, nil)
	c.now = func() time.Time { return base.Add(30 * time.Second) }

	n, err := c.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err = c.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "confirmed records are not posted again")
}

func TestConfirmerRunStopsWithContext(t *testing.T) {
	store := memory.New(0)
	c := NewConfirmer(sinkFunc(func(context.Context, domain.PersistedRecord) (string, error) {
		return "m", nil
	}), store, noSleep(), ConfirmerConfig{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
