package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobFor(id string) Job {
	return Job{Window: standaloneWindow(entry(id, "log that", 0))}
}

func TestWorkerPoolRunsJobs(t *testing.T) {
	var ran atomic.Int32
	pool := NewWorkerPool(2, 4, func(ctx context.Context, job Job) error {
		ran.Add(1)
		if job.Window.Trigger.ID == "bad" {
			return errors.New("boom")
		}
		return nil
	}, nil)
	pool.Start(context.Background())

	require.True(t, pool.TrySubmit(jobFor("ok")))
	require.True(t, pool.TrySubmit(jobFor("bad")))

	got := map[string]error{}
	for i := 0; i < 2; i++ {
		c := <-pool.Completions()
		got[c.Entry.ID] = c.Err
	}
	pool.Shutdown(time.Second)

	assert.NoError(t, got["ok"])
	assert.EqualError(t, got["bad"], "boom")
	assert.Equal(t, int32(2), ran.Load())
}

func TestWorkerPoolTrySubmitWhenFull(t *testing.T) {
	pool := NewWorkerPool(1, 1, func(context.Context, Job) error { return nil }, nil)

	assert.True(t, pool.TrySubmit(jobFor("a")))
	assert.False(t, pool.TrySubmit(jobFor("b")))

	pool.Shutdown(time.Second)
	assert.False(t, pool.TrySubmit(jobFor("c")))
}

func TestWorkerPoolShutdownWaitsForRunningJobs(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	pool := NewWorkerPool(1, 2, func(ctx context.Context, job Job) error {
		close(started)
		<-release
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	require.True(t, pool.TrySubmit(jobFor("running")))
	<-started
	require.True(t, pool.TrySubmit(jobFor("queued")))

	// Cancelling the parent does not interrupt handler work.
	cancel()
	stopped := make(chan struct{})
	go func() {
		pool.Shutdown(5 * time.Second)
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-stopped

	var ids []string
	for c := range pool.Completions() {
		ids = append(ids, c.Entry.ID)
		assert.NoError(t, c.Err)
	}
	assert.Equal(t, []string{"running"}, ids, "queued jobs are abandoned")
}

func TestWorkerPoolCancelsAfterGrace(t *testing.T) {
	pool := NewWorkerPool(1, 1, func(ctx context.Context, job Job) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	pool.Start(context.Background())
	require.True(t, pool.TrySubmit(jobFor("slow")))

	// Give the worker time to pick the job up.
	require.Eventually(t, func() bool { return len(pool.jobs) == 0 }, time.Second, time.Millisecond)
	pool.Shutdown(10 * time.Millisecond)

	c, ok := <-pool.Completions()
	require.True(t, ok)
	assert.ErrorIs(t, c.Err, context.Canceled)
}

func TestEntryLocksSerialiseSameEntry(t *testing.T) {
	locks := newEntryLocks()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, "e1")
	require.NoError(t, err)

	other, err := locks.Lock(ctx, "e2")
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(waitCtx, "e1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan func())
	go func() {
		u, _ := locks.Lock(ctx, "e1")
		acquired <- u
	}()
	unlock()
	(<-acquired)()

	assert.Equal(t, 0, locks.size())
}
