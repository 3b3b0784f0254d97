package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"LifelogRouter/internal/domain"
)

// Job is one triggered entry with its context window.
type Job struct {
	Window domain.ContextWindow
}

// Completion reports the end of a job. Err is set when the entry remains unfinished.
type Completion struct {
	Entry domain.Entry
	Err   error
}

// ProcessFunc runs the pipeline for one job.
type ProcessFunc func(ctx context.Context, job Job) error

// WorkerPool runs jobs on a fixed number of goroutines fed by a bounded queue.
type WorkerPool struct {
	workers int
	jobs    chan Job
	done    chan Completion
	process ProcessFunc
	logger  *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopping  chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWorkerPool sizes the pool. Completions are buffered so workers rarely block.
func NewWorkerPool(workers, queueSize int, process ProcessFunc, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		workers:  workers,
		jobs:     make(chan Job, queueSize),
		done:     make(chan Completion, workers+queueSize),
		process:  process,
		logger:   logger,
		stopping: make(chan struct{}),
	}
}

// Start launches the workers. Handler work runs on a context detached from ctx's
// cancellation so in-flight entries can drain during shutdown.
func (p *WorkerPool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		p.cancel = cancel
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.run(workCtx)
		}
	})
}

func (p *WorkerPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopping:
			return
		case job := <-p.jobs:
			select {
			case <-p.stopping:
				// Queued but not started: abandoned, it is redelivered after restart.
				return
			default:
			}
			err := p.process(ctx, job)
			p.done <- Completion{Entry: job.Window.Trigger, Err: err}
		}
	}
}

// TrySubmit enqueues without blocking. False means the queue is full or the pool is stopping.
func (p *WorkerPool) TrySubmit(job Job) bool {
	select {
	case <-p.stopping:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Completions delivers finished jobs. It is closed after Shutdown returns.
func (p *WorkerPool) Completions() <-chan Completion {
	return p.done
}

// Shutdown stops intake and waits for running jobs. After grace the work
// context is cancelled and Shutdown waits for workers to return.
func (p *WorkerPool) Shutdown(grace time.Duration) {
	p.stopOnce.Do(func() {
		close(p.stopping)

		finished := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(finished)
		}()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			p.logger.Warn("grace period expired, cancelling in-flight work", zap.Duration("grace", grace))
			if p.cancel != nil {
				p.cancel()
			}
			<-finished
		}
		if p.cancel != nil {
			p.cancel()
		}
		close(p.done)
	})
}
