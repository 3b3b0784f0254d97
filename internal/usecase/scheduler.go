package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/handler"
	"LifelogRouter/internal/ports"
)

const taskHistoryLimit = 100

type scheduledTask struct {
	handler string
	task    handler.Task
	at      domain.ClockTime
}

// Scheduler runs handler tasks at their time of day, driven by a ticker.
type Scheduler struct {
	driver   ports.Scheduler
	store    ports.TaskStore
	location *time.Location
	logger   *zap.Logger

	mu      sync.Mutex
	tasks   map[string]scheduledTask
	running map[string]bool
	wg      sync.WaitGroup
}

// NewScheduler returns a scheduler that evaluates wall-clock times in loc.
func NewScheduler(driver ports.Scheduler, store ports.TaskStore, loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		driver:   driver,
		store:    store,
		location: loc,
		logger:   logger,
		tasks:    make(map[string]scheduledTask),
		running:  make(map[string]bool),
	}
}

// Register adds one handler task. Persisted state is reused so a run missed while
// the process was down happens once at the next wake-up.
func (s *Scheduler) Register(ctx context.Context, handlerName string, task handler.Task, now time.Time) error {
	if task.Run == nil {
		return fmt.Errorf("%w: task %s/%s has no body", domain.ErrInvalidInput, handlerName, task.Name)
	}
	at, err := domain.ParseClockTime(task.At)
	if err != nil {
		return fmt.Errorf("task %s/%s: %w", handlerName, task.Name, err)
	}

	id := domain.TaskID(handlerName, task.Name)
	state, err := s.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}
	if state == nil {
		state = &domain.ScheduledTask{ID: id, Handler: handlerName, Name: task.Name}
	}
	if state.At != at.String() || state.NextRun.IsZero() {
		state.NextRun = at.Next(now, s.location)
	}
	state.At = at.String()
	if state.State == domain.TaskRunning {
		s.logger.Warn("task was interrupted, rescheduling", zap.String("task", id), zap.String("handler", handlerName))
	}
	state.State = domain.TaskScheduled
	if err := s.store.SaveTask(ctx, *state); err != nil {
		return fmt.Errorf("save task %s: %w", id, err)
	}

	s.mu.Lock()
	s.tasks[id] = scheduledTask{handler: handlerName, task: task, at: at}
	s.mu.Unlock()

	s.logger.Info("task registered",
		zap.String("task", id),
		zap.String("handler", handlerName),
		zap.String("at", at.String()),
		zap.Time("next_run", state.NextRun))
	return nil
}

// RegisterFromRegistry registers every task the registry's handlers contribute.
func (s *Scheduler) RegisterFromRegistry(ctx context.Context, reg *handler.Registry, now time.Time) error {
	var errs []error
	for name, tasks := range reg.Tasks() {
		for _, task := range tasks {
			if err := s.Register(ctx, name, task, now); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RunDueTasks starts every task whose next run is at or before now and returns
// how many were started. Tasks already running are skipped.
func (s *Scheduler) RunDueTasks(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	started := 0
	for _, id := range ids {
		if s.startIfDue(ctx, id, now) {
			started++
		}
	}
	return started
}

func (s *Scheduler) startIfDue(ctx context.Context, id string, now time.Time) bool {
	// The running mark is taken before any store I/O so concurrent ticks cannot both start id.
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok || s.running[id] {
		s.mu.Unlock()
		return false
	}
	s.running[id] = true
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}

	state, err := s.store.GetTask(ctx, id)
	if err != nil || state == nil {
		s.logger.Error("task state unavailable", zap.String("task", id), zap.String("handler", entry.handler), zap.Error(err))
		release()
		return false
	}
	if now.Before(state.NextRun) {
		release()
		return false
	}

	state.State = domain.TaskRunning
	state.LastRun = now
	// Missed occurrences collapse into this one run.
	state.NextRun = entry.at.Next(now, s.location)
	if err := s.store.SaveTask(ctx, *state); err != nil {
		s.logger.Error("task state not saved", zap.String("task", id), zap.String("handler", entry.handler), zap.Error(err))
		release()
		return false
	}

	s.wg.Add(1)
	go s.execute(ctx, entry, *state, now)
	return true
}

func (s *Scheduler) execute(ctx context.Context, entry scheduledTask, state domain.ScheduledTask, now time.Time) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, state.ID)
		s.mu.Unlock()
	}()

	logger := s.logger.With(zap.String("task", state.ID), zap.String("handler", entry.handler))
	started := time.Now()
	err := runTask(ctx, entry.task, now)
	ended := time.Now()

	result := domain.TaskResult{
		ID:        uuid.NewString(),
		TaskID:    state.ID,
		StartedAt: started,
		EndedAt:   ended,
		Success:   err == nil,
	}
	state.LastOutcome = domain.TaskSucceeded
	state.LastError = ""
	if err != nil {
		result.Error = err.Error()
		state.LastOutcome = domain.TaskFailed
		state.LastError = err.Error()
		logger.Error("task failed", zap.Duration("took", result.Duration()), zap.Error(err))
	} else {
		state.LastSuccess = ended
		logger.Info("task succeeded", zap.Duration("took", result.Duration()))
	}
	state.State = domain.TaskScheduled

	saveCtx := context.WithoutCancel(ctx)
	if err := s.store.SaveTask(saveCtx, state); err != nil {
		logger.Error("task state not saved", zap.Error(err))
	}
	if err := s.store.SaveResult(saveCtx, result); err != nil {
		logger.Error("task result not saved", zap.Error(err))
	}
	if err := s.store.PruneHistory(saveCtx, taskHistoryLimit); err != nil {
		logger.Warn("task history not pruned", zap.Error(err))
	}
}

func runTask(ctx context.Context, task handler.Task, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx, now)
}

// Wait blocks until running tasks return.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tasks lists persisted task state.
func (s *Scheduler) Tasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.store.ListTasks(ctx)
}

// Start hands the due-task check to the driver.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Start(ctx, func(now time.Time) {
		s.RunDueTasks(ctx, now)
	})
}

// Stop halts the driver and waits for running tasks.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	if s.driver != nil {
		err = s.driver.Stop(ctx)
	}
	s.wg.Wait()
	return err
}
