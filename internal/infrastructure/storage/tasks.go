package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"LifelogRouter/internal/domain"
	"LifelogRouter/internal/ports"
)

var taskColumns = []string{
	"id", "handler_name", "name", "run_at", "state", "last_outcome",
	"next_run", "last_run", "last_error", "last_success",
}

// Tasks persists scheduler state for crash recovery.
type Tasks struct {
	store *Store
}

var _ ports.TaskStore = (*Tasks)(nil)

// Tasks returns the scheduler store.
func (s *Store) Tasks() *Tasks {
	return &Tasks{store: s}
}

// GetTask returns the task, or nil and no error if it does not exist.
func (t *Tasks) GetTask(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	query, args, err := t.store.sb.Select(taskColumns...).
		From("scheduled_tasks").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	task, err := scanTask(t.store.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get task", err)
	}
	return &task, nil
}

// ListTasks returns all tasks ordered by id.
func (t *Tasks) ListTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	query, args, err := t.store.sb.Select(taskColumns...).
		From("scheduled_tasks").
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := t.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list tasks", err)
	}
	defer rows.Close()

	var out []domain.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list tasks", err)
	}
	return out, nil
}

// SaveTask creates or updates the task by id.
func (t *Tasks) SaveTask(ctx context.Context, task domain.ScheduledTask) error {
	query, args, err := t.store.sb.Insert("scheduled_tasks").
		Columns(taskColumns...).
		Values(
			task.ID, task.Handler, task.Name, task.At, string(task.State), nullString(string(task.LastOutcome)),
			formatNullableTime(task.NextRun), formatNullableTime(task.LastRun),
			nullString(task.LastError), formatNullableTime(task.LastSuccess),
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			handler_name = EXCLUDED.handler_name,
			name = EXCLUDED.name,
			run_at = EXCLUDED.run_at,
			state = EXCLUDED.state,
			last_outcome = EXCLUDED.last_outcome,
			next_run = EXCLUDED.next_run,
			last_run = EXCLUDED.last_run,
			last_error = EXCLUDED.last_error,
			last_success = EXCLUDED.last_success`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := t.store.db.ExecContext(ctx, query, args...); err != nil {
		return wrap("save task", err)
	}
	return nil
}

// SaveResult logs a task execution result.
func (t *Tasks) SaveResult(ctx context.Context, result domain.TaskResult) error {
	query, args, err := t.store.sb.Insert("task_results").
		Columns("id", "task_id", "started_at", "ended_at", "success", "error").
		Values(result.ID, result.TaskID, formatTime(result.StartedAt), formatTime(result.EndedAt),
			boolToInt(result.Success), nullString(result.Error)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := t.store.db.ExecContext(ctx, query, args...); err != nil {
		return wrap("save task result", err)
	}
	return nil
}

// PruneHistory keeps the most recent keep results per task.
func (t *Tasks) PruneHistory(ctx context.Context, keep int) error {
	query, args, err := t.store.sb.Delete("task_results").
		Where(sq.Expr(`id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY started_at DESC) AS rn
				FROM task_results
			) ranked WHERE rn <= ?
		)`, keep)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := t.store.db.ExecContext(ctx, query, args...); err != nil {
		return wrap("prune task history", err)
	}
	return nil
}

// CountResults returns how many results are kept for a task.
func (t *Tasks) CountResults(ctx context.Context, taskID string) (int, error) {
	query, args, err := t.store.sb.Select("COUNT(*)").
		From("task_results").
		Where(sq.Eq{"task_id": taskID}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := t.store.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrap("count task results", err)
	}
	return n, nil
}

func scanTask(row rowScanner) (domain.ScheduledTask, error) {
	var (
		task                          domain.ScheduledTask
		state                         string
		lastOutcome, nextRun, lastRun sql.NullString
		lastError, lastSuccess        sql.NullString
	)
	if err := row.Scan(&task.ID, &task.Handler, &task.Name, &task.At, &state, &lastOutcome,
		&nextRun, &lastRun, &lastError, &lastSuccess); err != nil {
		return domain.ScheduledTask{}, err
	}
	task.State = domain.TaskState(state)
	task.LastOutcome = domain.TaskState(lastOutcome.String)
	task.NextRun = parseNullableTime(nextRun)
	task.LastRun = parseNullableTime(lastRun)
	task.LastError = lastError.String
	task.LastSuccess = parseNullableTime(lastSuccess)
	return task, nil
}
