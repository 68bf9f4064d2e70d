package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"atlas/internal/domain/task"
	"atlas/internal/tenant"
)

// TaskStore implements task.Store over tenant-scoped sessions.
type TaskStore struct {
	tenants *tenant.Manager
}

// NewTaskStore constructs a Postgres-backed task store.
func NewTaskStore(tenants *tenant.Manager) *TaskStore {
	return &TaskStore{tenants: tenants}
}

var _ task.Store = (*TaskStore)(nil)

const taskColumns = `id, user_id, analysis_request_id, task_type, status, input_data, output_data, logs, retry_count, started_at, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.AnalysisRequestID,
		&t.TaskType,
		&t.Status,
		&t.InputData,
		&t.OutputData,
		&t.Logs,
		&t.RetryCount,
		&t.StartedAt,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create persists a new pending task and returns the stored row.
func (s *TaskStore) Create(ctx context.Context, userID, analysisRequestID uuid.UUID, taskType task.Department, inputData json.RawMessage) (*task.Task, error) {
	var created *task.Task
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `
INSERT INTO agent_tasks (id, user_id, analysis_request_id, task_type, status, input_data)
VALUES ($1, $2, $3, $4, 'pending', $5)
RETURNING ` + taskColumns
		row := tx.QueryRow(ctx, query, uuid.New(), userID, analysisRequestID, string(taskType), inputData)
		t, err := scanTask(row)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		created = t
		return nil
	})
	return created, err
}

// ErrTaskNotFound is returned when the tenant owns no task with the given ID.
var ErrTaskNotFound = errors.New("task not found")

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, userID, taskID uuid.UUID) (*task.Task, error) {
	var found *task.Task
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = $1`, taskID)
		t, err := scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		found = t
		return nil
	})
	return found, err
}

// SetStatus updates the task status, validating the transition edge under a
// row lock. started_at is set on the first transition to running and
// completed_at on any terminal transition; both are server-side timestamps.
func (s *TaskStore) SetStatus(ctx context.Context, userID, taskID uuid.UUID, status task.Status, opts ...task.UpdateOption) error {
	params := task.ApplyUpdateOptions(opts)

	return s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		var current task.Status
		err := tx.QueryRow(ctx, `SELECT status FROM agent_tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if !task.CanTransition(current, status) {
			return fmt.Errorf("invalid task transition %s -> %s", current, status)
		}

		query := `
UPDATE agent_tasks
SET status = $2,
    output_data = COALESCE($3, output_data),
    logs = COALESCE($4, logs),
    retry_count = COALESCE($5, retry_count),
    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN now() ELSE completed_at END,
    updated_at = now()
WHERE id = $1`
		var outputData any
		if params.OutputData != nil {
			outputData = []byte(params.OutputData)
		}
		_, err = tx.Exec(ctx, query, taskID, string(status), outputData, params.Logs, params.RetryCount)
		return err
	})
}

// GetMany returns the tasks with the given IDs in one batch read.
func (s *TaskStore) GetMany(ctx context.Context, userID uuid.UUID, taskIDs []uuid.UUID) ([]*task.Task, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	var tasks []*task.Task
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		rows, err := tx.Query(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = ANY($1)`, taskIDs)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}
