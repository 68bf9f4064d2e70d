// Package task defines the agent sub-task domain model and store port.
//
// A task is one step of an analysis plan, executed by exactly one department
// worker and recorded as one row. It is the unit of idempotency: workers check
// the persisted status before doing any work so duplicate broker deliveries
// are harmless.
package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Department identifies a class of worker with a single responsibility.
// Each department consumes from its own queue.
type Department string

const (
	DeptDataRetrieval  Department = "data_retrieval"
	DeptQuantitative   Department = "quantitative"
	DeptQualitative    Department = "qualitative"
	DeptRecommendation Department = "recommendation"
	DeptComparative    Department = "comparative"
	DeptPredictive     Department = "predictive"
)

// Departments lists every department in declaration order.
func Departments() []Department {
	return []Department{
		DeptDataRetrieval,
		DeptQuantitative,
		DeptQualitative,
		DeptRecommendation,
		DeptComparative,
		DeptPredictive,
	}
}

// Valid reports whether d names a known department.
func (d Department) Valid() bool {
	switch d {
	case DeptDataRetrieval, DeptQuantitative, DeptQualitative,
		DeptRecommendation, DeptComparative, DeptPredictive:
		return true
	default:
		return false
	}
}

// QueueName returns the broker queue the department consumes from.
func (d Department) QueueName() string {
	return "dept." + string(d)
}

// NeedsPriorResult reports whether a step of this department depends on the
// output of the preceding plan step.
func (d Department) NeedsPriorResult() bool {
	switch d {
	case DeptQuantitative, DeptQualitative, DeptRecommendation, DeptComparative:
		return true
	default:
		return false
	}
}

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the edge from → to is allowed. Status advances
// monotonically except for the pending↔retrying↔running oscillation used by
// the in-process retry loop.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusRetrying || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusRetrying:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Task is the persistent record of one plan step.
type Task struct {
	ID                uuid.UUID       `json:"id"`
	AnalysisRequestID uuid.UUID       `json:"analysis_request_id"`
	UserID            uuid.UUID       `json:"user_id"`
	TaskType          Department      `json:"task_type"`
	Status            Status          `json:"status"`
	InputData         json.RawMessage `json:"input_data,omitempty"`
	OutputData        json.RawMessage `json:"output_data,omitempty"`
	Logs              string          `json:"logs,omitempty"`
	RetryCount        int             `json:"retry_count"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// UpdateParams holds optional fields for a SetStatus call.
type UpdateParams struct {
	OutputData json.RawMessage
	Logs       *string
	RetryCount *int
}

// UpdateOption customises a SetStatus call.
type UpdateOption func(*UpdateParams)

// WithOutputData stores the handler result alongside the status change.
func WithOutputData(data json.RawMessage) UpdateOption {
	return func(p *UpdateParams) { p.OutputData = data }
}

// WithLogs records worker log output alongside the status change.
func WithLogs(logs string) UpdateOption {
	return func(p *UpdateParams) { p.Logs = &logs }
}

// WithRetryCount updates the retry counter alongside the status change.
func WithRetryCount(n int) UpdateOption {
	return func(p *UpdateParams) { p.RetryCount = &n }
}

// ApplyUpdateOptions collects all options into an UpdateParams.
func ApplyUpdateOptions(opts []UpdateOption) UpdateParams {
	var p UpdateParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}

// Store is the task persistence port. Every operation runs under a tenant
// session keyed by userID and is therefore implicitly row-scoped.
type Store interface {
	// Create persists a new task in status pending.
	Create(ctx context.Context, userID, analysisRequestID uuid.UUID, taskType Department, inputData json.RawMessage) (*Task, error)

	// Get retrieves a task by ID.
	Get(ctx context.Context, userID, taskID uuid.UUID) (*Task, error)

	// SetStatus updates the task status. It sets started_at on the first
	// transition to running and completed_at on any terminal transition.
	SetStatus(ctx context.Context, userID, taskID uuid.UUID, status Status, opts ...UpdateOption) error

	// GetMany returns the tasks with the given IDs, for orchestrator polling.
	GetMany(ctx context.Context, userID uuid.UUID, taskIDs []uuid.UUID) ([]*Task, error)
}
