// Package request defines the analysis request domain model: the user-facing
// unit of work carried through planning, dispatch, aggregation and terminal
// reporting, plus the checkpoint contract the orchestrator resumes from.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the tenant owns no request with the given ID.
var ErrNotFound = errors.New("analysis request not found")

// Status represents the lifecycle state of an analysis request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state. Terminal states
// freeze all fields except audit edits.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the edge from → to is allowed. cancelled is
// admitted from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from == to || from.IsTerminal() {
		return false
	}
	switch to {
	case StatusProcessing:
		return from == StatusPending
	case StatusCompleted, StatusFailed:
		return from == StatusProcessing
	case StatusCancelled:
		return true
	default:
		return false
	}
}

// AnalysisRequest is the persistent record of one submission.
type AnalysisRequest struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	LinkedAccountID uuid.UUID       `json:"linked_account_id"`
	Prompt          string          `json:"prompt"`
	Status          Status          `json:"status"`
	ResultSummary   string          `json:"result_summary,omitempty"`
	ResultData      json.RawMessage `json:"result_data,omitempty"`
	AgentState      json.RawMessage `json:"-"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Snapshot is the stable wire representation published on the update bus.
type Snapshot struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	Prompt          string          `json:"prompt"`
	Status          Status          `json:"status"`
	ResultSummary   string          `json:"result_summary,omitempty"`
	ResultData      json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ProposedActions []uuid.UUID     `json:"proposed_actions,omitempty"`
}

// ToSnapshot converts the request into its update-bus payload.
func (r *AnalysisRequest) ToSnapshot(proposedActions []uuid.UUID) Snapshot {
	return Snapshot{
		ID:              r.ID,
		UserID:          r.UserID,
		Prompt:          r.Prompt,
		Status:          r.Status,
		ResultSummary:   r.ResultSummary,
		ResultData:      r.ResultData,
		ErrorMessage:    r.ErrorMessage,
		CompletedAt:     r.CompletedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ProposedActions: proposedActions,
	}
}

// TerminalParams carries the fields written alongside a terminal transition.
type TerminalParams struct {
	ResultSummary string
	ResultData    json.RawMessage
	ErrorMessage  string
}

// Store is the analysis request persistence port. Every operation runs under
// a tenant session keyed by userID.
type Store interface {
	// Create persists a new request in status pending.
	Create(ctx context.Context, userID, linkedAccountID uuid.UUID, prompt string) (*AnalysisRequest, error)

	// Get retrieves a request by ID.
	Get(ctx context.Context, userID, requestID uuid.UUID) (*AnalysisRequest, error)

	// List returns the tenant's requests, newest first.
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*AnalysisRequest, error)

	// SetProcessing marks uptake by the orchestrator. Requests already in
	// processing are left unchanged so checkpoint resumes are no-ops here.
	SetProcessing(ctx context.Context, userID, requestID uuid.UUID) error

	// SetTerminal transitions to completed or failed, setting completed_at.
	SetTerminal(ctx context.Context, userID, requestID uuid.UUID, status Status, params TerminalParams) error

	// Cancel moves a non-terminal request to cancelled.
	Cancel(ctx context.Context, userID, requestID uuid.UUID) error
}

// Checkpointer persists the orchestrator state snapshot keyed by request ID.
// Put is an atomic overwrite; Get returns nil when no snapshot exists.
type Checkpointer interface {
	Put(ctx context.Context, userID, requestID uuid.UUID, checkpoint json.RawMessage) error
	Get(ctx context.Context, userID, requestID uuid.UUID) (json.RawMessage, error)
}
