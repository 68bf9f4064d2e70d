// Package action defines the proposed action domain model: a structured,
// permission-guarded side effect proposed by the recommendation worker,
// approved by a user and executed by the action executor.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the closed set of executable action kinds.
type Type string

const (
	TypeUpdateProductPrice Type = "update_product_price"
	TypeCreateDiscountCode Type = "create_discount_code"
	TypeAdjustInventory    Type = "adjust_inventory"
)

// Valid reports whether t names a known action type.
func (t Type) Valid() bool {
	switch t {
	case TypeUpdateProductPrice, TypeCreateDiscountCode, TypeAdjustInventory:
		return true
	default:
		return false
	}
}

// RequiredScopes returns the commerce scopes an action type needs. Unknown
// types require nothing here; the executor rejects them as not implemented.
func (t Type) RequiredScopes() []string {
	switch t {
	case TypeUpdateProductPrice:
		return []string{"read_products", "write_products"}
	case TypeCreateDiscountCode:
		return []string{"write_discounts"}
	case TypeAdjustInventory:
		return []string{"read_inventory", "write_inventory"}
	default:
		return nil
	}
}

// Status represents the lifecycle state of a proposed action.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusExecuted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the edge from → to is allowed. The only
// edges are proposed→approved→executing→{executed,failed} and
// proposed→rejected.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusProposed:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusExecuting
	case StatusExecuting:
		return to == StatusExecuted || to == StatusFailed
	default:
		return false
	}
}

// ProposedAction is the persistent record of a proposed side effect.
type ProposedAction struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	AnalysisRequestID uuid.UUID       `json:"analysis_request_id"`
	LinkedAccountID   uuid.UUID       `json:"linked_account_id"`
	ActionType        Type            `json:"action_type"`
	Description       string          `json:"description"`
	Parameters        json.RawMessage `json:"parameters"`
	Status            Status          `json:"status"`
	ExecutionLogs     string          `json:"execution_logs,omitempty"`
	ApprovedAt        *time.Time      `json:"approved_at,omitempty"`
	ExecutedAt        *time.Time      `json:"executed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ErrNotFound is returned when an action does not exist or is not owned by
// the current tenant. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("action not found or not owned")

// InvalidStateError reports a transition attempted from a disallowed status.
type InvalidStateError struct {
	ID      uuid.UUID
	Current Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("Action %s is not in a proposed state (current: %s).", e.ID, e.Current)
}

// Proposal carries the parsed fields of one proposed-action block before it
// is persisted.
type Proposal struct {
	ActionType  Type
	Description string
	Parameters  json.RawMessage
}

// Store is the proposed action persistence port. Every operation runs under
// a tenant session keyed by userID. Approve and Reject take a row lock and
// enforce the proposed-state precondition in the same transaction.
type Store interface {
	// Create persists parsed proposals with status proposed.
	Create(ctx context.Context, userID, analysisRequestID, linkedAccountID uuid.UUID, proposals []Proposal) ([]*ProposedAction, error)

	// Get retrieves an action by ID.
	Get(ctx context.Context, userID, actionID uuid.UUID) (*ProposedAction, error)

	// ListByRequest returns the request's actions, oldest first.
	ListByRequest(ctx context.Context, userID, requestID uuid.UUID) ([]*ProposedAction, error)

	// Approve transitions proposed→approved under a row lock and sets
	// approved_at. Returns ErrNotFound or *InvalidStateError.
	Approve(ctx context.Context, userID, actionID uuid.UUID) (*ProposedAction, error)

	// Reject transitions proposed→rejected under a row lock.
	Reject(ctx context.Context, userID, actionID uuid.UUID) (*ProposedAction, error)

	// SetStatus applies an executor-side transition (approved→executing,
	// executing→executed/failed), validating the edge and setting
	// executed_at on terminal transitions. logs, when non-empty, is
	// appended to execution_logs.
	SetStatus(ctx context.Context, userID, actionID uuid.UUID, status Status, logs string) error

	// AppendLogs appends to execution_logs without a status change.
	AppendLogs(ctx context.Context, userID, actionID uuid.UUID, logs string) error
}
