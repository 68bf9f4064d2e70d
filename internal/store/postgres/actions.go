package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"atlas/internal/domain/action"
	"atlas/internal/tenant"
)

// ActionStore implements action.Store. Approve and Reject hold a row lock
// across the status check and the write so two concurrent approvals cannot
// both observe the proposed state.
type ActionStore struct {
	tenants *tenant.Manager
}

// NewActionStore constructs a Postgres-backed proposed action store.
func NewActionStore(tenants *tenant.Manager) *ActionStore {
	return &ActionStore{tenants: tenants}
}

var _ action.Store = (*ActionStore)(nil)

const actionColumns = `id, user_id, analysis_request_id, linked_account_id, action_type, description, parameters, status, execution_logs, approved_at, executed_at, created_at, updated_at`

func scanAction(row pgx.Row) (*action.ProposedAction, error) {
	var a action.ProposedAction
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.AnalysisRequestID,
		&a.LinkedAccountID,
		&a.ActionType,
		&a.Description,
		&a.Parameters,
		&a.Status,
		&a.ExecutionLogs,
		&a.ApprovedAt,
		&a.ExecutedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create persists parsed proposals with status proposed. All rows are written
// in one transaction; a bad proposal fails the batch.
func (s *ActionStore) Create(ctx context.Context, userID, analysisRequestID, linkedAccountID uuid.UUID, proposals []action.Proposal) ([]*action.ProposedAction, error) {
	if len(proposals) == 0 {
		return nil, nil
	}

	var created []*action.ProposedAction
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `
INSERT INTO proposed_actions (id, user_id, analysis_request_id, linked_account_id, action_type, description, parameters, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'proposed')
RETURNING ` + actionColumns
		for _, p := range proposals {
			if !p.ActionType.Valid() {
				return fmt.Errorf("unknown action type %q", p.ActionType)
			}
			var params any
			if p.Parameters != nil {
				params = []byte(p.Parameters)
			}
			row := tx.QueryRow(ctx, query, uuid.New(), userID, analysisRequestID, linkedAccountID, string(p.ActionType), p.Description, params)
			a, err := scanAction(row)
			if err != nil {
				return fmt.Errorf("insert proposed action: %w", err)
			}
			created = append(created, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Get retrieves an action by ID.
func (s *ActionStore) Get(ctx context.Context, userID, actionID uuid.UUID) (*action.ProposedAction, error) {
	var found *action.ProposedAction
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		row := tx.QueryRow(ctx, `SELECT `+actionColumns+` FROM proposed_actions WHERE id = $1`, actionID)
		a, err := scanAction(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return action.ErrNotFound
		}
		if err != nil {
			return err
		}
		found = a
		return nil
	})
	return found, err
}

// ListByRequest returns the request's actions, oldest first.
func (s *ActionStore) ListByRequest(ctx context.Context, userID, requestID uuid.UUID) ([]*action.ProposedAction, error) {
	var out []*action.ProposedAction
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `SELECT ` + actionColumns + ` FROM proposed_actions WHERE analysis_request_id = $1 ORDER BY created_at ASC`
		rows, err := tx.Query(ctx, query, requestID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanAction(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// Approve transitions proposed→approved under a row lock and stamps
// approved_at.
func (s *ActionStore) Approve(ctx context.Context, userID, actionID uuid.UUID) (*action.ProposedAction, error) {
	return s.decide(ctx, userID, actionID, action.StatusApproved)
}

// Reject transitions proposed→rejected under a row lock.
func (s *ActionStore) Reject(ctx context.Context, userID, actionID uuid.UUID) (*action.ProposedAction, error) {
	return s.decide(ctx, userID, actionID, action.StatusRejected)
}

func (s *ActionStore) decide(ctx context.Context, userID, actionID uuid.UUID, decision action.Status) (*action.ProposedAction, error) {
	var decided *action.ProposedAction
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		var current action.Status
		err := tx.QueryRow(ctx, `SELECT status FROM proposed_actions WHERE id = $1 FOR UPDATE`, actionID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return action.ErrNotFound
		}
		if err != nil {
			return err
		}
		if current != action.StatusProposed {
			return &action.InvalidStateError{ID: actionID, Current: current}
		}

		query := `
UPDATE proposed_actions
SET status = $2,
    approved_at = CASE WHEN $2 = 'approved' THEN now() ELSE approved_at END,
    updated_at = now()
WHERE id = $1
RETURNING ` + actionColumns
		row := tx.QueryRow(ctx, query, actionID, string(decision))
		a, err := scanAction(row)
		if err != nil {
			return err
		}
		decided = a
		return nil
	})
	return decided, err
}

// SetStatus applies an executor-side transition with edge validation.
// executed_at is stamped on terminal transitions; logs append rather than
// overwrite so partial progress survives a failure.
func (s *ActionStore) SetStatus(ctx context.Context, userID, actionID uuid.UUID, status action.Status, logs string) error {
	return s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		var current action.Status
		err := tx.QueryRow(ctx, `SELECT status FROM proposed_actions WHERE id = $1 FOR UPDATE`, actionID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return action.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !action.CanTransition(current, status) {
			return fmt.Errorf("invalid action transition %s -> %s", current, status)
		}

		query := `
UPDATE proposed_actions
SET status = $2,
    execution_logs = CASE WHEN $3 = '' THEN execution_logs ELSE execution_logs || $3 END,
    executed_at = CASE WHEN $2 IN ('executed', 'failed') THEN now() ELSE executed_at END,
    updated_at = now()
WHERE id = $1`
		_, err = tx.Exec(ctx, query, actionID, string(status), logs)
		return err
	})
}

// AppendLogs appends to execution_logs without changing the status.
func (s *ActionStore) AppendLogs(ctx context.Context, userID, actionID uuid.UUID, logs string) error {
	if logs == "" {
		return nil
	}
	return s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		tag, err := tx.Exec(ctx, `UPDATE proposed_actions SET execution_logs = execution_logs || $2, updated_at = now() WHERE id = $1`, actionID, logs)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return action.ErrNotFound
		}
		return nil
	})
}
