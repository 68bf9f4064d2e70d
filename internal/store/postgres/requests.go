package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"atlas/internal/domain/request"
	"atlas/internal/tenant"
)

// RequestStore implements request.Store and request.Checkpointer. The
// checkpoint column lives on the request row, so an overwrite is a single
// UPDATE and resume reads never race a half-written snapshot.
type RequestStore struct {
	tenants *tenant.Manager
}

// NewRequestStore constructs a Postgres-backed analysis request store.
func NewRequestStore(tenants *tenant.Manager) *RequestStore {
	return &RequestStore{tenants: tenants}
}

var _ request.Store = (*RequestStore)(nil)

// ErrRequestNotFound aliases the domain sentinel for callers holding the
// concrete store.
var ErrRequestNotFound = request.ErrNotFound

const requestColumns = `id, user_id, linked_account_id, prompt, status, result_summary, result_data, agent_state, error_message, completed_at, created_at, updated_at`

func scanRequest(row pgx.Row) (*request.AnalysisRequest, error) {
	var r request.AnalysisRequest
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.LinkedAccountID,
		&r.Prompt,
		&r.Status,
		&r.ResultSummary,
		&r.ResultData,
		&r.AgentState,
		&r.ErrorMessage,
		&r.CompletedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create persists a new pending request.
func (s *RequestStore) Create(ctx context.Context, userID, linkedAccountID uuid.UUID, prompt string) (*request.AnalysisRequest, error) {
	var created *request.AnalysisRequest
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `
INSERT INTO analysis_requests (id, user_id, linked_account_id, prompt, status)
VALUES ($1, $2, $3, $4, 'pending')
RETURNING ` + requestColumns
		row := tx.QueryRow(ctx, query, uuid.New(), userID, linkedAccountID, prompt)
		r, err := scanRequest(row)
		if err != nil {
			return fmt.Errorf("insert analysis request: %w", err)
		}
		created = r
		return nil
	})
	return created, err
}

// Get retrieves a request by ID.
func (s *RequestStore) Get(ctx context.Context, userID, requestID uuid.UUID) (*request.AnalysisRequest, error) {
	var found *request.AnalysisRequest
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		row := tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM analysis_requests WHERE id = $1`, requestID)
		r, err := scanRequest(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		found = r
		return nil
	})
	return found, err
}

// List returns the tenant's requests, newest first.
func (s *RequestStore) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*request.AnalysisRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var out []*request.AnalysisRequest
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		query := `SELECT ` + requestColumns + ` FROM analysis_requests ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err := tx.Query(ctx, query, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRequest(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// SetProcessing marks orchestrator uptake. A request already in processing is
// a resume after a crash, so that case succeeds without a write.
func (s *RequestStore) SetProcessing(ctx context.Context, userID, requestID uuid.UUID) error {
	return s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		var current request.Status
		err := tx.QueryRow(ctx, `SELECT status FROM analysis_requests WHERE id = $1 FOR UPDATE`, requestID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if current == request.StatusProcessing {
			return nil
		}
		if !request.CanTransition(current, request.StatusProcessing) {
			return fmt.Errorf("invalid request transition %s -> %s", current, request.StatusProcessing)
		}
		_, err = tx.Exec(ctx, `UPDATE analysis_requests SET status = 'processing', updated_at = now() WHERE id = $1`, requestID)
		return err
	})
}

// SetTerminal transitions to completed or failed with the terminal fields.
func (s *RequestStore) SetTerminal(ctx context.Context, userID, requestID uuid.UUID, status request.Status, params request.TerminalParams) error {
	if status != request.StatusCompleted && status != request.StatusFailed {
		return fmt.Errorf("status %s is not a terminal outcome", status)
	}

	return s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		var current request.Status
		err := tx.QueryRow(ctx, `SELECT status FROM analysis_requests WHERE id = $1 FOR UPDATE`, requestID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if !request.CanTransition(current, status) {
			return fmt.Errorf("invalid request transition %s -> %s", current, status)
		}

		query := `
UPDATE analysis_requests
SET status = $2,
    result_summary = $3,
    result_data = $4,
    error_message = $5,
    completed_at = now(),
    updated_at = now()
WHERE id = $1`
		var resultData any
		if params.ResultData != nil {
			resultData = []byte(params.ResultData)
		}
		_, err = tx.Exec(ctx, query, requestID, string(status), params.ResultSummary, resultData, params.ErrorMessage)
		return err
	})
}

// Cancel moves a non-terminal request to cancelled.
func (s *RequestStore) Cancel(ctx context.Context, userID, requestID uuid.UUID) error {
	return s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		var current request.Status
		err := tx.QueryRow(ctx, `SELECT status FROM analysis_requests WHERE id = $1 FOR UPDATE`, requestID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if !request.CanTransition(current, request.StatusCancelled) {
			return fmt.Errorf("invalid request transition %s -> %s", current, request.StatusCancelled)
		}
		_, err = tx.Exec(ctx, `UPDATE analysis_requests SET status = 'cancelled', completed_at = now(), updated_at = now() WHERE id = $1`, requestID)
		return err
	})
}

// CheckpointStore implements request.Checkpointer on the agent_state column.
type CheckpointStore struct {
	tenants *tenant.Manager
}

// NewCheckpointStore constructs a Postgres-backed checkpointer.
func NewCheckpointStore(tenants *tenant.Manager) *CheckpointStore {
	return &CheckpointStore{tenants: tenants}
}

var _ request.Checkpointer = (*CheckpointStore)(nil)

// Put atomically overwrites the checkpoint snapshot for a request.
func (s *CheckpointStore) Put(ctx context.Context, userID, requestID uuid.UUID, checkpoint json.RawMessage) error {
	return s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		tag, err := tx.Exec(ctx, `UPDATE analysis_requests SET agent_state = $2, updated_at = now() WHERE id = $1`, requestID, []byte(checkpoint))
		if err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrRequestNotFound
		}
		return nil
	})
}

// Get returns the stored checkpoint, or nil when none has been written.
func (s *CheckpointStore) Get(ctx context.Context, userID, requestID uuid.UUID) (json.RawMessage, error) {
	var state json.RawMessage
	err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx tenant.Querier) error {
		err := tx.QueryRow(ctx, `SELECT agent_state FROM analysis_requests WHERE id = $1`, requestID).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRequestNotFound
		}
		return err
	})
	return state, err
}
