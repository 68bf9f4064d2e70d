package hitl

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"atlas/internal/broker"
	"atlas/internal/domain/action"
	"atlas/internal/logging"
)

// ExecuteMessage is the payload enqueued for the action executor after an
// approval.
type ExecuteMessage struct {
	ActionID uuid.UUID `json:"action_id"`
	UserID   uuid.UUID `json:"user_id"`
}

// Publisher enqueues execution messages. Satisfied by broker.Broker.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// Service drives approval decisions. The state transition commits before the
// execution message is published; a publish failure leaves an approved action
// with a critical marker in its logs for the operator to re-enqueue.
type Service struct {
	actions   action.Store
	publisher Publisher
	audit     *Auditor
	logger    logging.Logger
}

// NewService constructs the approval service.
func NewService(actions action.Store, publisher Publisher, logger logging.Logger) *Service {
	logger = logging.OrNop(logger)
	return &Service{
		actions:   actions,
		publisher: publisher,
		audit:     NewAuditor(),
		logger:    logger,
	}
}

// Approve transitions the action to approved and enqueues it for execution.
// Returns action.ErrNotFound or *action.InvalidStateError unchanged from the
// store so callers can map them to API responses.
func (s *Service) Approve(ctx context.Context, userID, actionID uuid.UUID) (*action.ProposedAction, error) {
	approved, err := s.actions.Approve(ctx, userID, actionID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(userID, EventActionApproved, actionID, "")

	msg := ExecuteMessage{ActionID: actionID, UserID: userID}
	if err := s.publisher.Publish(ctx, broker.QueueActionExecute, msg); err != nil {
		s.logger.Error("action %s approved but enqueue failed: %v", actionID, err)
		marker := fmt.Sprintf("\nCRITICAL: approved but failed to enqueue for execution: %v", err)
		if logErr := s.actions.AppendLogs(ctx, userID, actionID, marker); logErr != nil {
			s.logger.Error("failed to record enqueue failure on action %s: %v", actionID, logErr)
		}
		return approved, fmt.Errorf("action approved but could not be enqueued: %w", err)
	}

	s.audit.Record(userID, EventActionEnqueued, actionID, "")
	s.logger.Info("action %s approved and enqueued for execution", actionID)
	return approved, nil
}

// Reject transitions the action to rejected.
func (s *Service) Reject(ctx context.Context, userID, actionID uuid.UUID) (*action.ProposedAction, error) {
	rejected, err := s.actions.Reject(ctx, userID, actionID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(userID, EventActionRejected, actionID, "")
	s.logger.Info("action %s rejected", actionID)
	return rejected, nil
}

// RecordProposals persists parsed proposals and audits each one.
func (s *Service) RecordProposals(ctx context.Context, userID, requestID, linkedAccountID uuid.UUID, proposals []action.Proposal) ([]*action.ProposedAction, error) {
	created, err := s.actions.Create(ctx, userID, requestID, linkedAccountID, proposals)
	if err != nil {
		return nil, err
	}
	for _, a := range created {
		s.audit.Record(userID, EventActionProposed, a.ID, string(a.ActionType))
	}
	return created, nil
}
