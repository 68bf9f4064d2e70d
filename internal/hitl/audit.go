package hitl

import (
	"github.com/google/uuid"

	"atlas/internal/logging"
)

// Event names the audited moments in an action's life.
type Event string

const (
	EventActionProposed          Event = "ACTION_PROPOSED"
	EventActionApproved          Event = "ACTION_APPROVED"
	EventActionRejected          Event = "ACTION_REJECTED"
	EventActionEnqueued          Event = "ACTION_ENQUEUED"
	EventActionExecutionStarted  Event = "ACTION_EXECUTION_STARTED"
	EventActionExecutionFinished Event = "ACTION_EXECUTION_FINISHED"
)

// Auditor emits the structured audit trail for action decisions. The trail
// is a dedicated log stream so it can be shipped and retained separately
// from application logs.
type Auditor struct {
	logger logging.Logger
}

// NewAuditor constructs the audit emitter.
func NewAuditor() *Auditor {
	return &Auditor{logger: logging.NewComponentLogger("audit")}
}

// Record emits one audit entry. detail is optional context, such as the
// action type or a failure reason.
func (a *Auditor) Record(userID uuid.UUID, event Event, actionID uuid.UUID, detail string) {
	if detail != "" {
		a.logger.Info("event=%s user=%s action=%s detail=%q", event, userID, actionID, detail)
		return
	}
	a.logger.Info("event=%s user=%s action=%s", event, userID, actionID)
}
