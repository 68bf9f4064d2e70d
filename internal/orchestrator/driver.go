package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"atlas/internal/broker"
	"atlas/internal/bus"
	"atlas/internal/domain/action"
	"atlas/internal/domain/request"
	"atlas/internal/domain/task"
	"atlas/internal/logging"
	"atlas/internal/observability"
)

// IngestMessage is the broker payload submitting a request to the
// orchestrator. Prompt and shop domain ride along for observability; the
// driver reloads the row and trusts only the IDs.
type IngestMessage struct {
	RequestID  uuid.UUID `json:"analysis_request_id"`
	UserID     uuid.UUID `json:"user_id"`
	Prompt     string    `json:"prompt,omitempty"`
	ShopDomain string    `json:"shop_domain,omitempty"`
}

// Driver consumes the ingest queue and runs the engine for each request.
type Driver struct {
	engine      *Engine
	requests    request.Store
	checkpoints request.Checkpointer
	actions     action.Store
	broker      *broker.Broker
	updates     *bus.Bus
	prefetch    int
	logger      logging.Logger

	// Metrics is optional and nil-safe.
	Metrics *observability.Metrics
}

// NewDriver constructs the orchestrator driver.
func NewDriver(engine *Engine, requests request.Store, checkpoints request.Checkpointer, actions action.Store, b *broker.Broker, updates *bus.Bus, prefetch int, logger logging.Logger) *Driver {
	return &Driver{
		engine:      engine,
		requests:    requests,
		checkpoints: checkpoints,
		actions:     actions,
		broker:      b,
		updates:     updates,
		prefetch:    prefetch,
		logger:      logging.OrNop(logger),
	}
}

// Run declares the topology and consumes ingest messages until ctx ends.
func (d *Driver) Run(ctx context.Context) error {
	queues := []string{broker.QueueIngest, broker.QueueActionExecute}
	for _, dept := range task.Departments() {
		queues = append(queues, dept.QueueName())
	}
	if err := d.broker.DeclareTopology(queues...); err != nil {
		return err
	}
	return d.broker.Consume(ctx, broker.QueueIngest, d.prefetch, d.handle)
}

// handle processes one ingest delivery. Returning false dead-letters the
// message: that is the right outcome both for poison (it will never parse)
// and for infrastructure failure (the DLQ is the replay buffer).
func (d *Driver) handle(ctx context.Context, body []byte) bool {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		d.logger.Error("malformed ingest message, dead-lettering: %v", err)
		return false
	}
	if msg.RequestID == uuid.Nil || msg.UserID == uuid.Nil {
		d.logger.Error("ingest message missing ids, dead-lettering")
		return false
	}

	req, err := d.requests.Get(ctx, msg.UserID, msg.RequestID)
	if err != nil {
		d.logger.Error("load request %s: %v", msg.RequestID, err)
		return false
	}
	if req.Status.IsTerminal() {
		// Redelivery of finished work is acknowledged, not re-run.
		d.logger.Info("request %s already %s, acking duplicate", req.ID, req.Status)
		return true
	}

	if err := d.requests.SetProcessing(ctx, msg.UserID, msg.RequestID); err != nil {
		d.logger.Error("mark request %s processing: %v", msg.RequestID, err)
		return false
	}
	d.Metrics.RequestStarted()
	d.publishSnapshot(ctx, msg.UserID, msg.RequestID)

	state, err := d.loadState(ctx, req)
	if err != nil {
		d.logger.Error("restore state for request %s: %v", msg.RequestID, err)
		return false
	}

	outcome, err := d.engine.Run(ctx, state)
	if err != nil {
		d.logger.Error("workflow for request %s aborted: %v", msg.RequestID, err)
		return false
	}

	err = d.requests.SetTerminal(ctx, msg.UserID, msg.RequestID, outcome.Status, request.TerminalParams{
		ResultSummary: outcome.Summary,
		ResultData:    outcome.ResultData,
		ErrorMessage:  outcome.ErrorMessage,
	})
	if err != nil {
		// A cancel can race the terminal write; the request is already
		// terminal then and the work should not be redelivered.
		current, getErr := d.requests.Get(ctx, msg.UserID, msg.RequestID)
		if getErr == nil && current.Status.IsTerminal() {
			d.logger.Info("request %s reached %s concurrently, acking", msg.RequestID, current.Status)
			return true
		}
		d.logger.Error("terminal write for request %s failed: %v", msg.RequestID, err)
		return false
	}

	d.Metrics.RequestFinished(string(outcome.Status))
	d.publishSnapshot(ctx, msg.UserID, msg.RequestID)
	d.logger.Info("request %s finished with status %s", msg.RequestID, outcome.Status)
	return true
}

// loadState resumes from the checkpoint when one exists, otherwise starts
// fresh. A checkpoint already at done means the previous run finished the
// graph but died before the terminal write; re-running the terminal node
// (aggregate, or handle_error for a failed run) from the persisted state is
// the cheapest safe recovery.
func (d *Driver) loadState(ctx context.Context, req *request.AnalysisRequest) (*State, error) {
	raw, err := d.checkpoints.Get(ctx, req.UserID, req.ID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return NewState(req.ID, req.UserID, req.LinkedAccountID, req.Prompt), nil
	}

	state, err := UnmarshalState(raw)
	if err != nil {
		d.logger.Warn("checkpoint for request %s did not parse, restarting workflow: %v", req.ID, err)
		return NewState(req.ID, req.UserID, req.LinkedAccountID, req.Prompt), nil
	}
	if state.Node == NodeDone {
		// A failure reason on a done checkpoint means handle_error already
		// ran; re-aggregating would flip a failed analysis to completed.
		if state.FailureReason != "" {
			state.Node = NodeHandleError
		} else {
			state.Node = NodeAggregate
		}
	}
	d.logger.Info("resuming request %s at node %s", req.ID, state.Node)
	return state, nil
}

// publishSnapshot pushes the current request state onto the update bus.
// Best effort only; a missed update never fails the workflow.
func (d *Driver) publishSnapshot(ctx context.Context, userID, requestID uuid.UUID) {
	if d.updates == nil {
		return
	}
	req, err := d.requests.Get(ctx, userID, requestID)
	if err != nil {
		d.logger.Warn("snapshot load for request %s failed: %v", requestID, err)
		return
	}

	var proposedIDs []uuid.UUID
	if d.actions != nil {
		if proposals, err := d.actions.ListByRequest(ctx, userID, requestID); err == nil {
			for _, p := range proposals {
				proposedIDs = append(proposedIDs, p.ID)
			}
		} else if !errors.Is(err, action.ErrNotFound) {
			d.logger.Warn("listing actions for request %s failed: %v", requestID, err)
		}
	}

	if err := d.updates.Publish(ctx, req.ToSnapshot(proposedIDs)); err != nil {
		d.logger.Warn("publish snapshot for request %s failed: %v", requestID, err)
		return
	}
	d.Metrics.SnapshotPublished()
}
