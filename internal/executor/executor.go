// Package executor consumes approved actions and performs them against the
// commerce API. It is the only component that turns stored intent into an
// external side effect, so every guard lives here: status precondition,
// account type, scope grant. A redelivered message for an executed or
// rejected action is acknowledged without execution; one that finds the
// action still executing marks it failed, since the previous run died
// without recording an outcome.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"atlas/internal/broker"
	"atlas/internal/commerce"
	"atlas/internal/domain/account"
	"atlas/internal/domain/action"
	apperrors "atlas/internal/errors"
	"atlas/internal/hitl"
	"atlas/internal/logging"
	"atlas/internal/observability"
)

// supportedAccountType is the only account type the executor can act on.
const supportedAccountType = "shopify"

// maxExecutionLogs bounds what one execution appends to execution_logs.
const maxExecutionLogs = 4000

// Executor consumes the action execution queue.
type Executor struct {
	actions  action.Store
	accounts account.Store
	client   *commerce.Client
	broker   *broker.Broker
	audit    *hitl.Auditor
	prefetch int
	logger   logging.Logger

	// Metrics is optional and nil-safe.
	Metrics *observability.Metrics
}

// New constructs the action executor.
func New(actions action.Store, accounts account.Store, client *commerce.Client, b *broker.Broker, prefetch int, logger logging.Logger) *Executor {
	return &Executor{
		actions:  actions,
		accounts: accounts,
		client:   client,
		broker:   b,
		audit:    hitl.NewAuditor(),
		prefetch: prefetch,
		logger:   logging.OrNop(logger),
	}
}

// Run declares the execution queue pair and consumes until ctx ends.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.broker.DeclareTopology(broker.QueueActionExecute); err != nil {
		return err
	}
	return e.broker.Consume(ctx, broker.QueueActionExecute, e.prefetch, e.Handle)
}

// Handle processes one execution message. True acks; false dead-letters.
func (e *Executor) Handle(ctx context.Context, body []byte) bool {
	var msg hitl.ExecuteMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		e.logger.Error("malformed execute message, dead-lettering: %v", err)
		return false
	}
	if msg.ActionID == uuid.Nil || msg.UserID == uuid.Nil {
		e.logger.Error("execute message missing ids, dead-lettering")
		return false
	}

	act, err := e.actions.Get(ctx, msg.UserID, msg.ActionID)
	if errors.Is(err, action.ErrNotFound) {
		e.logger.Error("action %s not found for user %s, dead-lettering", msg.ActionID, msg.UserID)
		return false
	}
	if err != nil {
		e.logger.Error("load action %s: %v", msg.ActionID, err)
		return false
	}

	// A redelivery that finds the action executing means the previous run
	// crashed between the status write and the outcome write. The side
	// effect is ambiguous and re-execution is never safe to infer, so the
	// action fails with an operator note instead of staying stuck.
	if act.Status == action.StatusExecuting {
		note := "critical executor failure: execution was interrupted before an outcome was recorded; the external change may or may not have been applied"
		if err := e.recordOutcome(ctx, msg.UserID, act.ID, action.StatusFailed, note); err != nil {
			e.logger.Error("record interrupted execution of action %s: %v", act.ID, err)
			return false
		}
		e.audit.Record(msg.UserID, hitl.EventActionExecutionFinished, act.ID, string(action.StatusFailed))
		e.Metrics.ActionExecuted(string(act.ActionType), string(action.StatusFailed))
		e.logger.Warn("action %s was executing on redelivery, marked failed", act.ID)
		return true
	}

	// Anything else but approved means this delivery is stale: already
	// executed, or rejected after enqueue. Ack without executing.
	if act.Status != action.StatusApproved {
		e.logger.Info("action %s is %s, not approved; acking without execution", act.ID, act.Status)
		return true
	}

	if err := e.actions.SetStatus(ctx, msg.UserID, act.ID, action.StatusExecuting, ""); err != nil {
		e.logger.Error("mark action %s executing: %v", act.ID, err)
		return false
	}
	e.audit.Record(msg.UserID, hitl.EventActionExecutionStarted, act.ID, string(act.ActionType))

	outcome, logs := e.execute(ctx, msg.UserID, act)
	logs = truncateLogs(logs)

	if err := e.recordOutcome(ctx, msg.UserID, act.ID, outcome, logs); err != nil {
		e.logger.Error("record outcome of action %s: %v", act.ID, err)
		return false
	}
	e.audit.Record(msg.UserID, hitl.EventActionExecutionFinished, act.ID, string(outcome))
	e.Metrics.ActionExecuted(string(act.ActionType), string(outcome))
	e.logger.Info("action %s finished: %s", act.ID, outcome)
	return true
}

// execute performs the side effect and returns the terminal status plus the
// log text to append. Writes are attempted exactly once.
func (e *Executor) execute(ctx context.Context, userID uuid.UUID, act *action.ProposedAction) (action.Status, string) {
	linked, err := e.accounts.Get(ctx, userID, act.LinkedAccountID)
	if err != nil {
		return action.StatusFailed, fmt.Sprintf("linked account lookup failed: %v", err)
	}
	if linked.Status != account.AccountActive {
		return action.StatusFailed, fmt.Sprintf("linked account %q is %s", linked.AccountName, linked.Status)
	}
	if linked.AccountType != supportedAccountType {
		return action.StatusFailed, fmt.Sprintf("account type %q is not supported for execution", linked.AccountType)
	}

	required := act.ActionType.RequiredScopes()
	if !linked.HasScopes(required) {
		return action.StatusFailed, permissionDenied(act.ActionType, required, linked.ScopeList())
	}

	result, err := e.dispatch(ctx, userID, act)
	if err != nil {
		return action.StatusFailed, fmt.Sprintf("execution failed: %v", err)
	}
	return action.StatusExecuted, fmt.Sprintf("executed %s: %s", act.ActionType, result)
}

func (e *Executor) dispatch(ctx context.Context, userID uuid.UUID, act *action.ProposedAction) (json.RawMessage, error) {
	switch act.ActionType {
	case action.TypeUpdateProductPrice:
		var params struct {
			VariantID string `json:"variant_id"`
			Price     string `json:"price"`
		}
		if err := json.Unmarshal(act.Parameters, &params); err != nil {
			return nil, fmt.Errorf("parse parameters: %w", err)
		}
		if params.VariantID == "" || params.Price == "" {
			return nil, fmt.Errorf("parameters missing variant_id or price")
		}
		return e.client.UpdateProductPrice(ctx, userID, act.LinkedAccountID, params.VariantID, params.Price)

	case action.TypeCreateDiscountCode:
		var params struct {
			Code      string `json:"code"`
			ValueType string `json:"value_type"`
			Value     string `json:"value"`
		}
		if err := json.Unmarshal(act.Parameters, &params); err != nil {
			return nil, fmt.Errorf("parse parameters: %w", err)
		}
		if params.Code == "" || params.Value == "" {
			return nil, fmt.Errorf("parameters missing code or value")
		}
		if params.ValueType == "" {
			params.ValueType = "percentage"
		}
		return e.client.CreateDiscountCode(ctx, userID, act.LinkedAccountID, params.Code, params.ValueType, params.Value)

	case action.TypeAdjustInventory:
		var params struct {
			InventoryItemID string `json:"inventory_item_id"`
			LocationID      string `json:"location_id"`
			Delta           int    `json:"delta"`
		}
		if err := json.Unmarshal(act.Parameters, &params); err != nil {
			return nil, fmt.Errorf("parse parameters: %w", err)
		}
		if params.InventoryItemID == "" || params.LocationID == "" {
			return nil, fmt.Errorf("parameters missing inventory_item_id or location_id")
		}
		return e.client.AdjustInventory(ctx, userID, act.LinkedAccountID, params.InventoryItemID, params.LocationID, params.Delta)

	default:
		return nil, fmt.Errorf("action type %q is not implemented", act.ActionType)
	}
}

// recordOutcome writes the terminal status, retrying transient store
// failures. The side effect may already have happened, so losing this write
// silently would strand an executed action in executing.
func (e *Executor) recordOutcome(ctx context.Context, userID, actionID uuid.UUID, outcome action.Status, logs string) error {
	return apperrors.Retry(ctx, apperrors.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}, func(ctx context.Context) error {
		err := e.actions.SetStatus(ctx, userID, actionID, outcome, "\n"+logs)
		if err != nil && apperrors.IsTransient(err) {
			return apperrors.NewTransientError(err, "outcome write failed, retrying")
		}
		return err
	})
}

// permissionDenied formats the scope rejection message recorded on the
// failed action.
func permissionDenied(actionType action.Type, required, granted []string) string {
	return fmt.Sprintf("Permission denied. Action '%s' requires scopes: [%s], but user only granted: [%s].",
		actionType, quoteList(required), quoteList(granted))
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = "'" + item + "'"
	}
	return strings.Join(quoted, ",")
}

func truncateLogs(s string) string {
	if len(s) <= maxExecutionLogs {
		return s
	}
	return s[:maxExecutionLogs] + "…(truncated)"
}
