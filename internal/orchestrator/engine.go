package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"atlas/internal/domain/request"
	"atlas/internal/domain/task"
	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/observability"
)

// Publisher enqueues task messages. Satisfied by broker.Broker.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// Outcome is the terminal result of one workflow run.
type Outcome struct {
	Status       request.Status
	Summary      string
	ResultData   json.RawMessage
	ErrorMessage string
}

// Engine executes the workflow graph for one request at a time. It is
// stateless between runs; everything lives in State and the stores.
type Engine struct {
	planner      *Planner
	tasks        task.Store
	checkpoints  request.Checkpointer
	publisher    Publisher
	client       llm.Client
	router       *llm.Router
	pollInterval time.Duration
	logger       logging.Logger

	// Metrics is optional and nil-safe.
	Metrics *observability.Metrics
}

// NewEngine constructs a workflow engine.
func NewEngine(planner *Planner, tasks task.Store, checkpoints request.Checkpointer, publisher Publisher, client llm.Client, router *llm.Router, pollInterval time.Duration, logger logging.Logger) *Engine {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Engine{
		planner:      planner,
		tasks:        tasks,
		checkpoints:  checkpoints,
		publisher:    publisher,
		client:       client,
		router:       router,
		pollInterval: pollInterval,
		logger:       logging.OrNop(logger),
	}
}

// Run drives the state through the graph until a terminal outcome. The state
// is checkpointed after every node so a restart resumes at the last
// completed transition. Errors returned here are infrastructure failures;
// workflow-level failures come back as a failed Outcome.
func (e *Engine) Run(ctx context.Context, state *State) (*Outcome, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var err error
		switch state.Node {
		case NodePlan:
			err = e.runPlan(ctx, state)
		case NodeDispatch:
			err = e.runDispatch(ctx, state)
		case NodeCheckStatus:
			err = e.runCheckStatus(ctx, state)
		case NodeAggregate:
			outcome, aggErr := e.runAggregate(ctx, state)
			if aggErr != nil {
				return nil, aggErr
			}
			return outcome, nil
		case NodeHandleError:
			return e.runHandleError(ctx, state)
		default:
			return nil, fmt.Errorf("unknown workflow node %q", state.Node)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (e *Engine) transition(ctx context.Context, state *State, to Node) error {
	state.Node = to
	return e.checkpoint(ctx, state)
}

func (e *Engine) checkpoint(ctx context.Context, state *State) error {
	raw, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := e.checkpoints.Put(ctx, state.UserID, state.RequestID, raw); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	e.Metrics.CheckpointWritten()
	return nil
}

func (e *Engine) runPlan(ctx context.Context, state *State) error {
	steps, err := e.planner.Plan(ctx, state)
	if err != nil {
		state.FailureReason = fmt.Sprintf("planning failed: %v", err)
		return e.transition(ctx, state, NodeHandleError)
	}
	state.Plan = steps

	if len(steps) == 0 {
		e.logger.Info("request %s needs no department work, aggregating directly", state.RequestID)
		return e.transition(ctx, state, NodeAggregate)
	}
	return e.transition(ctx, state, NodeDispatch)
}

// runDispatch creates and publishes exactly one task per visit. Keeping the
// dispatch granular means a crash between steps re-enters here with the
// checkpoint already past the published step.
func (e *Engine) runDispatch(ctx context.Context, state *State) error {
	if state.NextStep >= len(state.Plan) {
		return e.transition(ctx, state, NodeAggregate)
	}
	step := state.Plan[state.NextStep]

	input := task.Input{
		Prompt:          state.Prompt,
		Instructions:    step.Instructions,
		LinkedAccountID: state.LinkedAccountID,
	}
	if step.Department.NeedsPriorResult() {
		input.RetrievedData = state.RetrievedData()
		input.AnalysisResults = state.AnalysisResults()
	}
	inputRaw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal task input: %w", err)
	}

	created, err := e.tasks.Create(ctx, state.UserID, state.RequestID, step.Department, inputRaw)
	if err != nil {
		return fmt.Errorf("create task for step %d: %w", state.NextStep, err)
	}

	msg := task.Message{
		TaskID:            created.ID,
		UserID:            state.UserID,
		AnalysisRequestID: state.RequestID,
		Department:        step.Department,
	}
	if err := e.publisher.Publish(ctx, step.Department.QueueName(), msg); err != nil {
		return fmt.Errorf("publish task %s: %w", created.ID, err)
	}

	state.Tasks = append(state.Tasks, TaskRef{
		TaskID:     created.ID,
		StepIndex:  state.NextStep,
		Department: step.Department,
		Status:     task.StatusPending,
	})
	state.NextStep++
	e.logger.Info("dispatched %s task %s for request %s (step %d/%d)",
		step.Department, created.ID, state.RequestID, state.NextStep, len(state.Plan))

	return e.transition(ctx, state, NodeCheckStatus)
}

// runCheckStatus polls the in-flight task until it reaches a terminal state.
func (e *Engine) runCheckStatus(ctx context.Context, state *State) error {
	pending := state.PendingTask()
	if pending == nil {
		// Resume path: the task finished while we were down.
		return e.advanceAfterCompletion(ctx, state)
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		tasks, err := e.tasks.GetMany(ctx, state.UserID, []uuid.UUID{pending.TaskID})
		if err != nil {
			return fmt.Errorf("poll task %s: %w", pending.TaskID, err)
		}
		if len(tasks) == 1 {
			current := tasks[0]
			pending.Status = current.Status
			if current.Status.IsTerminal() {
				if current.Status == task.StatusCompleted {
					state.RecordResult(pending.TaskID, current.OutputData)
					return e.advanceAfterCompletion(ctx, state)
				}
				state.FailureReason = failureReason(current)
				return e.transition(ctx, state, NodeHandleError)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) advanceAfterCompletion(ctx context.Context, state *State) error {
	if state.NextStep < len(state.Plan) {
		return e.transition(ctx, state, NodeDispatch)
	}
	return e.transition(ctx, state, NodeAggregate)
}

const aggregatorSystemPrompt = `You are the aggregation module of a commerce analytics platform.
Given the user's request and the outputs of the department steps that ran,
write a concise result summary for the user. Plain prose, no markdown
headings, no JSON.`

func (e *Engine) runAggregate(ctx context.Context, state *State) (*Outcome, error) {
	resultData, err := json.Marshal(state.Results)
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}

	summary := "No analysis was required for this request."
	if len(state.Results) > 0 {
		resp, err := e.client.Complete(ctx, llm.Request{
			Model: e.router.Model(ctx, state.UserID, llm.RoleAggregator),
			Messages: []llm.Message{
				{Role: "system", Content: aggregatorSystemPrompt},
				{Role: "user", Content: fmt.Sprintf("Request: %s\n\nDepartment outputs:\n%s", state.Prompt, departmentOutputs(state))},
			},
			Role: llm.RoleAggregator,
		})
		if err != nil {
			// Aggregation is presentation; the department outputs are already
			// persisted. Fail the workflow rather than losing them silently.
			state.FailureReason = fmt.Sprintf("aggregation failed: %v", err)
			return e.runHandleError(ctx, state)
		}
		summary = resp.Content
	}

	state.Node = NodeDone
	if err := e.checkpoint(ctx, state); err != nil {
		return nil, err
	}

	return &Outcome{
		Status:     request.StatusCompleted,
		Summary:    summary,
		ResultData: resultData,
	}, nil
}

func (e *Engine) runHandleError(ctx context.Context, state *State) (*Outcome, error) {
	reason := state.FailureReason
	if reason == "" {
		reason = "analysis failed for an unknown reason"
	}
	e.logger.Warn("request %s failed: %s", state.RequestID, reason)

	state.Node = NodeDone
	if err := e.checkpoint(ctx, state); err != nil {
		return nil, err
	}
	return &Outcome{
		Status:       request.StatusFailed,
		ErrorMessage: reason,
	}, nil
}

func failureReason(t *task.Task) string {
	if t.Status == task.StatusCancelled {
		return fmt.Sprintf("%s task was cancelled", t.TaskType)
	}
	if t.Logs != "" {
		return fmt.Sprintf("%s task failed: %s", t.TaskType, t.Logs)
	}
	return fmt.Sprintf("%s task failed", t.TaskType)
}

// departmentOutputs renders each completed step's output for the aggregation
// prompt, in dispatch order. Task IDs stay out of the prompt; they mean
// nothing to the model.
func departmentOutputs(state *State) string {
	var b strings.Builder
	for _, ref := range state.Tasks {
		data, ok := state.Results[ref.TaskID.String()]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "## %s (step %d)\n%s\n\n", ref.Department, ref.StepIndex+1, data)
	}
	return b.String()
}
