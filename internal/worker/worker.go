// Package worker runs department consumers. Each worker process owns one
// department queue: it claims a persisted task, executes the department
// handler with an in-process retry loop, and records the outcome before
// acknowledging the delivery. The task row is the idempotency guard; a
// redelivered message for a terminal task is acknowledged without work.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"atlas/internal/broker"
	"atlas/internal/domain/task"
	apperrors "atlas/internal/errors"
	"atlas/internal/logging"
	"atlas/internal/observability"
)

// Handler executes one department's work on a task.
type Handler interface {
	Handle(ctx context.Context, msg task.Message, input task.Input) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg task.Message, input task.Input) (json.RawMessage, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg task.Message, input task.Input) (json.RawMessage, error) {
	return f(ctx, msg, input)
}

// Worker consumes one department queue.
type Worker struct {
	dept     task.Department
	tasks    task.Store
	handler  Handler
	broker   *broker.Broker
	prefetch int
	logger   logging.Logger

	// Metrics is optional and nil-safe.
	Metrics *observability.Metrics

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a department worker.
func New(dept task.Department, tasks task.Store, handler Handler, b *broker.Broker, prefetch int, logger logging.Logger) *Worker {
	return &Worker{
		dept:     dept,
		tasks:    tasks,
		handler:  handler,
		broker:   b,
		prefetch: prefetch,
		logger:   logging.OrNop(logger),
		sleep:    sleepCtx,
	}
}

// Run declares the department's queue pair and consumes until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.DeclareTopology(w.dept.QueueName()); err != nil {
		return err
	}
	return w.broker.Consume(ctx, w.dept.QueueName(), w.prefetch, w.Handle)
}

// Handle processes one delivery. The ack contract: true only once the
// outcome (completed or failed) is recorded on the task row, or the delivery
// is a duplicate of finished work. False dead-letters the message.
func (w *Worker) Handle(ctx context.Context, body []byte) bool {
	started := time.Now()

	var msg task.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Error("malformed task message, dead-lettering: %v", err)
		return false
	}

	current, err := w.tasks.Get(ctx, msg.UserID, msg.TaskID)
	if err != nil {
		w.logger.Error("load task %s: %v", msg.TaskID, err)
		return false
	}
	if current.Status.IsTerminal() {
		w.logger.Info("task %s already %s, acking duplicate", current.ID, current.Status)
		return true
	}

	var input task.Input
	if err := json.Unmarshal(current.InputData, &input); err != nil {
		reason := fmt.Sprintf("task input did not parse: %v", err)
		return w.recordFailure(ctx, msg, reason, started)
	}

	if current.Status == task.StatusPending || current.Status == task.StatusRetrying {
		if err := w.tasks.SetStatus(ctx, msg.UserID, msg.TaskID, task.StatusRunning); err != nil {
			w.logger.Error("mark task %s running: %v", msg.TaskID, err)
			return false
		}
	}

	output, handleErr := w.executeWithRetries(ctx, msg, input)
	if handleErr != nil {
		// A cancellation is shutdown, not a task failure. Leave the task
		// non-terminal and hand the delivery back for requeue so the next
		// worker resumes it.
		if errors.Is(handleErr, context.Canceled) || errors.Is(handleErr, context.DeadlineExceeded) {
			w.logger.Info("task %s interrupted by shutdown, returning delivery to the queue", msg.TaskID)
			return false
		}
		return w.recordFailure(ctx, msg, handleErr.Error(), started)
	}

	if err := w.tasks.SetStatus(ctx, msg.UserID, msg.TaskID, task.StatusCompleted, task.WithOutputData(output)); err != nil {
		w.logger.Error("record completion of task %s: %v", msg.TaskID, err)
		return false
	}
	w.Metrics.TaskProcessed(string(w.dept), string(task.StatusCompleted), time.Since(started).Seconds())
	w.logger.Info("task %s completed", msg.TaskID)
	return true
}

// executeWithRetries runs the handler with up to MaxRetries re-attempts on
// transient failures. Permanent failures short-circuit.
func (w *Worker) executeWithRetries(ctx context.Context, msg task.Message, input task.Input) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			w.Metrics.TaskRetried()
			if err := w.tasks.SetStatus(ctx, msg.UserID, msg.TaskID, task.StatusRetrying, task.WithRetryCount(attempt)); err != nil {
				return nil, fmt.Errorf("record retry %d: %w", attempt, err)
			}
			if err := w.sleep(ctx, nextDelay(attempt)); err != nil {
				return nil, err
			}
			if err := w.tasks.SetStatus(ctx, msg.UserID, msg.TaskID, task.StatusRunning); err != nil {
				return nil, fmt.Errorf("resume after retry %d: %w", attempt, err)
			}
		}

		output, err := w.handler.Handle(ctx, msg, input)
		if err == nil {
			return output, nil
		}
		lastErr = err

		if !apperrors.IsTransient(err) {
			w.logger.Warn("task %s failed permanently on attempt %d: %v", msg.TaskID, attempt+1, err)
			return nil, err
		}
		w.logger.Warn("task %s attempt %d failed transiently: %v", msg.TaskID, attempt+1, err)
	}
	return nil, fmt.Errorf("exhausted %d attempts: %w", MaxRetries+1, lastErr)
}

// recordFailure writes the failed outcome. Only a successful write earns an
// ack; if even that fails, the message goes to the DLQ with the task left
// non-terminal for the operator.
func (w *Worker) recordFailure(ctx context.Context, msg task.Message, reason string, started time.Time) bool {
	if err := w.tasks.SetStatus(ctx, msg.UserID, msg.TaskID, task.StatusFailed, task.WithLogs(reason)); err != nil {
		w.logger.Error("record failure of task %s: %v", msg.TaskID, err)
		return false
	}
	w.Metrics.TaskProcessed(string(w.dept), string(task.StatusFailed), time.Since(started).Seconds())
	w.logger.Info("task %s failed: %s", msg.TaskID, reason)
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
