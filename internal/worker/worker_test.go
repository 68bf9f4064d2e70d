package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"atlas/internal/domain/task"
	apperrors "atlas/internal/errors"
)

func TestBackoffSchedule(t *testing.T) {
	// Zero jitter exposes the raw schedule: 1, 2, 4, 8, 16 seconds.
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, expected := range want {
		if got := backoffDelay(i+1, 0); got != expected {
			t.Errorf("backoffDelay(%d, 0) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestBackoffCap(t *testing.T) {
	if got := backoffDelay(6, 0); got != 30*time.Second {
		t.Errorf("backoffDelay(6, 0) = %v, want capped 30s", got)
	}
	if got := backoffDelay(10, 0.99); got != 30*time.Second {
		t.Errorf("backoffDelay(10, 0.99) = %v, want capped 30s", got)
	}
}

func TestBackoffJitterAdds(t *testing.T) {
	if got := backoffDelay(2, 0.5); got != 2500*time.Millisecond {
		t.Errorf("backoffDelay(2, 0.5) = %v, want 2.5s", got)
	}
}

type memTaskStore struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]*task.Task
	transitions []task.Status
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: map[uuid.UUID]*task.Task{}}
}

func (m *memTaskStore) seed(userID uuid.UUID, status task.Status, input string) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &task.Task{
		ID:        uuid.New(),
		UserID:    userID,
		TaskType:  task.DeptQuantitative,
		Status:    status,
		InputData: json.RawMessage(input),
	}
	m.tasks[t.ID] = t
	return t
}

func (m *memTaskStore) Create(_ context.Context, userID, requestID uuid.UUID, dept task.Department, input json.RawMessage) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &task.Task{ID: uuid.New(), UserID: userID, AnalysisRequestID: requestID, TaskType: dept, Status: task.StatusPending, InputData: input}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *memTaskStore) Get(_ context.Context, userID, taskID uuid.UUID) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.UserID != userID {
		return nil, fmt.Errorf("task not found")
	}
	copied := *t
	return &copied, nil
}

func (m *memTaskStore) SetStatus(_ context.Context, userID, taskID uuid.UUID, status task.Status, opts ...task.UpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.UserID != userID {
		return fmt.Errorf("task not found")
	}
	if !task.CanTransition(t.Status, status) {
		return fmt.Errorf("invalid transition %s -> %s", t.Status, status)
	}
	params := task.ApplyUpdateOptions(opts)
	t.Status = status
	m.transitions = append(m.transitions, status)
	if params.OutputData != nil {
		t.OutputData = params.OutputData
	}
	if params.Logs != nil {
		t.Logs = *params.Logs
	}
	if params.RetryCount != nil {
		t.RetryCount = *params.RetryCount
	}
	return nil
}

func (m *memTaskStore) GetMany(_ context.Context, userID uuid.UUID, ids []uuid.UUID) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok && t.UserID == userID {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func newTestWorker(store *memTaskStore, handler Handler) *Worker {
	w := New(task.DeptQuantitative, store, handler, nil, 1, nil)
	w.sleep = func(context.Context, time.Duration) error { return nil }
	return w
}

func messageFor(t *task.Task) []byte {
	body, _ := json.Marshal(task.Message{
		TaskID:            t.ID,
		UserID:            t.UserID,
		AnalysisRequestID: t.AnalysisRequestID,
		Department:        t.TaskType,
	})
	return body
}

const validInput = `{"prompt":"p","instructions":"i","linked_account_id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`

func TestHandleCompletesTask(t *testing.T) {
	store := newMemTaskStore()
	userID := uuid.New()
	seeded := store.seed(userID, task.StatusPending, validInput)

	w := newTestWorker(store, HandlerFunc(func(_ context.Context, _ task.Message, input task.Input) (json.RawMessage, error) {
		if input.Instructions != "i" {
			t.Errorf("handler got instructions %q", input.Instructions)
		}
		return json.RawMessage(`{"analysis":"done"}`), nil
	}))

	if !w.Handle(context.Background(), messageFor(seeded)) {
		t.Fatal("Handle() should ack on success")
	}

	final, _ := store.Get(context.Background(), userID, seeded.ID)
	if final.Status != task.StatusCompleted {
		t.Errorf("Status = %s, want completed", final.Status)
	}
	if string(final.OutputData) != `{"analysis":"done"}` {
		t.Errorf("OutputData = %s", final.OutputData)
	}
}

func TestHandleAcksTerminalDuplicate(t *testing.T) {
	store := newMemTaskStore()
	userID := uuid.New()
	seeded := store.seed(userID, task.StatusCompleted, validInput)

	called := false
	w := newTestWorker(store, HandlerFunc(func(context.Context, task.Message, task.Input) (json.RawMessage, error) {
		called = true
		return nil, nil
	}))

	if !w.Handle(context.Background(), messageFor(seeded)) {
		t.Fatal("duplicate of terminal task should ack")
	}
	if called {
		t.Error("handler must not run for a terminal task")
	}
}

func TestHandleRetriesTransientFailure(t *testing.T) {
	store := newMemTaskStore()
	userID := uuid.New()
	seeded := store.seed(userID, task.StatusPending, validInput)

	attempts := 0
	w := newTestWorker(store, HandlerFunc(func(context.Context, task.Message, task.Input) (json.RawMessage, error) {
		attempts++
		if attempts < 3 {
			return nil, apperrors.NewTransientError(errors.New("upstream 503"), "upstream unavailable")
		}
		return json.RawMessage(`{}`), nil
	}))

	if !w.Handle(context.Background(), messageFor(seeded)) {
		t.Fatal("Handle() should ack after retries succeed")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	final, _ := store.Get(context.Background(), userID, seeded.ID)
	if final.Status != task.StatusCompleted {
		t.Errorf("Status = %s, want completed", final.Status)
	}
	if final.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", final.RetryCount)
	}

	// The retry loop oscillates running → retrying → running.
	wantPrefix := []task.Status{task.StatusRunning, task.StatusRetrying, task.StatusRunning, task.StatusRetrying, task.StatusRunning}
	for i, status := range wantPrefix {
		if store.transitions[i] != status {
			t.Errorf("transition[%d] = %s, want %s", i, store.transitions[i], status)
		}
	}
}

func TestHandleExhaustsRetries(t *testing.T) {
	store := newMemTaskStore()
	userID := uuid.New()
	seeded := store.seed(userID, task.StatusPending, validInput)

	attempts := 0
	w := newTestWorker(store, HandlerFunc(func(context.Context, task.Message, task.Input) (json.RawMessage, error) {
		attempts++
		return nil, apperrors.NewTransientError(errors.New("always down"), "upstream unavailable")
	}))

	if !w.Handle(context.Background(), messageFor(seeded)) {
		t.Fatal("exhausted retries still record an outcome, so the message acks")
	}
	if attempts != MaxRetries+1 {
		t.Errorf("attempts = %d, want %d", attempts, MaxRetries+1)
	}

	final, _ := store.Get(context.Background(), userID, seeded.ID)
	if final.Status != task.StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if final.Logs == "" {
		t.Error("failed task should carry the failure reason in logs")
	}
}

func TestHandlePermanentFailureShortCircuits(t *testing.T) {
	store := newMemTaskStore()
	userID := uuid.New()
	seeded := store.seed(userID, task.StatusPending, validInput)

	attempts := 0
	w := newTestWorker(store, HandlerFunc(func(context.Context, task.Message, task.Input) (json.RawMessage, error) {
		attempts++
		return nil, apperrors.NewPermanentError(errors.New("credentials rejected"), "account needs relinking")
	}))

	if !w.Handle(context.Background(), messageFor(seeded)) {
		t.Fatal("permanent failure records an outcome, so the message acks")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries on permanent errors)", attempts)
	}

	final, _ := store.Get(context.Background(), userID, seeded.ID)
	if final.Status != task.StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
}

func TestHandleShutdownLeavesTaskResumable(t *testing.T) {
	store := newMemTaskStore()
	userID := uuid.New()
	seeded := store.seed(userID, task.StatusPending, validInput)

	ctx, cancel := context.WithCancel(context.Background())
	w := newTestWorker(store, HandlerFunc(func(ctx context.Context, _ task.Message, _ task.Input) (json.RawMessage, error) {
		cancel()
		return nil, ctx.Err()
	}))

	if w.Handle(ctx, messageFor(seeded)) {
		t.Fatal("an interrupted task must not ack; the delivery goes back for redelivery")
	}

	final, _ := store.Get(context.Background(), userID, seeded.ID)
	if final.Status != task.StatusRunning {
		t.Errorf("Status = %s, want running so the redelivery resumes it", final.Status)
	}
	if final.Status.IsTerminal() {
		t.Error("shutdown must not record a terminal outcome")
	}
}

func TestHandleMalformedMessageDeadLetters(t *testing.T) {
	w := newTestWorker(newMemTaskStore(), HandlerFunc(func(context.Context, task.Message, task.Input) (json.RawMessage, error) {
		return nil, nil
	}))
	if w.Handle(context.Background(), []byte("not json")) {
		t.Error("malformed message must dead-letter")
	}
}

func TestHandleBadInputFailsTask(t *testing.T) {
	store := newMemTaskStore()
	userID := uuid.New()
	seeded := store.seed(userID, task.StatusPending, `{broken`)

	w := newTestWorker(store, HandlerFunc(func(context.Context, task.Message, task.Input) (json.RawMessage, error) {
		t.Error("handler must not run with unparseable input")
		return nil, nil
	}))

	if !w.Handle(context.Background(), messageFor(seeded)) {
		t.Fatal("bad input records a failed outcome, so the message acks")
	}
	final, _ := store.Get(context.Background(), userID, seeded.ID)
	if final.Status != task.StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
}
